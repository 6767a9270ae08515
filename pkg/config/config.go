// Copyright 2020 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"os"

	"github.com/goccy/go-json"
	cerror "github.com/olr-project/redoflow/pkg/errors"
)

// Program flags, bit positions within Source.Flags.
const (
	// FlagAdaptiveSchema treats the schema as a wildcard: unseen objects get
	// auto-generated COL_<n> column names instead of blocking DML.
	FlagAdaptiveSchema uint64 = 1 << 0
	// FlagDisableJSONTagsCheck accepts unknown keys in the config file.
	FlagDisableJSONTagsCheck uint64 = 1 << 1
	// FlagKeepSwapFiles leaves per-xid spill files behind for inspection.
	FlagKeepSwapFiles uint64 = 1 << 2
	// FlagCompressArchiveCopy zstd-compresses files written to redo-copy-path.
	FlagCompressArchiveCopy uint64 = 1 << 3

	maxFlags = 524287
)

const maxConfigFileSize = 1024 * 1024

// Config is the full program configuration, one source and one target.
type Config struct {
	Version  string          `json:"version"`
	LogLevel *int            `json:"log-level,omitempty"`
	Trace    uint64          `json:"trace,omitempty"`
	DumpPath string          `json:"dump-path,omitempty"`
	Source   []*SourceConfig `json:"source"`
	Target   []*TargetConfig `json:"target"`
}

// MemoryConfig bounds the arena, all values in megabytes.
type MemoryConfig struct {
	MinMb             uint64 `json:"min-mb"`
	MaxMb             uint64 `json:"max-mb"`
	ReadBufferMinMb   uint64 `json:"read-buffer-min-mb"`
	ReadBufferMaxMb   uint64 `json:"read-buffer-max-mb"`
	WriteBufferMinMb  uint64 `json:"write-buffer-min-mb"`
	WriteBufferMaxMb  uint64 `json:"write-buffer-max-mb"`
	SwapMb            uint64 `json:"swap-mb"`
	SwapPath          string `json:"swap-path"`
	UnswapBufferMinMb uint64 `json:"unswap-buffer-min-mb"`
}

// ReaderConfig selects and positions the redo log source.
type ReaderConfig struct {
	Type         string   `json:"type"` // online, offline, batch
	StartScn     uint64   `json:"start-scn,omitempty"`
	StartSeq     uint32   `json:"start-seq,omitempty"`
	StartTime    string   `json:"start-time,omitempty"`
	StartTimeRel int64    `json:"start-time-rel,omitempty"`
	ConID        int16    `json:"con-id,omitempty"`
	RedoCopyPath string   `json:"redo-copy-path,omitempty"`
	DbTimezone   string   `json:"db-timezone,omitempty"`
	HostTimezone string   `json:"host-timezone,omitempty"`
	LogTimezone  string   `json:"log-timezone,omitempty"`
	User         string   `json:"user,omitempty"`
	Password     string   `json:"password,omitempty"`
	Server       string   `json:"server,omitempty"`
	RedoLog      []string `json:"redo-log,omitempty"`
	PathMapping  []string `json:"path-mapping,omitempty"`

	RedoReadSleepUs uint64 `json:"redo-read-sleep-us,omitempty"`
	ArchReadSleepUs uint64 `json:"arch-read-sleep-us,omitempty"`
	ArchReadTries   uint64 `json:"arch-read-tries,omitempty"`
}

// StateConfig governs checkpointing.
type StateConfig struct {
	Type                string `json:"type"` // disk, leveldb
	Path                string `json:"path"`
	IntervalS           uint64 `json:"interval-s"`
	IntervalMb          uint64 `json:"interval-mb"`
	KeepCheckpoints     uint64 `json:"keep-checkpoints"`
	SchemaForceInterval uint64 `json:"schema-force-interval"`
}

// DebugConfig stops replication after the given number of events, for tests.
type DebugConfig struct {
	StopLogSwitches  uint64 `json:"stop-log-switches,omitempty"`
	StopCheckpoints  uint64 `json:"stop-checkpoints,omitempty"`
	StopTransactions uint64 `json:"stop-transactions,omitempty"`
	Owner            string `json:"owner,omitempty"`
	Table            string `json:"table,omitempty"`
}

// MetricsConfig enables the prometheus endpoint.
type MetricsConfig struct {
	Type     string   `json:"type,omitempty"`
	Bind     string   `json:"bind,omitempty"`
	TagNames []string `json:"tag-names,omitempty"`
}

// TableFilter selects one owner/table pair for replication.
type TableFilter struct {
	Owner     string `json:"owner"`
	Table     string `json:"table"`
	Key       string `json:"key,omitempty"`
	Condition string `json:"condition,omitempty"`
	Tag       string `json:"tag,omitempty"`
}

// FilterConfig restricts replicated tables and transactions.
type FilterConfig struct {
	Table     []TableFilter `json:"table,omitempty"`
	Separator string        `json:"separator,omitempty"`
	SkipXid   []string      `json:"skip-xid,omitempty"`
	DumpXid   []string      `json:"dump-xid,omitempty"`
}

// FormatConfig selects the serialization back-end and its field encodings.
// Numeric options carry the enumeration ranges from the output builder.
type FormatConfig struct {
	Db           uint64 `json:"db,omitempty"`
	Attributes   uint64 `json:"attributes,omitempty"`
	IntervalDts  uint64 `json:"interval-dts,omitempty"`
	IntervalYtm  uint64 `json:"interval-ytm,omitempty"`
	Message      uint64 `json:"message,omitempty"`
	Rid          uint64 `json:"rid,omitempty"`
	Xid          uint64 `json:"xid,omitempty"`
	Timestamp    uint64 `json:"timestamp,omitempty"`
	TimestampTz  uint64 `json:"timestamp-tz,omitempty"`
	TimestampAll uint64 `json:"timestamp-all,omitempty"`
	Char         uint64 `json:"char,omitempty"`
	Scn          uint64 `json:"scn,omitempty"`
	ScnType      uint64 `json:"scn-type,omitempty"`
	Unknown      uint64 `json:"unknown,omitempty"`
	Schema       uint64 `json:"schema,omitempty"`
	Column       uint64 `json:"column,omitempty"`
	UnknownType  uint64 `json:"unknown-type,omitempty"`
	FlushBuffer  uint64 `json:"flush-buffer,omitempty"`
	Type         string `json:"type"` // json, protobuf
}

// SourceConfig describes the one replicated database.
type SourceConfig struct {
	Alias            string        `json:"alias"`
	Name             string        `json:"name"`
	Memory           MemoryConfig  `json:"memory"`
	Reader           ReaderConfig  `json:"reader"`
	State            StateConfig   `json:"state"`
	Debug            DebugConfig   `json:"debug,omitempty"`
	Flags            uint64        `json:"flags,omitempty"`
	TransactionMaxMb uint64        `json:"transaction-max-mb,omitempty"`
	Metrics          MetricsConfig `json:"metrics,omitempty"`
	Filter           FilterConfig  `json:"filter,omitempty"`
	Format           FormatConfig  `json:"format"`
}

// WriterConfig describes one message sink.
type WriterConfig struct {
	Type            string            `json:"type"` // file, discard, kafka, zeromq, network
	PollIntervalUs  uint64            `json:"poll-interval-us,omitempty"`
	QueueSize       uint64            `json:"queue-size,omitempty"`
	MaxFileSize     uint64            `json:"max-file-size,omitempty"`
	TimestampFormat string            `json:"timestamp-format,omitempty"`
	Output          string            `json:"output,omitempty"`
	NewLine         uint64            `json:"new-line,omitempty"`
	Append          uint64            `json:"append,omitempty"`
	MaxMessageMb    uint64            `json:"max-message-mb,omitempty"`
	Topic           string            `json:"topic,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	URI             string            `json:"uri,omitempty"`
}

// TargetConfig binds a writer to a source.
type TargetConfig struct {
	Alias  string       `json:"alias"`
	Source string       `json:"source"`
	Writer WriterConfig `json:"writer"`
}

// Load reads, decodes and validates the config file at path.
func Load(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, cerror.ErrConfigStat.GenWithStackByArgs(err.Error())
	}
	if fi.Size() > maxConfigFileSize {
		return nil, cerror.ErrConfigSize.GenWithStackByArgs(fi.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerror.ErrConfigOpen.GenWithStackByArgs(err.Error())
	}
	return Parse(data)
}

// Parse decodes and validates raw config bytes. Unknown keys are a hard
// error unless the source disables the JSON tags check.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, cerror.ErrConfigParse.GenWithStackByArgs(err.Error())
	}
	strict := true
	if len(cfg.Source) == 1 && cfg.Source[0].Flags&FlagDisableJSONTagsCheck != 0 {
		strict = false
	}
	if strict {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&Config{}); err != nil {
			return nil, cerror.ErrConfigParse.GenWithStackByArgs(err.Error())
		}
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func semantic(format string, args ...interface{}) error {
	return cerror.ErrConfigSemantic.GenWithStack("invalid config: "+format, args...)
}

// ValidateAndAdjust checks ranges and fills defaults in place.
func (c *Config) ValidateAndAdjust() error {
	if c.LogLevel == nil {
		v := 3
		c.LogLevel = &v
	}
	if *c.LogLevel < 0 || *c.LogLevel > 4 {
		return semantic("log-level must be 0..4, got %d", *c.LogLevel)
	}
	if c.Trace > maxFlags {
		return semantic("trace must be 0..%d, got %d", maxFlags, c.Trace)
	}
	if len(c.Source) != 1 {
		return semantic("exactly one source required, got %d", len(c.Source))
	}
	if len(c.Target) != 1 {
		return semantic("exactly one target required, got %d", len(c.Target))
	}
	if err := c.Source[0].validateAndAdjust(); err != nil {
		return err
	}
	if err := c.Target[0].validateAndAdjust(); err != nil {
		return err
	}
	if c.Target[0].Source != c.Source[0].Alias {
		return semantic("target source %q does not match source alias %q",
			c.Target[0].Source, c.Source[0].Alias)
	}
	return nil
}

func (s *SourceConfig) validateAndAdjust() error {
	if s.Alias == "" {
		return semantic("source alias must not be empty")
	}
	if s.Name == "" {
		return semantic("source name must not be empty")
	}
	if s.Flags > maxFlags {
		return semantic("flags must be 0..%d, got %d", maxFlags, s.Flags)
	}
	m := &s.Memory
	if m.MinMb == 0 {
		m.MinMb = 32
	}
	if m.MaxMb == 0 {
		m.MaxMb = 1024
	}
	if m.ReadBufferMinMb == 0 {
		m.ReadBufferMinMb = 4
	}
	if m.ReadBufferMaxMb == 0 {
		m.ReadBufferMaxMb = 32
	}
	if m.WriteBufferMinMb == 0 {
		m.WriteBufferMinMb = 4
	}
	if m.WriteBufferMaxMb == 0 {
		m.WriteBufferMaxMb = m.MaxMb
	}
	if m.UnswapBufferMinMb == 0 {
		m.UnswapBufferMinMb = 4
	}
	if m.MinMb > m.MaxMb {
		return semantic("memory min-mb (%d) must not exceed max-mb (%d)", m.MinMb, m.MaxMb)
	}
	if m.SwapMb > 0 && m.SwapMb > m.MaxMb-4 {
		return semantic("memory swap-mb (%d) must not exceed max-mb-4 (%d)", m.SwapMb, m.MaxMb-4)
	}
	for _, pair := range [][2]interface{}{
		{"unswap-buffer-min-mb", m.UnswapBufferMinMb},
		{"read-buffer-min-mb", m.ReadBufferMinMb},
		{"write-buffer-min-mb", m.WriteBufferMinMb},
	} {
		if pair[1].(uint64)+4 > m.MaxMb {
			return semantic("memory %s (%d) + 4 must not exceed max-mb (%d)",
				pair[0], pair[1], m.MaxMb)
		}
	}
	if m.SwapMb > 0 && m.SwapPath == "" {
		m.SwapPath = os.TempDir()
	}

	switch s.Reader.Type {
	case "online", "offline", "batch":
	default:
		return semantic("reader type must be one of online/offline/batch, got %q", s.Reader.Type)
	}
	if s.Reader.Type == "batch" && len(s.Reader.RedoLog) == 0 {
		return semantic("batch reader requires a redo-log list")
	}
	if len(s.Reader.PathMapping)%2 != 0 {
		return semantic("path-mapping must hold src,dst pairs")
	}
	if s.Reader.RedoReadSleepUs == 0 {
		s.Reader.RedoReadSleepUs = 50000
	}
	if s.Reader.ArchReadSleepUs == 0 {
		s.Reader.ArchReadSleepUs = 10000000
	}
	if s.Reader.ArchReadTries == 0 {
		s.Reader.ArchReadTries = 10
	}

	switch s.State.Type {
	case "":
		s.State.Type = "disk"
	case "disk", "leveldb":
	default:
		return semantic("state type must be disk or leveldb, got %q", s.State.Type)
	}
	if s.State.Path == "" {
		s.State.Path = "checkpoint"
	}
	if s.State.IntervalS == 0 {
		s.State.IntervalS = 600
	}
	if s.State.IntervalMb == 0 {
		s.State.IntervalMb = 500
	}
	if s.State.KeepCheckpoints == 0 {
		s.State.KeepCheckpoints = 100
	}
	if s.State.SchemaForceInterval == 0 {
		s.State.SchemaForceInterval = 20
	}

	return s.Format.validateAndAdjust()
}

func (f *FormatConfig) validateAndAdjust() error {
	switch f.Type {
	case "":
		f.Type = "json"
	case "json", "protobuf":
	default:
		return semantic("format type must be json or protobuf, got %q", f.Type)
	}
	ranges := []struct {
		name string
		val  uint64
		max  uint64
	}{
		{"db", f.Db, 3},
		{"attributes", f.Attributes, 7},
		{"interval-dts", f.IntervalDts, 10},
		{"interval-ytm", f.IntervalYtm, 4},
		{"message", f.Message, 31},
		{"rid", f.Rid, 1},
		{"xid", f.Xid, 2},
		{"timestamp", f.Timestamp, 15},
		{"timestamp-tz", f.TimestampTz, 11},
		{"timestamp-all", f.TimestampAll, 1},
		{"char", f.Char, 3},
		{"scn", f.Scn, 1},
		{"scn-type", f.ScnType, 3},
		{"unknown", f.Unknown, 1},
		{"schema", f.Schema, 7},
		{"column", f.Column, 2},
		{"unknown-type", f.UnknownType, 1},
	}
	for _, r := range ranges {
		if r.val > r.max {
			return semantic("format %s must be 0..%d, got %d", r.name, r.max, r.val)
		}
	}
	const msgFull, msgSkipBegin, msgSkipCommit = 1, 4, 8
	if f.Message&msgFull != 0 && f.Message&(msgSkipBegin|msgSkipCommit) != 0 {
		return semantic("format message: full (1) cannot be combined with skip-begin (4) or skip-commit (8)")
	}
	return nil
}

func (t *TargetConfig) validateAndAdjust() error {
	if t.Alias == "" {
		return semantic("target alias must not be empty")
	}
	w := &t.Writer
	switch w.Type {
	case "file", "discard", "kafka", "zeromq", "network":
	default:
		return semantic("writer type must be one of file/discard/kafka/zeromq/network, got %q", w.Type)
	}
	if w.PollIntervalUs == 0 {
		w.PollIntervalUs = 100000
	}
	if w.PollIntervalUs < 100 || w.PollIntervalUs > 3600000000 {
		return semantic("writer poll-interval-us must be 100..3600000000, got %d", w.PollIntervalUs)
	}
	if w.QueueSize == 0 {
		w.QueueSize = 65536
	}
	if w.QueueSize < 1 || w.QueueSize > 1000000 {
		return semantic("writer queue-size must be 1..1000000, got %d", w.QueueSize)
	}
	if w.MaxMessageMb == 0 {
		w.MaxMessageMb = 16
	}
	switch w.Type {
	case "kafka":
		if w.Topic == "" {
			return semantic("kafka writer requires a topic")
		}
		if w.URI == "" {
			return semantic("kafka writer requires a broker uri")
		}
	case "zeromq", "network":
		if w.URI == "" {
			return semantic("%s writer requires a uri", w.Type)
		}
	case "file":
		if w.Append > 1 {
			return semantic("writer append must be 0 or 1, got %d", w.Append)
		}
		if w.NewLine > 2 {
			return semantic("writer new-line must be 0..2, got %d", w.NewLine)
		}
	}
	return nil
}
