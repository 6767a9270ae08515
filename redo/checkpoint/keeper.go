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

// Package checkpoint persists replication progress so a restart resumes
// without gaps or duplicates.
package checkpoint

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
)

// OpenXid describes a transaction still open at checkpoint time with enough
// metadata to re-read it from the log after a restart.
type OpenXid struct {
	Xid      string    `json:"xid"`
	FirstScn model.Scn `json:"first-scn"`
	Seq      model.Seq `json:"seq"`
	Offset   uint64    `json:"offset"`
	LwnIdx   uint64    `json:"lwn-idx"`
}

// Record is one self-contained checkpoint. A transaction that is OPEN here
// and commits later carries the post-restart commit SCN, which equals the
// pre-crash one since commit records live in the log past this position.
type Record struct {
	Database      string          `json:"database"`
	Scn           model.Scn       `json:"scn"` // lwn scn at checkpoint
	LastCommitScn model.Scn       `json:"c_scn"`
	Seq           model.Seq       `json:"seq"`
	Offset        uint64          `json:"offset"`
	LwnIdx        uint64          `json:"lwn-idx"`
	SchemaDigest  string          `json:"schema-hash"`
	Schema        json.RawMessage `json:"schema,omitempty"`
	OpenXids      []OpenXid       `json:"open-xids,omitempty"`
}

// position is the parser progress offered between checkpoints.
type position struct {
	lwnScn model.Scn
	seq    model.Seq
	offset uint64
	lwnIdx uint64
}

// Keeper writes periodic checkpoint records and garbage-collects old ones.
// It runs on its own goroutine; the parser offers positions, the writer
// side feeds the confirmed SCN used as the fence.
type Keeper struct {
	store Store
	cfg   *config.StateConfig
	db    string
	clock clock.Clock

	// state providers installed by the supervisor
	schemaDump   func() ([]byte, string, error)
	openXids     func() []OpenXid
	confirmedScn func() model.Scn

	mu          sync.Mutex
	pos         position
	havePos     bool
	force       bool
	bytesSince  uint64
	sinceSchema uint64
	taken       uint64
	lastTaken   time.Time

	onTaken func() bool // debug stop-checkpoints; false stops the pipeline
	stop    func()
}

// NewKeeper builds the keeper over the given store.
func NewKeeper(store Store, cfg *config.StateConfig, db string, clk clock.Clock) *Keeper {
	return &Keeper{store: store, cfg: cfg, db: db, clock: clk}
}

// Bind installs the state providers and the optional debug hook.
func (k *Keeper) Bind(
	schemaDump func() ([]byte, string, error),
	openXids func() []OpenXid,
	confirmedScn func() model.Scn,
	onTaken func() bool,
	stop func(),
) {
	k.schemaDump = schemaDump
	k.openXids = openXids
	k.confirmedScn = confirmedScn
	k.onTaken = onTaken
	k.stop = stop
}

// Offer records the latest parser position; force requests a checkpoint
// regardless of the interval triggers (log switch).
func (k *Keeper) Offer(lwnScn model.Scn, seq model.Seq, offset, lwnIdx uint64, force bool) {
	k.mu.Lock()
	k.pos = position{lwnScn: lwnScn, seq: seq, offset: offset, lwnIdx: lwnIdx}
	k.havePos = true
	if force {
		k.force = true
	}
	k.mu.Unlock()
}

// ForceNext requests a checkpoint at the last offered position, without
// moving it; used on log switches.
func (k *Keeper) ForceNext() {
	k.mu.Lock()
	if k.havePos {
		k.force = true
	}
	k.mu.Unlock()
}

// AddBytes accounts output volume toward the interval-mb trigger.
func (k *Keeper) AddBytes(n uint64) {
	k.mu.Lock()
	k.bytesSince += n
	k.mu.Unlock()
}

// Run drives the periodic checks until the context ends. The final
// checkpoint on soft shutdown is written by the supervisor via TakeFinal.
func (k *Keeper) Run(ctx context.Context) error {
	k.mu.Lock()
	k.lastTaken = k.clock.Now()
	k.mu.Unlock()
	ticker := k.clock.Ticker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		due, pos := k.due()
		if !due {
			continue
		}
		if err := k.take(pos); err != nil {
			return err
		}
		if k.onTaken != nil && !k.onTaken() {
			log.Info("debug stop-checkpoints reached, stopping")
			if k.stop != nil {
				k.stop()
			}
			return nil
		}
	}
}

func (k *Keeper) due() (bool, position) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.havePos {
		return false, position{}
	}
	if k.force {
		k.force = false
		return true, k.pos
	}
	if k.clock.Since(k.lastTaken) >= time.Duration(k.cfg.IntervalS)*time.Second {
		return true, k.pos
	}
	if k.bytesSince >= k.cfg.IntervalMb<<20 {
		return true, k.pos
	}
	return false, position{}
}

// TakeFinal writes one last checkpoint at the current position, part of the
// soft shutdown drain.
func (k *Keeper) TakeFinal() error {
	k.mu.Lock()
	have := k.havePos
	pos := k.pos
	k.mu.Unlock()
	if !have {
		return nil
	}
	return k.take(pos)
}

// take writes one record. The fence: LastCommitScn is the SCN writers have
// confirmed, never ahead of output already handed over.
func (k *Keeper) take(pos position) error {
	rec := Record{
		Database: k.db,
		Scn:      pos.lwnScn,
		Seq:      pos.seq,
		Offset:   pos.offset,
		LwnIdx:   pos.lwnIdx,
	}
	if k.confirmedScn != nil {
		rec.LastCommitScn = k.confirmedScn()
	}
	if k.openXids != nil {
		rec.OpenXids = k.openXids()
	}
	if k.schemaDump != nil {
		snap, digest, err := k.schemaDump()
		if err != nil {
			return err
		}
		rec.SchemaDigest = digest
		k.mu.Lock()
		withSchema := k.sinceSchema == 0 || k.sinceSchema >= k.cfg.SchemaForceInterval
		k.mu.Unlock()
		if withSchema {
			rec.Schema = snap
		}
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return cerror.ErrStateWrite.GenWithStackByArgs(err.Error())
	}
	name := k.db + "-" + strconv.FormatUint(uint64(pos.lwnScn), 10) + ".json"
	if err := k.store.Save(name, data); err != nil {
		return err
	}
	metrics.CheckpointsTaken.Inc()
	log.Info("checkpoint written",
		zap.String("file", name),
		zap.Uint64("scn", uint64(pos.lwnScn)),
		zap.Uint64("lastCommitScn", uint64(rec.LastCommitScn)))

	k.mu.Lock()
	k.lastTaken = k.clock.Now()
	k.bytesSince = 0
	k.taken++
	if rec.Schema != nil {
		k.sinceSchema = 1
	} else {
		k.sinceSchema++
	}
	k.mu.Unlock()

	return k.gc()
}

// gc deletes everything but the newest keep-checkpoints records.
func (k *Keeper) gc() error {
	names, err := k.store.List()
	if err != nil {
		return err
	}
	var scns []uint64
	byScn := make(map[uint64]string)
	for _, name := range names {
		scn, ok := k.parseName(name)
		if !ok {
			continue
		}
		scns = append(scns, scn)
		byScn[scn] = name
	}
	if uint64(len(scns)) <= k.cfg.KeepCheckpoints {
		return nil
	}
	sort.Slice(scns, func(i, j int) bool { return scns[i] > scns[j] })
	for _, scn := range scns[k.cfg.KeepCheckpoints:] {
		if err := k.store.Delete(byScn[scn]); err != nil {
			return err
		}
	}
	return nil
}

func (k *Keeper) parseName(name string) (uint64, bool) {
	if !strings.HasPrefix(name, k.db+"-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	mid := strings.TrimSuffix(strings.TrimPrefix(name, k.db+"-"), ".json")
	scn, err := strconv.ParseUint(mid, 10, 64)
	if err != nil {
		return 0, false
	}
	return scn, true
}

// Recover loads the newest valid checkpoint, or nil when none exists.
func (k *Keeper) Recover() (*Record, error) {
	names, err := k.store.List()
	if err != nil {
		return nil, err
	}
	var scns []uint64
	byScn := make(map[uint64]string)
	for _, name := range names {
		if scn, ok := k.parseName(name); ok {
			scns = append(scns, scn)
			byScn[scn] = name
		}
	}
	if len(scns) == 0 {
		return nil, nil
	}
	sort.Slice(scns, func(i, j int) bool { return scns[i] > scns[j] })
	for _, scn := range scns {
		data, err := k.store.Load(byScn[scn])
		if err != nil {
			log.Warn("unreadable checkpoint skipped", zap.String("file", byScn[scn]), zap.Error(err))
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			log.Warn("corrupt checkpoint skipped", zap.String("file", byScn[scn]), zap.Error(err))
			continue
		}
		return rec, nil
	}
	return nil, cerror.ErrStateMissing.GenWithStackByArgs(k.cfg.Path)
}

// RecoverSchema walks back from the newest checkpoint to the most recent
// one that embeds a full schema snapshot; records in between carry only the
// digest.
func (k *Keeper) RecoverSchema() (json.RawMessage, error) {
	names, err := k.store.List()
	if err != nil {
		return nil, err
	}
	var scns []uint64
	byScn := make(map[uint64]string)
	for _, name := range names {
		if scn, ok := k.parseName(name); ok {
			scns = append(scns, scn)
			byScn[scn] = name
		}
	}
	sort.Slice(scns, func(i, j int) bool { return scns[i] > scns[j] })
	for _, scn := range scns {
		data, err := k.store.Load(byScn[scn])
		if err != nil {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(data, rec); err != nil {
			continue
		}
		if rec.Schema != nil {
			return rec.Schema, nil
		}
	}
	return nil, nil
}
