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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `{
	"version": "1.0",
	"source": [{
		"alias": "S1",
		"name": "TESTDB",
		"memory": {"min-mb": 32, "max-mb": 1024},
		"reader": {"type": "batch", "redo-log": ["/tmp/redo_1.log"]},
		"state": {"type": "disk", "path": "/tmp/state"},
		"format": {"type": "json"}
	}],
	"target": [{
		"alias": "T1",
		"source": "S1",
		"writer": {"type": "file", "output": "/tmp/out.json"}
	}]
}`

func TestParseMinimal(t *testing.T) {
	t.Parallel()
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "TESTDB", cfg.Source[0].Name)
	require.Equal(t, 3, *cfg.LogLevel)
	require.Equal(t, uint64(600), cfg.Source[0].State.IntervalS)
	require.Equal(t, uint64(100000), cfg.Target[0].Writer.PollIntervalUs)
	require.Equal(t, uint64(65536), cfg.Target[0].Writer.QueueSize)
	require.Equal(t, uint64(50000), cfg.Source[0].Reader.RedoReadSleepUs)
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "S1", cfg.Source[0].Alias)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestUnknownKeyRejected(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"version": "1.0",`, `"version": "1.0", "bogus": 1,`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestMemoryRules(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"memory": {"min-mb": 32, "max-mb": 1024}`,
		`"memory": {"min-mb": 64, "max-mb": 32}`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)

	bad = strings.Replace(minimalConfig, `"memory": {"min-mb": 32, "max-mb": 1024}`,
		`"memory": {"min-mb": 8, "max-mb": 64, "swap-mb": 61}`, 1)
	_, err = Parse([]byte(bad))
	require.Error(t, err)
}

func TestWriterValidation(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"writer": {"type": "file", "output": "/tmp/out.json"}`,
		`"writer": {"type": "kafka"}`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)

	bad = strings.Replace(minimalConfig, `"writer": {"type": "file", "output": "/tmp/out.json"}`,
		`"writer": {"type": "file", "poll-interval-us": 1}`, 1)
	_, err = Parse([]byte(bad))
	require.Error(t, err)
}

func TestFormatRanges(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"format": {"type": "json"}`,
		`"format": {"type": "json", "timestamp": 99}`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)

	// full message cannot combine with skip-begin
	bad = strings.Replace(minimalConfig, `"format": {"type": "json"}`,
		`"format": {"type": "json", "message": 5}`, 1)
	_, err = Parse([]byte(bad))
	require.Error(t, err)
}

func TestSourceTargetBinding(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"source": "S1"`, `"source": "WRONG"`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}

func TestBatchRequiresRedoLog(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalConfig, `"reader": {"type": "batch", "redo-log": ["/tmp/redo_1.log"]}`,
		`"reader": {"type": "batch"}`, 1)
	_, err := Parse([]byte(bad))
	require.Error(t, err)
}
