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

package replicator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/olr-project/redoflow/pkg/config"
	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/reader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const testDb = "TESTDB"

var (
	xidA = model.Xid{Usn: 1, Slot: 1, Sequence: 1}
	xidB = model.Xid{Usn: 2, Slot: 0, Sequence: 1}
	xidC = model.Xid{Usn: 3, Slot: 0, Sequence: 1}
	xidD = model.Xid{Usn: 4, Slot: 0, Sequence: 1}
	xidF = model.Xid{Usn: 6, Slot: 0, Sequence: 1}
)

func insertVec(xid model.Xid, obj model.Obj, cols []model.ColumnValue) *model.ChangeVector {
	return &model.ChangeVector{
		Op: model.OpInsert, Xid: xid, Obj: obj, DataObj: model.DataObj(obj),
		Dba: 100, Slot: 0,
		Payload: model.EncodeColumns(cols),
	}
}

func commitVec(xid model.Xid) *model.ChangeVector {
	return &model.ChangeVector{Op: model.OpCommit, Xid: xid}
}

func rollbackVec(xid model.Xid) *model.ChangeVector {
	return &model.ChangeVector{Op: model.OpCommit, Xid: xid, Flags: model.FlagRollback}
}

// writeLog packs LWN byte groups into one physical log file.
func writeLog(t *testing.T, dir string, seq model.Seq, lwns ...[]byte) string {
	t.Helper()
	var stream []byte
	for _, lwn := range lwns {
		stream = append(stream, lwn...)
	}
	data := append(reader.FileHeader(seq, testDb, 0), reader.EncodeBlocks(seq, stream)...)
	path := filepath.Join(dir, fmt.Sprintf("%s_%d.log", testDb, seq))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func testConfig(t *testing.T, stateDir, outPath string, logs []string) *config.Config {
	t.Helper()
	raw := fmt.Sprintf(`{
		"version": "1.0",
		"source": [{
			"alias": "S1",
			"name": %q,
			"memory": {"min-mb": 8, "max-mb": 64, "swap-path": %q},
			"reader": {"type": "batch", "redo-log": [%s]},
			"state": {"type": "disk", "path": %q, "interval-s": 600},
			"flags": 1,
			"format": {"type": "json"}
		}],
		"target": [{
			"alias": "T1",
			"source": "S1",
			"writer": {"type": "file", "output": %q, "new-line": 1, "poll-interval-us": 1000}
		}]
	}`, testDb, t.TempDir(), quoteList(logs), stateDir, outPath)
	cfg, err := config.Parse([]byte(raw))
	require.NoError(t, err)
	return cfg
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ",")
}

func runPipeline(t *testing.T, cfg *config.Config) {
	t.Helper()
	repl, err := New(cfg, filepath.Join(t.TempDir(), "absent-config.json"))
	require.NoError(t, err)
	require.NoError(t, repl.Run(context.Background()))
}

func outputLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

func TestInsertEndToEnd(t *testing.T) {
	logDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	lwn1 := parser.BuildLwn(1000, []*model.ChangeVector{
		insertVec(xidA, 101, []model.ColumnValue{{ColNo: 1, Data: []byte("A")}}),
	})
	lwn2 := parser.BuildLwn(1001, []*model.ChangeVector{commitVec(xidA)})
	writeLog(t, logDir, 1, lwn1, lwn2)

	cfg := testConfig(t, t.TempDir(), out,
		[]string{filepath.Join(logDir, testDb+"_1.log")})
	runPipeline(t, cfg)

	lines := outputLines(t, out)
	require.Len(t, lines, 3)
	require.Equal(t,
		`{"c_scn":1001,"c_idx":1,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"begin"}]}`,
		lines[0])
	require.Equal(t,
		`{"c_scn":1000,"c_idx":0,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"c","schema":{"owner":"","table":"OBJ_101"},"after":{"COL_1":"A"}}]}`,
		lines[1])
	require.Equal(t,
		`{"c_scn":1001,"c_idx":1,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"commit"}]}`,
		lines[2])
}

func TestRollbackProducesNothing(t *testing.T) {
	logDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	lwn := parser.BuildLwn(3000, []*model.ChangeVector{
		insertVec(xidB, 102, []model.ColumnValue{{ColNo: 1, Data: []byte("B")}}),
		rollbackVec(xidB),
	})
	writeLog(t, logDir, 1, lwn)

	cfg := testConfig(t, t.TempDir(), out,
		[]string{filepath.Join(logDir, testDb+"_1.log")})
	runPipeline(t, cfg)

	require.Empty(t, outputLines(t, out))
}

func TestSameScnOrderedByLwnIdx(t *testing.T) {
	logDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	// Both transactions commit within the same LWN, sharing SCN 2000; the
	// earlier commit vector wins.
	lwn := parser.BuildLwn(2000, []*model.ChangeVector{
		insertVec(xidC, 103, []model.ColumnValue{{ColNo: 1, Data: []byte("C")}}),
		insertVec(xidD, 104, []model.ColumnValue{{ColNo: 1, Data: []byte("D")}}),
		commitVec(xidC),
		commitVec(xidD),
	})
	writeLog(t, logDir, 1, lwn)

	cfg := testConfig(t, t.TempDir(), out,
		[]string{filepath.Join(logDir, testDb+"_1.log")})
	runPipeline(t, cfg)

	lines := outputLines(t, out)
	require.Len(t, lines, 6)
	cPos, dPos := -1, -1
	for i, line := range lines {
		if strings.Contains(line, `"after":{"COL_1":"C"}`) {
			cPos = i
		}
		if strings.Contains(line, `"after":{"COL_1":"D"}`) {
			dPos = i
		}
	}
	require.GreaterOrEqual(t, cPos, 0)
	require.GreaterOrEqual(t, dPos, 0)
	require.Less(t, cPos, dPos)
	// The last message of C precedes the first of D.
	require.Contains(t, lines[2], `"op":"commit"`)
	require.Contains(t, lines[2], xidC.String())
	require.Contains(t, lines[3], `"op":"begin"`)
	require.Contains(t, lines[3], xidD.String())
}

func TestMultiPartRowReassembly(t *testing.T) {
	logDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	full := model.EncodeColumns([]model.ColumnValue{{ColNo: 1, Data: []byte("ABCDEF")}})
	part := func(lo, hi int, fb uint8) *model.ChangeVector {
		return &model.ChangeVector{
			Op: model.OpInsert, Xid: xidF, Obj: 105, DataObj: 105,
			Dba: 200, Slot: 4, Fb: fb,
			Payload: full[lo:hi],
		}
	}
	// Three parts spread over non-adjacent LWNs.
	lwn1 := parser.BuildLwn(4000, []*model.ChangeVector{part(0, 3, model.FbN)})
	lwn2 := parser.BuildLwn(4001, []*model.ChangeVector{part(3, 5, model.FbP | model.FbN)})
	lwn3 := parser.BuildLwn(4002, []*model.ChangeVector{part(5, len(full), model.FbP)})
	lwn4 := parser.BuildLwn(4003, []*model.ChangeVector{commitVec(xidF)})
	writeLog(t, logDir, 1, lwn1, lwn2, lwn3, lwn4)

	cfg := testConfig(t, t.TempDir(), out,
		[]string{filepath.Join(logDir, testDb+"_1.log")})
	runPipeline(t, cfg)

	lines := outputLines(t, out)
	require.Len(t, lines, 3)
	require.Contains(t, lines[1], `"after":{"COL_1":"ABCDEF"}`)
}

func TestResumeFromCheckpoint(t *testing.T) {
	buildLogs := func(dir string) (string, string) {
		var seq1Lwns, seq2Lwns [][]byte
		seq1Lwns = append(seq1Lwns,
			parser.BuildLwn(1000, []*model.ChangeVector{
				insertVec(xidA, 101, []model.ColumnValue{{ColNo: 1, Data: []byte("A")}}),
			}),
			parser.BuildLwn(1001, []*model.ChangeVector{commitVec(xidA)}),
		)
		seq2Lwns = append(seq2Lwns,
			parser.BuildLwn(2000, []*model.ChangeVector{
				insertVec(xidC, 101, []model.ColumnValue{{ColNo: 1, Data: []byte("C")}}),
			}),
			parser.BuildLwn(2001, []*model.ChangeVector{commitVec(xidC)}),
		)
		f1 := writeLog(t, dir, 1, seq1Lwns...)
		f2 := writeLog(t, dir, 2, seq2Lwns...)
		return f1, f2
	}

	// Reference: one uninterrupted run over both sequences.
	refDir := t.TempDir()
	f1, f2 := buildLogs(refDir)
	refOut := filepath.Join(t.TempDir(), "ref.json")
	runPipeline(t, testConfig(t, t.TempDir(), refOut, []string{f1, f2}))
	refLines := outputLines(t, refOut)
	require.Len(t, refLines, 6)

	// Interrupted: first run sees only sequence 1, the restart gets both.
	stateDir := t.TempDir()
	outA := filepath.Join(t.TempDir(), "a.json")
	runPipeline(t, testConfig(t, stateDir, outA, []string{f1}))
	linesA := outputLines(t, outA)

	outB := filepath.Join(t.TempDir(), "b.json")
	runPipeline(t, testConfig(t, stateDir, outB, []string{f1, f2}))
	linesB := outputLines(t, outB)

	// The restart emits exactly the messages past the checkpoint,
	// byte-identical to the reference run's tail.
	require.Equal(t, refLines, append(append([]string(nil), linesA...), linesB...))
}

func TestCheckpointRecordShape(t *testing.T) {
	logDir := t.TempDir()
	stateDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	lwn1 := parser.BuildLwn(1000, []*model.ChangeVector{
		insertVec(xidA, 101, []model.ColumnValue{{ColNo: 1, Data: []byte("A")}}),
	})
	lwn2 := parser.BuildLwn(1001, []*model.ChangeVector{commitVec(xidA)})
	writeLog(t, logDir, 1, lwn1, lwn2)

	runPipeline(t, testConfig(t, stateDir, out,
		[]string{filepath.Join(logDir, testDb+"_1.log")}))

	entries, err := os.ReadDir(stateDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	found := false
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), testDb+"-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		found = true
		data, err := os.ReadFile(filepath.Join(stateDir, e.Name()))
		require.NoError(t, err)
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &rec))
		require.Equal(t, testDb, rec["database"])
		require.EqualValues(t, 1001, rec["c_scn"])
	}
	require.True(t, found)
}
