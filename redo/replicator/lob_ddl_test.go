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
	"encoding/binary"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/schema"
)

func ddlVec(t *testing.T, xid model.Xid, m schema.Mutation) *model.ChangeVector {
	t.Helper()
	payload, err := json.Marshal(&m)
	require.NoError(t, err)
	return &model.ChangeVector{Op: model.OpDdl, Xid: xid, Payload: payload}
}

func lobIndexVec(xid model.Xid, id model.LobID, pageSize, sizePages, sizeRest uint32, dbas []model.Dba) *model.ChangeVector {
	buf := make([]byte, 10+16+8*len(dbas))
	copy(buf, id[:])
	binary.LittleEndian.PutUint32(buf[10:], pageSize)
	binary.LittleEndian.PutUint32(buf[14:], sizePages)
	binary.LittleEndian.PutUint32(buf[18:], sizeRest)
	binary.LittleEndian.PutUint32(buf[22:], uint32(len(dbas)))
	pos := 26
	for i, dba := range dbas {
		binary.LittleEndian.PutUint32(buf[pos:], uint32(i))
		binary.LittleEndian.PutUint32(buf[pos+4:], uint32(dba))
		pos += 8
	}
	return &model.ChangeVector{Op: model.OpLobIndex, Xid: xid, Payload: buf}
}

func lobDataVec(xid model.Xid, id model.LobID, dba model.Dba, page []byte) *model.ChangeVector {
	return &model.ChangeVector{
		Op: model.OpLobData, Xid: xid, Dba: dba,
		Payload: append(append([]byte(nil), id[:]...), page...),
	}
}

func lobLocator(id model.LobID, pageSize, sizePages, sizeRest uint32) []byte {
	val := make([]byte, 2+1+10+12)
	binary.LittleEndian.PutUint16(val, 0x0400) // in-index
	copy(val[3:], id[:])
	binary.LittleEndian.PutUint32(val[13:], pageSize)
	binary.LittleEndian.PutUint32(val[17:], sizePages)
	binary.LittleEndian.PutUint32(val[21:], sizeRest)
	return val
}

func TestDdlThenLobEndToEnd(t *testing.T) {
	logDir := t.TempDir()
	out := filepath.Join(t.TempDir(), "out.json")

	ddlXid := model.Xid{Usn: 10, Slot: 0, Sequence: 1}
	dmlXid := model.Xid{Usn: 11, Slot: 0, Sequence: 1}
	var lobID model.LobID
	lobID[0] = 0x42

	// Schema transaction: owner, table DOCS(ID number, BODY clob).
	ddl := []*model.ChangeVector{
		ddlVec(t, ddlXid, schema.Mutation{
			Kind: "user", Op: "insert", RowID: "u1",
			User: &schema.User{RowID: "u1", ID: 50, Name: "APP"},
		}),
		ddlVec(t, ddlXid, schema.Mutation{
			Kind: "obj", Op: "insert", RowID: "o1",
			Object: &schema.Object{RowID: "o1", Obj: 300, DataObj: 300, UserID: 50, Name: "DOCS"},
		}),
		ddlVec(t, ddlXid, schema.Mutation{
			Kind: "col", Op: "insert", RowID: "c1",
			Column: &schema.Column{RowID: "c1", Obj: 300, ColNo: 1, Name: "ID", Type: schema.TypeNumber},
		}),
		ddlVec(t, ddlXid, schema.Mutation{
			Kind: "col", Op: "insert", RowID: "c2",
			Column: &schema.Column{RowID: "c2", Obj: 300, ColNo: 2, Name: "BODY", Type: schema.TypeClob},
		}),
		commitVec(ddlXid),
	}

	// DML transaction: a 2-page CLOB plus a 3-byte rest page.
	dml := []*model.ChangeVector{
		lobIndexVec(dmlXid, lobID, 4, 2, 3, []model.Dba{500, 501, 502}),
		lobDataVec(dmlXid, lobID, 500, []byte("WXYZ")),
		lobDataVec(dmlXid, lobID, 501, []byte("1234")),
		lobDataVec(dmlXid, lobID, 502, []byte("end")),
		insertVec(dmlXid, 300, []model.ColumnValue{
			{ColNo: 1, Data: []byte{0xC1, 0x08}}, // number 7
			{ColNo: 2, Data: lobLocator(lobID, 4, 2, 3)},
		}),
		commitVec(dmlXid),
	}

	writeLog(t, logDir, 1,
		parser.BuildLwn(5000, ddl),
		parser.BuildLwn(5001, dml),
	)

	cfg := testConfig(t, t.TempDir(), out,
		[]string{filepath.Join(logDir, testDb+"_1.log")})
	// Adaptive mode is on in the test config but the committed DDL wins for
	// object 300.
	runPipeline(t, cfg)

	lines := outputLines(t, out)
	var row string
	for _, line := range lines {
		if strings.Contains(line, `"op":"c"`) {
			row = line
		}
	}
	require.NotEmpty(t, row)
	require.Contains(t, row, `"schema":{"owner":"APP","table":"DOCS"}`)
	require.Contains(t, row, `"ID":7`)
	require.Contains(t, row, `"BODY":"WXYZ1234end"`)

	var ddlLine string
	for _, line := range lines {
		if strings.Contains(line, `"op":"ddl"`) {
			ddlLine = line
		}
	}
	require.NotEmpty(t, ddlLine)
	require.Contains(t, ddlLine, `"table":"DOCS"`)
}
