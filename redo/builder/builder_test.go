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

package builder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/schema"
)

func testTable() *schema.Table {
	return &schema.Table{
		Obj:   101,
		Owner: "APP",
		Name:  "T1",
		Columns: []*schema.Column{
			{Obj: 101, ColNo: 1, Name: "COL_1", Type: schema.TypeChar, Nullable: true},
			{Obj: 101, ColNo: 2, Name: "COL_2", Type: schema.TypeChar, Nullable: true},
		},
	}
}

func testTctx() *parser.TxContext {
	return &parser.TxContext{
		Xid:       model.Xid{Usn: 1, Slot: 1, Sequence: 1},
		CommitScn: 1001,
		LwnScn:    1001,
		LwnIdx:    5,
		Seq:       1,
	}
}

func drainOne(t *testing.T, q *Queue) string {
	t.Helper()
	m, err := q.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.NoError(t, q.Confirm(m))
	return string(m.Payload)
}

func TestBuilderInsertJSON(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{DbName: "DB"}, nil, parser.UnknownQuestionMark)

	tctx := testTctx()
	require.NoError(t, b.BeginTransaction(tctx))
	row := &parser.Row{
		Op:     parser.RowInsert,
		Table:  testTable(),
		Obj:    101,
		Scn:    1000,
		LwnIdx: 0,
		After:  []model.ColumnValue{{ColNo: 1, Data: []byte("A")}},
	}
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	require.Equal(t,
		`{"c_scn":1001,"c_idx":5,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"begin"}]}`,
		drainOne(t, q))
	require.Equal(t,
		`{"c_scn":1000,"c_idx":0,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"c","schema":{"owner":"APP","table":"T1"},"after":{"COL_1":"A"}}]}`,
		drainOne(t, q))
	require.Equal(t,
		`{"c_scn":1001,"c_idx":5,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"commit"}]}`,
		drainOne(t, q))
}

func TestBuilderUpdateChangedColumns(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{Message: MsgSkipBegin | MsgSkipCommit}, nil, parser.UnknownQuestionMark)

	tctx := testTctx()
	require.NoError(t, b.BeginTransaction(tctx))
	row := &parser.Row{
		Op:     parser.RowUpdate,
		Table:  testTable(),
		Obj:    101,
		Scn:    1000,
		LwnIdx: 1,
		Before: []model.ColumnValue{
			{ColNo: 1, Data: []byte("1")},
			{ColNo: 2, Data: []byte("x")},
		},
		After: []model.ColumnValue{
			{ColNo: 1, Data: []byte("1")},
			{ColNo: 2, Data: []byte("y")},
		},
	}
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	// Unchanged COL_1 is dropped from both images.
	require.Equal(t,
		`{"c_scn":1000,"c_idx":1,"xid":"0x0001.001.00000001","scn":1001,"payload":[{"op":"u","schema":{"owner":"APP","table":"T1"},"before":{"COL_2":"x"},"after":{"COL_2":"y"}}]}`,
		drainOne(t, q))
}

func TestBuilderFullMessageMode(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{Message: MsgFull}, nil, parser.UnknownQuestionMark)

	tctx := testTctx()
	require.NoError(t, b.BeginTransaction(tctx))
	row := &parser.Row{
		Op: parser.RowInsert, Table: testTable(), Obj: 101, Scn: 1000,
		After: []model.ColumnValue{{ColNo: 1, Data: []byte("A")}},
	}
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	payload := drainOne(t, q)
	require.Contains(t, payload, `{"op":"begin"}`)
	require.Contains(t, payload, `"after":{"COL_1":"A"}`)
	require.Contains(t, payload, `{"op":"commit"}`)

	// One single message for the whole transaction.
	m, err := q.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestBuilderNumberAndNull(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{Message: MsgSkipBegin | MsgSkipCommit}, nil, parser.UnknownQuestionMark)

	table := &schema.Table{
		Obj: 7, Owner: "APP", Name: "NUMS",
		Columns: []*schema.Column{
			{Obj: 7, ColNo: 1, Name: "N", Type: schema.TypeNumber},
			{Obj: 7, ColNo: 2, Name: "S", Type: schema.TypeChar, Nullable: true},
		},
	}
	tctx := testTctx()
	require.NoError(t, b.BeginTransaction(tctx))
	row := &parser.Row{
		Op: parser.RowInsert, Table: table, Obj: 7, Scn: 1000,
		After: []model.ColumnValue{
			{ColNo: 1, Data: []byte{0xC2, 0x02, 0x18}}, // 123
			{ColNo: 2, Null: true},
		},
	}
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	payload := drainOne(t, q)
	require.Contains(t, payload, `"after":{"N":123,"S":null}`)
}

func TestBuilderSchemaRepetition(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{Message: MsgSkipBegin | MsgSkipCommit, Schema: SchemaFull | SchemaObj},
		nil, parser.UnknownQuestionMark)

	tctx := testTctx()
	row := &parser.Row{
		Op: parser.RowInsert, Table: testTable(), Obj: 101, Scn: 1000,
		After: []model.ColumnValue{{ColNo: 1, Data: []byte("A")}},
	}
	require.NoError(t, b.BeginTransaction(tctx))
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	first := drainOne(t, q)
	second := drainOne(t, q)
	require.Contains(t, first, `"obj":101`)
	require.Contains(t, first, `"columns":[`)
	// Without SchemaRepeated the second message only names the table.
	require.NotContains(t, second, `"columns":[`)
}

func TestBuilderProtobuf(t *testing.T) {
	t.Parallel()
	q, err := NewQueue(testArena(), 0, 16)
	require.NoError(t, err)
	b := New(q, Options{Protobuf: true, Message: MsgSkipBegin | MsgSkipCommit},
		nil, parser.UnknownQuestionMark)

	tctx := testTctx()
	require.NoError(t, b.BeginTransaction(tctx))
	row := &parser.Row{
		Op: parser.RowInsert, Table: testTable(), Obj: 101, Scn: 1000,
		After: []model.ColumnValue{{ColNo: 1, Data: []byte("A")}},
	}
	require.NoError(t, b.Row(tctx, row))
	require.NoError(t, b.CommitTransaction(tctx))

	m, err := q.Poll(time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)

	fields := map[protowire.Number]uint64{}
	var xid string
	buf := m.Payload
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		require.Greater(t, n, 0)
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			fields[num] = v
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if num == pbMsgXid {
				xid = string(v)
			}
			buf = buf[n:]
		default:
			t.Fatalf("unexpected wire type %v", typ)
		}
	}
	require.EqualValues(t, 1000, fields[pbMsgCScn])
	require.EqualValues(t, 1001, fields[pbMsgScn])
	require.Equal(t, "0x0001.001.00000001", xid)
	require.NoError(t, q.Confirm(m))
}
