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
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/olr-project/redoflow/redo/model"
)

// Wire field numbers of the protobuf message schema.
//
//	RedoMessage {
//	  uint64 c_scn = 1;  uint64 c_idx = 2;  string xid = 3;  string db = 4;
//	  uint64 scn = 5;    int64  tm = 6;     uint32 seq = 7;  uint64 offset = 8;
//	  repeated Payload payload = 9;
//	}
//	Payload {
//	  string op = 1;  Schema schema = 2;  string rid = 3;
//	  uint64 scn = 4; int64 tm = 5;
//	  repeated Column before = 6;  repeated Column after = 7;
//	}
//	Schema { string owner = 1; string table = 2; uint32 obj = 3;
//	         repeated ColumnDef columns = 4; }
//	ColumnDef { string name = 1; int32 type = 2; bool nullable = 3; }
//	Column { string name = 1; string value = 2; bool null = 3; bool numeric = 4; }
const (
	pbMsgCScn    = 1
	pbMsgCIdx    = 2
	pbMsgXid     = 3
	pbMsgDb      = 4
	pbMsgScn     = 5
	pbMsgTm      = 6
	pbMsgSeq     = 7
	pbMsgOffset  = 8
	pbMsgPayload = 9

	pbRowOp     = 1
	pbRowSchema = 2
	pbRowRid    = 3
	pbRowScn    = 4
	pbRowTm     = 5
	pbRowBefore = 6
	pbRowAfter  = 7

	pbSchemaOwner   = 1
	pbSchemaTable   = 2
	pbSchemaObj     = 3
	pbSchemaColumns = 4

	pbColDefName     = 1
	pbColDefType     = 2
	pbColDefNullable = 3

	pbColName    = 1
	pbColValue   = 2
	pbColNull    = 3
	pbColNumeric = 4
)

// protoFormatter emits the protobuf wire form of the message schema above,
// encoded field by field so rows stream exactly like the JSON back-end.
type protoFormatter struct {
	buf     []byte // drained through Take
	head    []byte
	row     []byte // in-progress payload element
	section int    // pbRowBefore or pbRowAfter
	cols    []byte // in-progress column list of the section
}

func newProtoFormatter() *protoFormatter { return &protoFormatter{} }

func (f *protoFormatter) BeginMsg(h *Header, opts *Options) {
	f.buf = f.buf[:0]
	f.head = f.head[:0]
	f.row = nil
	f.cols = nil
	f.head = protowire.AppendTag(f.head, pbMsgCScn, protowire.VarintType)
	f.head = protowire.AppendVarint(f.head, uint64(h.CScn))
	f.head = protowire.AppendTag(f.head, pbMsgCIdx, protowire.VarintType)
	f.head = protowire.AppendVarint(f.head, h.CIdx)
	f.head = protowire.AppendTag(f.head, pbMsgXid, protowire.BytesType)
	if opts.Xid == XidTextDec {
		f.head = protowire.AppendString(f.head, h.Xid.StringDec())
	} else {
		f.head = protowire.AppendString(f.head, h.Xid.String())
	}
	if h.Db != "" {
		f.head = protowire.AppendTag(f.head, pbMsgDb, protowire.BytesType)
		f.head = protowire.AppendString(f.head, h.Db)
	}
	f.head = protowire.AppendTag(f.head, pbMsgScn, protowire.VarintType)
	f.head = protowire.AppendVarint(f.head, uint64(h.Scn))
	if h.WithTm {
		f.head = protowire.AppendTag(f.head, pbMsgTm, protowire.VarintType)
		f.head = protowire.AppendVarint(f.head, uint64(h.Tm))
	}
	if h.WithSeq {
		f.head = protowire.AppendTag(f.head, pbMsgSeq, protowire.VarintType)
		f.head = protowire.AppendVarint(f.head, uint64(h.Seq))
	}
	if h.WithOffset {
		f.head = protowire.AppendTag(f.head, pbMsgOffset, protowire.VarintType)
		f.head = protowire.AppendVarint(f.head, h.Offset)
	}
	f.buf = append(f.buf, f.head...)
}

func (f *protoFormatter) BeginRow(op string, rs *RowSchema, rid string, scn model.Scn, withScn bool, tm int64, withTm bool) {
	f.row = protowire.AppendTag(nil, pbRowOp, protowire.BytesType)
	f.row = protowire.AppendString(f.row, op)
	if rs != nil {
		var sb []byte
		sb = protowire.AppendTag(sb, pbSchemaOwner, protowire.BytesType)
		sb = protowire.AppendString(sb, rs.Owner)
		sb = protowire.AppendTag(sb, pbSchemaTable, protowire.BytesType)
		sb = protowire.AppendString(sb, rs.Table)
		if rs.WithObj {
			sb = protowire.AppendTag(sb, pbSchemaObj, protowire.VarintType)
			sb = protowire.AppendVarint(sb, uint64(rs.Obj))
		}
		for _, c := range rs.Columns {
			var cb []byte
			cb = protowire.AppendTag(cb, pbColDefName, protowire.BytesType)
			cb = protowire.AppendString(cb, c.Name)
			cb = protowire.AppendTag(cb, pbColDefType, protowire.VarintType)
			cb = protowire.AppendVarint(cb, uint64(c.Type))
			cb = protowire.AppendTag(cb, pbColDefNullable, protowire.VarintType)
			cb = protowire.AppendVarint(cb, boolVarint(c.Nullable))
			sb = protowire.AppendTag(sb, pbSchemaColumns, protowire.BytesType)
			sb = protowire.AppendBytes(sb, cb)
		}
		f.row = protowire.AppendTag(f.row, pbRowSchema, protowire.BytesType)
		f.row = protowire.AppendBytes(f.row, sb)
	}
	if rid != "" {
		f.row = protowire.AppendTag(f.row, pbRowRid, protowire.BytesType)
		f.row = protowire.AppendString(f.row, rid)
	}
	if withScn {
		f.row = protowire.AppendTag(f.row, pbRowScn, protowire.VarintType)
		f.row = protowire.AppendVarint(f.row, uint64(scn))
	}
	if withTm {
		f.row = protowire.AppendTag(f.row, pbRowTm, protowire.VarintType)
		f.row = protowire.AppendVarint(f.row, uint64(tm))
	}
}

func (f *protoFormatter) BeginSection(name string) {
	f.section = pbRowBefore
	if name == "after" {
		f.section = pbRowAfter
	}
	f.cols = f.cols[:0]
}

func (f *protoFormatter) Column(name string, v Value) {
	var cb []byte
	cb = protowire.AppendTag(cb, pbColName, protowire.BytesType)
	cb = protowire.AppendString(cb, name)
	if v.Null {
		cb = protowire.AppendTag(cb, pbColNull, protowire.VarintType)
		cb = protowire.AppendVarint(cb, 1)
	} else {
		cb = protowire.AppendTag(cb, pbColValue, protowire.BytesType)
		cb = protowire.AppendString(cb, v.S)
		if v.Num {
			cb = protowire.AppendTag(cb, pbColNumeric, protowire.VarintType)
			cb = protowire.AppendVarint(cb, 1)
		}
	}
	f.cols = protowire.AppendTag(f.cols, protowire.Number(f.section), protowire.BytesType)
	f.cols = protowire.AppendBytes(f.cols, cb)
}

func (f *protoFormatter) EndSection() {
	f.row = append(f.row, f.cols...)
	f.cols = f.cols[:0]
}

func (f *protoFormatter) EndRow() {
	f.buf = protowire.AppendTag(f.buf, pbMsgPayload, protowire.BytesType)
	f.buf = protowire.AppendBytes(f.buf, f.row)
	f.row = nil
}

func (f *protoFormatter) EndMsg() {}

// Take drains the pending bytes; valid until the next BeginMsg.
func (f *protoFormatter) Take() []byte {
	out := f.buf
	f.buf = f.buf[len(f.buf):]
	return out
}

func boolVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
