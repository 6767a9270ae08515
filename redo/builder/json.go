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
	"fmt"
	"strconv"

	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/schema"
)

// Header frames one output message.
type Header struct {
	CScn   model.Scn
	CIdx   uint64
	Xid    model.Xid
	Db     string // empty omits the field
	Scn    model.Scn
	Tm     int64
	WithTm bool
	Seq    model.Seq
	WithSeq    bool
	Offset     uint64
	WithOffset bool
}

// RowSchema is the schema block attached to a payload element.
type RowSchema struct {
	Owner   string
	Table   string
	Obj     model.Obj
	WithObj bool
	Columns []*schema.Column // nil omits the column list
}

// Formatter is the serialization back-end: one message at a time, rows and
// columns streamed in order. Take drains the bytes produced so far, so a
// long transaction streams into the output ring row by row.
type Formatter interface {
	BeginMsg(h *Header, opts *Options)
	BeginRow(op string, rs *RowSchema, rid string, scn model.Scn, withScn bool, tm int64, withTm bool)
	BeginSection(name string)
	Column(name string, v Value)
	EndSection()
	EndRow()
	EndMsg()
	Take() []byte
}

// jsonFormatter writes the self-describing JSON message shape.
type jsonFormatter struct {
	buf      []byte
	rowCount int
	colCount int
}

func newJSONFormatter() *jsonFormatter { return &jsonFormatter{} }

func (f *jsonFormatter) BeginMsg(h *Header, opts *Options) {
	f.buf = f.buf[:0]
	f.rowCount = 0
	f.buf = append(f.buf, '{')
	f.field("c_scn")
	f.scn(h.CScn, opts)
	f.comma()
	f.field("c_idx")
	f.buf = strconv.AppendUint(f.buf, h.CIdx, 10)
	f.comma()
	switch opts.Xid {
	case XidTextDec:
		f.field("xid")
		f.str(h.Xid.StringDec())
	case XidNumeric:
		f.field("xidn")
		f.buf = strconv.AppendUint(f.buf, h.Xid.Raw(), 10)
	default:
		f.field("xid")
		f.str(h.Xid.String())
	}
	if h.Db != "" {
		f.comma()
		f.field("db")
		f.str(h.Db)
	}
	f.comma()
	f.field("scn")
	f.scn(h.Scn, opts)
	if h.WithTm {
		f.comma()
		f.field("tm")
		f.buf = strconv.AppendInt(f.buf, h.Tm, 10)
	}
	if h.WithSeq {
		f.comma()
		f.field("seq")
		f.buf = strconv.AppendUint(f.buf, uint64(h.Seq), 10)
	}
	if h.WithOffset {
		f.comma()
		f.field("offset")
		f.buf = strconv.AppendUint(f.buf, h.Offset, 10)
	}
	f.comma()
	f.field("payload")
	f.buf = append(f.buf, '[')
}

// scn writes either the numeric or the hex-text form; the hex form renames
// the field, which the callers handle by writing the base name first.
func (f *jsonFormatter) scn(v model.Scn, opts *Options) {
	if opts.Scn == ScnTextHex {
		// rename the just-written field by appending the s-suffix form
		f.rewriteScnKey()
		f.str(fmt.Sprintf("0x%016x", uint64(v)))
		return
	}
	f.buf = strconv.AppendUint(f.buf, uint64(v), 10)
}

// rewriteScnKey turns the preceding `"xxx":` into `"xxxs":`.
func (f *jsonFormatter) rewriteScnKey() {
	n := len(f.buf)
	if n >= 2 && f.buf[n-1] == ':' && f.buf[n-2] == '"' {
		f.buf = f.buf[:n-2]
		f.buf = append(f.buf, 's', '"', ':')
	}
}

func (f *jsonFormatter) BeginRow(op string, rs *RowSchema, rid string, scn model.Scn, withScn bool, tm int64, withTm bool) {
	if f.rowCount > 0 {
		f.buf = append(f.buf, ',')
	}
	f.rowCount++
	f.buf = append(f.buf, '{')
	f.field("op")
	f.str(op)
	if rs != nil {
		f.comma()
		f.field("schema")
		f.buf = append(f.buf, '{')
		f.field("owner")
		f.str(rs.Owner)
		f.comma()
		f.field("table")
		f.str(rs.Table)
		if rs.WithObj {
			f.comma()
			f.field("obj")
			f.buf = strconv.AppendUint(f.buf, uint64(rs.Obj), 10)
		}
		if rs.Columns != nil {
			f.comma()
			f.field("columns")
			f.buf = append(f.buf, '[')
			for i, c := range rs.Columns {
				if i > 0 {
					f.buf = append(f.buf, ',')
				}
				f.buf = append(f.buf, '{')
				f.field("name")
				f.str(c.Name)
				f.comma()
				f.field("type")
				f.buf = strconv.AppendInt(f.buf, int64(c.Type), 10)
				f.comma()
				f.field("nullable")
				f.buf = strconv.AppendBool(f.buf, c.Nullable)
				f.buf = append(f.buf, '}')
			}
			f.buf = append(f.buf, ']')
		}
		f.buf = append(f.buf, '}')
	}
	if rid != "" {
		f.comma()
		f.field("rid")
		f.str(rid)
	}
	if withScn {
		f.comma()
		f.field("scn")
		f.buf = strconv.AppendUint(f.buf, uint64(scn), 10)
	}
	if withTm {
		f.comma()
		f.field("tm")
		f.buf = strconv.AppendInt(f.buf, tm, 10)
	}
}

func (f *jsonFormatter) BeginSection(name string) {
	f.comma()
	f.field(name)
	f.buf = append(f.buf, '{')
	f.colCount = 0
}

func (f *jsonFormatter) Column(name string, v Value) {
	if f.colCount > 0 {
		f.buf = append(f.buf, ',')
	}
	f.colCount++
	f.field(name)
	switch {
	case v.Null:
		f.buf = append(f.buf, "null"...)
	case v.Num:
		f.buf = append(f.buf, v.S...)
	default:
		f.str(v.S)
	}
}

func (f *jsonFormatter) EndSection() {
	f.buf = append(f.buf, '}')
}

func (f *jsonFormatter) EndRow() {
	f.buf = append(f.buf, '}')
}

func (f *jsonFormatter) EndMsg() {
	f.buf = append(f.buf, ']', '}')
}

// Take drains the pending bytes. The slice stays valid until the next
// formatter call; callers copy it out immediately.
func (f *jsonFormatter) Take() []byte {
	out := f.buf
	f.buf = f.buf[len(f.buf):]
	return out
}

func (f *jsonFormatter) comma() {
	f.buf = append(f.buf, ',')
}

func (f *jsonFormatter) field(name string) {
	f.buf = append(f.buf, '"')
	f.buf = append(f.buf, name...)
	f.buf = append(f.buf, '"', ':')
}

// str appends a JSON string with UTF-8 escaping.
func (f *jsonFormatter) str(s string) {
	f.buf = append(f.buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			f.buf = append(f.buf, '\\', '"')
		case '\\':
			f.buf = append(f.buf, '\\', '\\')
		case '\n':
			f.buf = append(f.buf, '\\', 'n')
		case '\r':
			f.buf = append(f.buf, '\\', 'r')
		case '\t':
			f.buf = append(f.buf, '\\', 't')
		default:
			if r < 0x20 {
				f.buf = append(f.buf, fmt.Sprintf("\\u%04x", r)...)
				continue
			}
			f.buf = append(f.buf, string(r)...)
		}
	}
	f.buf = append(f.buf, '"')
}
