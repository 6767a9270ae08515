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

// Package builder turns committed row changes into framed, self-describing
// messages on a chunked output ring consumed by the downstream writers.
package builder

import (
	"bytes"
	"io"

	"github.com/goccy/go-json"

	"github.com/olr-project/redoflow/redo/lob"
	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/schema"
)

// Builder implements parser.Sink: the parser thread drives it during commit
// replay; everything here runs single-threaded on that side of the ring.
type Builder struct {
	queue *Queue
	opts  Options
	fmtr  Formatter

	charset parser.CharsetMap
	policy  parser.UnknownPolicy

	schemaSent map[model.Obj]bool

	// dump stream for transactions on the dump-xid list
	dump io.Writer

	// emitted-byte accounting hook, feeds the checkpoint interval-mb trigger
	emit func(n uint64)
}

// SetDumpStream installs the side stream dump-listed transactions are
// written to in full.
func (b *Builder) SetDumpStream(w io.Writer) { b.dump = w }

// SetEmitHook installs the output-volume accounting callback.
func (b *Builder) SetEmitHook(fn func(n uint64)) { b.emit = fn }

// append pushes formatter bytes into the open queue message, accounting
// emitted volume.
func (b *Builder) append(payload []byte) error {
	if b.emit != nil {
		b.emit(uint64(len(payload)))
	}
	return b.queue.Append(payload)
}

// New builds the output builder over the given ring.
func New(queue *Queue, opts Options, cmap parser.CharsetMap, policy parser.UnknownPolicy) *Builder {
	b := &Builder{
		queue:      queue,
		opts:       opts,
		charset:    cmap,
		policy:     policy,
		schemaSent: make(map[model.Obj]bool),
	}
	if opts.Protobuf {
		b.fmtr = newProtoFormatter()
	} else {
		b.fmtr = newJSONFormatter()
	}
	return b
}

// Queue exposes the ring for the writer side.
func (b *Builder) Queue() *Queue { return b.queue }

func (b *Builder) header(tctx *parser.TxContext, cscn model.Scn, cidx uint64) *Header {
	h := &Header{
		CScn: cscn,
		CIdx: cidx,
		Xid:  tctx.Xid,
		Scn:  tctx.CommitScn,
	}
	if b.opts.DbFormat&DbAddDml != 0 {
		h.Db = b.opts.DbName
	}
	if tctx.Timestamp != 0 {
		h.Tm = tctx.Timestamp
		h.WithTm = true
	}
	if b.opts.Message&MsgAddSequences != 0 {
		h.Seq = tctx.Seq
		h.WithSeq = true
	}
	return h
}

// flushMsg drains the formatter into one framed queue message.
func (b *Builder) flushMsg(tctx *parser.TxContext, obj model.Obj, flags uint16) error {
	if err := b.queue.BeginMessage(tctx.CommitScn, tctx.LwnScn, tctx.LwnIdx,
		tctx.Seq, obj, flags); err != nil {
		return err
	}
	payload := b.fmtr.Take()
	if tctx.Dump && b.dump != nil {
		_, _ = b.dump.Write(payload)
		_, _ = b.dump.Write([]byte{'\n'})
	}
	if err := b.append(payload); err != nil {
		return err
	}
	return b.queue.EndMessage()
}

// BeginTransaction opens the transaction framing. In full-message mode one
// queue message carries the whole transaction; otherwise an optional begin
// message is emitted on its own.
func (b *Builder) BeginTransaction(tctx *parser.TxContext) error {
	if b.opts.Message&MsgFull != 0 {
		if err := b.queue.BeginMessage(tctx.CommitScn, tctx.LwnScn, tctx.LwnIdx,
			tctx.Seq, 0, 0); err != nil {
			return err
		}
		b.fmtr.BeginMsg(b.header(tctx, tctx.LwnScn, tctx.LwnIdx), &b.opts)
		b.fmtr.BeginRow("begin", nil, "", 0, false, tctx.Timestamp, tctx.Timestamp != 0)
		b.fmtr.EndRow()
		return b.append(b.fmtr.Take())
	}
	if b.opts.Message&MsgSkipBegin != 0 {
		return nil
	}
	b.fmtr.BeginMsg(b.header(tctx, tctx.LwnScn, tctx.LwnIdx), &b.opts)
	b.fmtr.BeginRow("begin", nil, "", 0, false, tctx.Timestamp, tctx.Timestamp != 0)
	b.fmtr.EndRow()
	b.fmtr.EndMsg()
	return b.flushMsg(tctx, 0, 0)
}

// CommitTransaction closes the framing opened by BeginTransaction.
func (b *Builder) CommitTransaction(tctx *parser.TxContext) error {
	if b.opts.Message&MsgFull != 0 {
		b.fmtr.BeginRow("commit", nil, "", 0, false, 0, false)
		b.fmtr.EndRow()
		b.fmtr.EndMsg()
		if err := b.append(b.fmtr.Take()); err != nil {
			return err
		}
		return b.queue.EndMessage()
	}
	if b.opts.Message&MsgSkipCommit == 0 {
		b.fmtr.BeginMsg(b.header(tctx, tctx.LwnScn, tctx.LwnIdx), &b.opts)
		b.fmtr.BeginRow("commit", nil, "", 0, false, 0, false)
		b.fmtr.EndRow()
		b.fmtr.EndMsg()
		if err := b.flushMsg(tctx, 0, 0); err != nil {
			return err
		}
	}
	b.queue.Flush()
	return nil
}

// Row emits one replayed row change.
func (b *Builder) Row(tctx *parser.TxContext, row *parser.Row) error {
	if b.opts.Message&MsgFull == 0 {
		b.fmtr.BeginMsg(b.header(tctx, row.Scn, row.LwnIdx), &b.opts)
	}

	rid := ""
	if b.opts.Rid == RidText {
		rid = row.RowID.String()
	}
	withScn := b.opts.ScnType&ScnAllPayloads != 0
	withTm := b.opts.TimestampAll == TmAllPayloads && tctx.Timestamp != 0
	b.fmtr.BeginRow(string(row.Op), b.rowSchema(row.Table), rid,
		row.Scn, withScn, tctx.Timestamp, withTm)

	before, after := b.selectColumns(row)
	if before != nil {
		b.fmtr.BeginSection("before")
		b.writeColumns(row.Table, before, row.BeforeLobs, false)
		b.fmtr.EndSection()
	}
	if after != nil {
		b.fmtr.BeginSection("after")
		b.writeColumns(row.Table, after, row.AfterLobs, true)
		b.fmtr.EndSection()
	}
	b.fmtr.EndRow()

	if b.opts.Message&MsgFull != 0 {
		return b.append(b.fmtr.Take())
	}
	b.fmtr.EndMsg()
	return b.flushMsg(tctx, row.Obj, 0)
}

// rowSchema decides how much schema accompanies the row: nothing once sent
// (unless repetition is on), the owner/table pair, optionally the object id
// and the full column list.
func (b *Builder) rowSchema(t *schema.Table) *RowSchema {
	if t == nil {
		return nil
	}
	repeated := b.opts.Schema&SchemaRepeated != 0
	if b.schemaSent[t.Obj] && !repeated {
		return &RowSchema{Owner: t.Owner, Table: t.Name}
	}
	rs := &RowSchema{Owner: t.Owner, Table: t.Name}
	if b.opts.Schema&SchemaObj != 0 {
		rs.Obj = t.Obj
		rs.WithObj = true
	}
	if b.opts.Schema&SchemaFull != 0 {
		rs.Columns = t.Columns
	}
	b.schemaSent[t.Obj] = true
	return rs
}

// selectColumns applies the column format policy to the decoded images.
func (b *Builder) selectColumns(row *parser.Row) (before, after []model.ColumnValue) {
	before, after = row.Before, row.After
	switch row.Op {
	case parser.RowUpdate:
		if b.opts.Column == ColumnChanged {
			before, after = dropUnchanged(before, after)
		}
	case parser.RowInsert:
		if b.opts.Column == ColumnFullInsDel {
			after = fillNulls(row.Table, after)
		}
		before = nil
	case parser.RowDelete:
		if b.opts.Column == ColumnFullInsDel {
			before = fillNulls(row.Table, before)
		}
		after = nil
	}
	return before, after
}

// dropUnchanged removes columns whose before and after bytes are identical,
// keeping only real modifications in both images.
func dropUnchanged(before, after []model.ColumnValue) ([]model.ColumnValue, []model.ColumnValue) {
	beforeByNo := make(map[uint16]model.ColumnValue, len(before))
	for _, c := range before {
		beforeByNo[c.ColNo] = c
	}
	var nb, na []model.ColumnValue
	for _, a := range after {
		bv, ok := beforeByNo[a.ColNo]
		if ok && bv.Null == a.Null && bytes.Equal(bv.Data, a.Data) {
			continue
		}
		na = append(na, a)
		if ok {
			nb = append(nb, bv)
		}
	}
	return nb, na
}

// fillNulls extends the image with explicit nulls for table columns the
// record did not carry.
func fillNulls(t *schema.Table, cols []model.ColumnValue) []model.ColumnValue {
	if t == nil {
		return cols
	}
	present := make(map[uint16]struct{}, len(cols))
	for _, c := range cols {
		present[c.ColNo] = struct{}{}
	}
	out := append([]model.ColumnValue(nil), cols...)
	for _, col := range t.Columns {
		if _, ok := present[col.ColNo]; !ok {
			out = append(out, model.ColumnValue{ColNo: col.ColNo, Null: true})
		}
	}
	return out
}

// writeColumns renders one image section. Null cells of hideable types are
// suppressed under the hide policy; LOB nulls only surface in the after
// image.
func (b *Builder) writeColumns(t *schema.Table, cols []model.ColumnValue, lobs map[uint16][]lob.Chunk, after bool) {
	for _, cv := range cols {
		col := t.ColumnByNo(cv.ColNo)
		if col == nil {
			continue
		}
		if cv.Null {
			if !b.emitNull(col, after) {
				continue
			}
			b.fmtr.Column(col.Name, Value{Null: true})
			continue
		}
		if chunks, ok := lobs[cv.ColNo]; ok {
			b.fmtr.Column(col.Name, b.renderLob(col, chunks))
			continue
		}
		if col.Type.IsLob() {
			// LOB column whose value never materialized; drop the cell.
			continue
		}
		b.fmtr.Column(col.Name, b.renderColumn(col, cv.Data, nil))
	}
}

// emitNull applies the unknown-type policy: nulls of the standard value
// families always show, large objects only on the after side.
func (b *Builder) emitNull(col *schema.Column, after bool) bool {
	if b.opts.UnknownType == UnknownTypeShow {
		return true
	}
	if col.Type.IsLob() {
		return after
	}
	return true
}

// SchemaEvents emits one ddl message per touched object.
func (b *Builder) SchemaEvents(tctx *parser.TxContext, events []schema.Event) error {
	for _, ev := range events {
		b.fmtr.BeginMsg(b.header(tctx, tctx.LwnScn, tctx.LwnIdx), &b.opts)
		rs := &RowSchema{Owner: ev.Owner, Table: ev.Table}
		if b.opts.Schema&SchemaObj != 0 {
			rs.Obj = ev.Obj
			rs.WithObj = true
		}
		b.fmtr.BeginRow("ddl", rs, "", 0, false, 0, false)
		b.fmtr.EndRow()
		b.fmtr.EndMsg()
		delete(b.schemaSent, ev.Obj)
		if err := b.flushMsg(tctx, ev.Obj, 0); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint emits a fence message: writers confirm it without forwarding,
// which feeds the checkpoint keeper's safe SCN.
func (b *Builder) Checkpoint(scn model.Scn, seq model.Seq, offset uint64) error {
	payload, err := json.Marshal(map[string]uint64{
		"scn":    uint64(scn),
		"seq":    uint64(seq),
		"offset": offset,
	})
	if err != nil {
		return err
	}
	if err := b.queue.BeginMessage(scn, scn, 0, seq, 0, FlagCheckpoint); err != nil {
		return err
	}
	if err := b.queue.Append(payload); err != nil {
		return err
	}
	if err := b.queue.EndMessage(); err != nil {
		return err
	}
	b.queue.Flush()
	return nil
}
