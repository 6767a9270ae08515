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

// Package parser decodes the redo byte stream into typed change vectors,
// applies them to in-flight transactions and replays committed transactions
// into the output sink in (commitScn, lwnIdx) order.
package parser

import (
	"context"
	"encoding/binary"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/lob"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/reader"
	"github.com/olr-project/redoflow/redo/schema"
	"github.com/olr-project/redoflow/redo/transaction"
)

// lwnMagic starts every log-writer batch on the wire.
const lwnMagic = 0x4E574C01

const lwnHeaderSize = 4 + 8 + 4 + 4

// RowOp is the operation of one replayed row change.
type RowOp byte

// Row operations, named by their output encoding.
const (
	RowInsert RowOp = 'c'
	RowUpdate RowOp = 'u'
	RowDelete RowOp = 'd'
)

// Row is one resolved row change handed to the sink during commit replay.
type Row struct {
	Op     RowOp
	Table  *schema.Table
	Obj    model.Obj
	Scn    model.Scn // of the LWN that carried the change
	LwnIdx uint64
	RowID  model.RowID
	Before []model.ColumnValue
	After  []model.ColumnValue
	// Lob values materialized for LOB-typed columns, keyed by column number.
	BeforeLobs map[uint16][]lob.Chunk
	AfterLobs  map[uint16][]lob.Chunk
}

// TxContext frames the transaction a replay belongs to.
type TxContext struct {
	Xid       model.Xid
	CommitScn model.Scn
	LwnScn    model.Scn
	LwnIdx    uint64
	Seq       model.Seq
	Timestamp int64
	Dump      bool
}

// Sink consumes replayed transactions; the output builder implements it.
type Sink interface {
	BeginTransaction(tctx *TxContext) error
	Row(tctx *TxContext, row *Row) error
	CommitTransaction(tctx *TxContext) error
	SchemaEvents(tctx *TxContext, events []schema.Event) error
	Checkpoint(scn model.Scn, seq model.Seq, offset uint64) error
}

// Hooks let the supervisor observe parser progress.
type Hooks struct {
	// OnLwn fires after each fully parsed LWN group with the consumed
	// position, feeding checkpoint triggers.
	OnLwn func(lwnScn model.Scn, seq model.Seq, offset uint64, lwnIdx uint64)
	// OnCheckpointVector fires on explicit checkpoint markers in the log.
	OnCheckpointVector func(scn model.Scn, seq model.Seq, offset uint64)
	// OnTransaction fires per surfaced commit; returning false stops the
	// parser gracefully (debug stop-transactions).
	OnTransaction func() bool
}

type stageKey struct {
	xid  uint64
	op   model.OpCode
	obj  model.Obj
	dba  model.Dba
	slot model.Slot
}

type undoKey struct {
	obj  model.Obj
	dba  model.Dba
	slot model.Slot
}

// Parser is single-threaded: one goroutine consumes reader batches and owns
// every structure here.
type Parser struct {
	rd     *reader.Reader
	buffer *transaction.Buffer
	lobs   *lob.Assembler
	cache  *schema.Cache
	sink   Sink
	hooks  Hooks

	startScn model.Scn
	lwnIdx   uint64

	// position of the LWN currently being parsed, for transaction start
	// bookkeeping
	curSeq      model.Seq
	curLwnStart uint64
	curLwnIdx   uint64

	staged map[stageKey][]byte
}

// New wires the parser. startScn suppresses output for transactions whose
// commit SCN is at or below it (checkpoint catch-up); schema changes within
// the suppressed range are still applied.
func New(rd *reader.Reader, buffer *transaction.Buffer, lobs *lob.Assembler,
	cache *schema.Cache, sink Sink, startScn model.Scn, hooks Hooks,
) *Parser {
	return &Parser{
		rd:       rd,
		buffer:   buffer,
		lobs:     lobs,
		cache:    cache,
		sink:     sink,
		hooks:    hooks,
		startScn: startScn,
		staged:   make(map[stageKey][]byte),
	}
}

// RestoreLwnIdx seeds the vector counter from a checkpoint so tie-break
// indexes stay stable across restarts.
func (p *Parser) RestoreLwnIdx(idx uint64) { p.lwnIdx = idx }

// LwnIdx returns the current vector counter for checkpointing.
func (p *Parser) LwnIdx() uint64 { return p.lwnIdx }

// Run consumes the reader until its channel closes (batch mode) or the
// context is cancelled.
func (p *Parser) Run(ctx context.Context) error {
	s := newStream(ctx, p.rd)
	for {
		if err := s.skipPadding(); err != nil {
			if err == errStreamEnd {
				return nil
			}
			return err
		}
		p.curLwnStart = s.off
		p.curLwnIdx = p.lwnIdx
		hdr, err := s.read(lwnHeaderSize)
		if err == errStreamEnd {
			return nil
		}
		if err != nil {
			return err
		}
		if binary.LittleEndian.Uint32(hdr) != lwnMagic {
			return cerror.ErrRedoBadBlock.GenWithStackByArgs(uint32(s.seq), 0)
		}
		lwnScn := model.Scn(binary.LittleEndian.Uint64(hdr[4:]))
		records := binary.LittleEndian.Uint32(hdr[12:])
		p.curSeq = s.seq

		for i := uint32(0); i < records; i++ {
			vec, err := s.readVector()
			if err != nil {
				return err
			}
			vec.Scn = lwnScn
			vec.Seq = s.seq
			vec.LwnIdx = p.lwnIdx
			p.lwnIdx++
			stop, err := p.dispatch(vec, s)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
		p.rd.AckThrough(s.seq, s.off)
		metrics.BytesParsed.Add(float64(s.off - s.ackedOff))
		s.ackedOff = s.off
		if p.hooks.OnLwn != nil {
			p.hooks.OnLwn(lwnScn, s.seq, s.off, p.lwnIdx)
		}
	}
}

// dispatch routes one change vector. Returns stop=true when a debug stop
// asked for a graceful end.
func (p *Parser) dispatch(vec *model.ChangeVector, s *stream) (bool, error) {
	switch vec.Op {
	case model.OpBegin:
		tx := p.open(vec)
		tx.Begin = true
		return false, nil

	case model.OpCommit:
		if vec.Flags&model.FlagRollback != 0 {
			p.cache.RollbackDDL(vec.Xid)
			p.lobs.EndTransaction(vec.Xid)
			p.clearStaged(vec.Xid)
			return false, p.buffer.Rollback(vec.Xid)
		}
		return p.commit(vec)

	case model.OpCheckpoint:
		if p.hooks.OnCheckpointVector != nil {
			p.hooks.OnCheckpointVector(vec.Scn, vec.Seq, s.off)
		}
		return false, nil

	case model.OpLobIndex:
		p.open(vec)
		return false, p.recoverable(p.lobs.AddIndex(vec.Xid, vec.Payload), "lob")

	case model.OpLobData:
		p.open(vec)
		return false, p.recoverable(p.lobs.AddData(vec.Xid, vec.Dba, vec.Payload), "lob")

	case model.OpDdl:
		p.open(vec)
		return false, p.cache.ApplyDDL(vec.Xid, vec.Payload)

	case model.OpInsert, model.OpDelete, model.OpUpdate,
		model.OpMultiInsert, model.OpMultiDelete,
		model.OpUndo, model.OpSupplement:
		return false, p.appendData(vec)
	}
	log.Warn("unknown opcode, record skipped",
		zap.String("opcode", vec.Op.String()),
		zap.Uint32("sequence", uint32(vec.Seq)))
	metrics.RecoverableErrors.WithLabelValues("unknown-opcode").Inc()
	return false, nil
}

// appendData stages split rows and appends complete vectors to the owning
// transaction.
func (p *Parser) appendData(vec *model.ChangeVector) error {
	p.open(vec)
	if vec.Fb&(model.FbP|model.FbN) == 0 {
		return p.buffer.Append(vec)
	}
	key := stageKey{xid: vec.Xid.Raw(), op: vec.Op, obj: vec.Obj, dba: vec.Dba, slot: vec.Slot}
	p.staged[key] = append(p.staged[key], vec.Payload...)
	if vec.Fb&model.FbN != 0 {
		// More parts follow.
		return nil
	}
	// Terminal part: fuse and append as one unsplit vector.
	fused := *vec
	fused.Fb = 0
	fused.Payload = p.staged[key]
	delete(p.staged, key)
	return p.buffer.Append(&fused)
}

// open fetches the vector's transaction and pins its start position.
func (p *Parser) open(vec *model.ChangeVector) *transaction.Transaction {
	tx := p.buffer.Open(vec.Xid, vec.Scn)
	tx.NoteStart(p.curSeq, p.curLwnStart, p.curLwnIdx)
	return tx
}

func (p *Parser) clearStaged(xid model.Xid) {
	raw := xid.Raw()
	for key := range p.staged {
		if key.xid == raw {
			delete(p.staged, key)
		}
	}
}

func (p *Parser) hasStaged(xid model.Xid) bool {
	raw := xid.Raw()
	for key := range p.staged {
		if key.xid == raw {
			return true
		}
	}
	return false
}

// recoverable contains per-record anomalies: the error is logged and
// counted, processing continues. Anything else propagates.
func (p *Parser) recoverable(err error, kind string) error {
	if err == nil {
		return nil
	}
	if cerror.IsRecoverable(err) {
		log.Warn("recoverable redo anomaly, value dropped", zap.Error(err))
		metrics.RecoverableErrors.WithLabelValues(kind).Inc()
		return nil
	}
	return err
}

// commit finalizes the transaction of vec and replays it into the sink.
func (p *Parser) commit(vec *model.ChangeVector) (bool, error) {
	xid := vec.Xid
	if p.hasStaged(xid) {
		return false, cerror.ErrRedoPartialRow.GenWithStackByArgs(xid.String())
	}

	events := p.cache.CommitDDL(xid)

	replay, err := p.buffer.Commit(xid, vec.Scn, vec.LwnIdx)
	if err != nil {
		return false, err
	}

	suppress := vec.Scn <= p.startScn
	var timestamp int64
	if len(vec.Payload) >= 8 {
		timestamp = int64(binary.LittleEndian.Uint64(vec.Payload))
	}
	tctx := &TxContext{
		Xid:       xid,
		CommitScn: vec.Scn,
		LwnScn:    vec.Scn,
		LwnIdx:    vec.LwnIdx,
		Seq:       vec.Seq,
		Timestamp: timestamp,
	}
	if replay == nil || suppress {
		if replay != nil {
			if err := drain(replay); err != nil {
				return false, err
			}
		}
		p.lobs.EndTransaction(xid)
		if len(events) > 0 && !suppress {
			if err := p.sink.SchemaEvents(tctx, events); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	tctx.Dump = replay.Transaction().Dump
	if err := p.sink.BeginTransaction(tctx); err != nil {
		return false, err
	}
	if len(events) > 0 {
		if err := p.sink.SchemaEvents(tctx, events); err != nil {
			return false, err
		}
	}
	if err := p.replayRows(tctx, replay); err != nil {
		return false, err
	}
	if err := p.sink.CommitTransaction(tctx); err != nil {
		return false, err
	}
	if err := replay.Close(); err != nil {
		return false, err
	}
	p.lobs.EndTransaction(xid)
	metrics.TransactionsCommitted.Inc()
	if p.hooks.OnTransaction != nil && !p.hooks.OnTransaction() {
		log.Info("debug stop-transactions reached, stopping")
		return true, nil
	}
	return false, nil
}

func drain(r *transaction.Replay) error {
	for {
		vec, err := r.Next()
		if err != nil {
			return err
		}
		if vec == nil {
			return r.Close()
		}
	}
}

// replayRows walks the buffered vectors in append order, pairing undo
// vectors with their do vectors and expanding multi-row opcodes in embedded
// sub-slot order.
func (p *Parser) replayRows(tctx *TxContext, replay *transaction.Replay) error {
	pendingBefore := make(map[undoKey][]model.ColumnValue)
	for {
		vec, err := replay.Next()
		if err != nil {
			return err
		}
		if vec == nil {
			return nil
		}
		key := undoKey{obj: vec.Obj, dba: vec.Dba, slot: vec.Slot}
		switch vec.Op {
		case model.OpUndo, model.OpSupplement:
			cols, err := model.DecodeColumns(vec.Payload)
			if err != nil {
				return err
			}
			// Prior images alias chunk memory that may be paged out before
			// the matching do vector arrives; keep a private copy.
			pendingBefore[key] = append(pendingBefore[key], copyColumns(cols)...)

		case model.OpInsert, model.OpDelete, model.OpUpdate:
			cols, err := model.DecodeColumns(vec.Payload)
			if err != nil {
				return err
			}
			row := &Row{
				Obj:    vec.Obj,
				Scn:    vec.Scn,
				LwnIdx: vec.LwnIdx,
				RowID:  model.RowID{DataObj: vec.DataObj, Dba: vec.Dba, Slot: vec.Slot},
			}
			switch vec.Op {
			case model.OpInsert:
				row.Op = RowInsert
				row.After = cols
			case model.OpDelete:
				row.Op = RowDelete
				row.Before = cols
			case model.OpUpdate:
				row.Op = RowUpdate
				row.After = cols
				row.Before = pendingBefore[key]
				delete(pendingBefore, key)
			}
			if err := p.emitRow(tctx, vec, row); err != nil {
				return err
			}

		case model.OpMultiInsert, model.OpMultiDelete:
			if err := p.replayMultiRow(tctx, vec); err != nil {
				return err
			}
		}
	}
}

// replayMultiRow expands a multi-row vector: count u16, then per row
// slot u16, payload length u32, column payload.
func (p *Parser) replayMultiRow(tctx *TxContext, vec *model.ChangeVector) error {
	buf := vec.Payload
	if len(buf) < 2 {
		return cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(uint64(vec.Scn))
	}
	count := int(binary.LittleEndian.Uint16(buf))
	pos := 2
	for i := 0; i < count; i++ {
		if len(buf) < pos+6 {
			return cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(uint64(vec.Scn))
		}
		slot := model.Slot(binary.LittleEndian.Uint16(buf[pos:]))
		size := int(binary.LittleEndian.Uint32(buf[pos+2:]))
		pos += 6
		if len(buf) < pos+size {
			return cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(uint64(vec.Scn))
		}
		cols, err := model.DecodeColumns(buf[pos : pos+size])
		if err != nil {
			return err
		}
		pos += size
		row := &Row{
			Obj:    vec.Obj,
			Scn:    vec.Scn,
			LwnIdx: vec.LwnIdx,
			RowID:  model.RowID{DataObj: vec.DataObj, Dba: vec.Dba, Slot: slot},
		}
		if vec.Op == model.OpMultiInsert {
			row.Op = RowInsert
			row.After = cols
		} else {
			row.Op = RowDelete
			row.Before = cols
		}
		if err := p.emitRow(tctx, vec, row); err != nil {
			return err
		}
	}
	return nil
}

// emitRow resolves the table, materializes LOB columns and hands the row to
// the sink. Unreplicated objects are skipped.
func (p *Parser) emitRow(tctx *TxContext, vec *model.ChangeVector, row *Row) error {
	base := p.cache.BaseObject(vec.DataObj, vec.Obj)
	row.Table = p.cache.Lookup(tctx.Xid, base, maxColNo(row.Before, row.After))
	if row.Table == nil {
		return nil
	}
	if err := p.materializeLobs(row, row.Table, row.After, true); err != nil {
		return err
	}
	if err := p.materializeLobs(row, row.Table, row.Before, false); err != nil {
		return err
	}
	return p.sink.Row(tctx, row)
}

// materializeLobs resolves LOB-typed column values through the assembler.
// A failed value is dropped with a warning; the row itself survives.
func (p *Parser) materializeLobs(row *Row, table *schema.Table, cols []model.ColumnValue, after bool) error {
	for i := range cols {
		if cols[i].Null {
			continue
		}
		col := table.ColumnByNo(cols[i].ColNo)
		if col == nil || !col.Type.IsLob() {
			continue
		}
		locator, err := lob.ParseLocator(cols[i].Data)
		if err != nil {
			if err := p.recoverable(err, "lob"); err != nil {
				return err
			}
			continue
		}
		chunks, complete, err := p.lobs.Materialize(locator)
		if err != nil {
			if err := p.recoverable(err, "lob"); err != nil {
				return err
			}
			continue
		}
		if !complete {
			log.Warn("lob unresolved at replay, value dropped",
				zap.String("lob", locator.ID.String()))
			metrics.RecoverableErrors.WithLabelValues("lob").Inc()
			continue
		}
		if after {
			if row.AfterLobs == nil {
				row.AfterLobs = make(map[uint16][]lob.Chunk)
			}
			row.AfterLobs[cols[i].ColNo] = chunks
		} else {
			if row.BeforeLobs == nil {
				row.BeforeLobs = make(map[uint16][]lob.Chunk)
			}
			row.BeforeLobs[cols[i].ColNo] = chunks
		}
		p.lobs.Release(locator.ID)
	}
	return nil
}

func maxColNo(before, after []model.ColumnValue) int {
	max := 0
	for _, c := range before {
		if int(c.ColNo) > max {
			max = int(c.ColNo)
		}
	}
	for _, c := range after {
		if int(c.ColNo) > max {
			max = int(c.ColNo)
		}
	}
	return max
}

func copyColumns(cols []model.ColumnValue) []model.ColumnValue {
	out := make([]model.ColumnValue, len(cols))
	for i, c := range cols {
		out[i] = model.ColumnValue{ColNo: c.ColNo, Null: c.Null}
		if c.Data != nil {
			out[i].Data = append([]byte(nil), c.Data...)
		}
	}
	return out
}
