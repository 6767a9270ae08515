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

// Package transaction accumulates per-transaction change records in
// arena-backed chunk lists until commit or rollback.
package transaction

import (
	"encoding/binary"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/memory"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
)

// State of one transaction within the buffer.
type State int

// Transaction states.
const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
	// StateForgotten marks a skip-list match or a size overflow: records are
	// dropped on arrival and the commit produces no output.
	StateForgotten
)

// chunkHeaderSize holds {usedBytes u32, recordCount u32} so every chunk can
// be validated on its own after a swap round-trip.
const chunkHeaderSize = 8

const chunkCapacity = memory.ChunkSize - chunkHeaderSize

// Transaction is the buffered state of one XID.
type Transaction struct {
	Xid       model.Xid
	FirstScn  model.Scn
	CommitScn model.Scn
	CommitIdx uint64 // lwnIdx of the commit vector, the SCN tie-break
	State     State
	Dump      bool

	// Begin is set when an explicit begin vector arrived; transactions can
	// also open lazily on their first change.
	Begin bool

	// Start position of the first vector, recorded in checkpoints so an
	// open transaction can be re-read after a restart.
	StartSeq    model.Seq
	StartOffset uint64
	StartLwnIdx uint64
	startSet    bool

	size    uint64
	records uint64

	tailIdx  int64
	tail     []byte
	tailUsed uint32
	tailRecs uint32
}

// NoteStart records the log position of the transaction's first vector.
func (t *Transaction) NoteStart(seq model.Seq, offset, lwnIdx uint64) {
	if t.startSet {
		return
	}
	t.startSet = true
	t.StartSeq = seq
	t.StartOffset = offset
	t.StartLwnIdx = lwnIdx
}

// Size returns the accumulated RAM+swap footprint in bytes.
func (t *Transaction) Size() uint64 { return t.size }

// Records returns the number of buffered change vectors.
func (t *Transaction) Records() uint64 { return t.records }

// Buffer keys transactions by XID. The map itself is guarded by a short
// mutex for insert and delete; each transaction is only ever touched by the
// parser thread, chunk residency by the swapper's own lock.
type Buffer struct {
	mu      sync.Mutex
	txs     map[model.Xid]*Transaction
	swapper *memory.Swapper

	skip    map[uint64]struct{}
	dump    map[uint64]struct{}
	sizeMax uint64
}

// NewBuffer builds the transaction buffer. sizeMaxMb bounds the per-XID
// footprint, zero meaning unbounded. skip and dump hold the configured XID
// lists.
func NewBuffer(swapper *memory.Swapper, sizeMaxMb uint64, skip, dump []model.Xid) *Buffer {
	b := &Buffer{
		txs:     make(map[model.Xid]*Transaction),
		swapper: swapper,
		skip:    make(map[uint64]struct{}, len(skip)),
		dump:    make(map[uint64]struct{}, len(dump)),
		sizeMax: sizeMaxMb << 20,
	}
	for _, x := range skip {
		b.skip[x.Raw()] = struct{}{}
	}
	for _, x := range dump {
		b.dump[x.Raw()] = struct{}{}
	}
	return b
}

// Get returns the transaction of xid or nil.
func (b *Buffer) Get(xid model.Xid) *Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txs[xid]
}

// Open returns the transaction of xid, creating it lazily at firstScn.
func (b *Buffer) Open(xid model.Xid, firstScn model.Scn) *Transaction {
	b.mu.Lock()
	tx := b.txs[xid]
	if tx == nil {
		tx = &Transaction{Xid: xid, FirstScn: firstScn, tailIdx: -1}
		if _, ok := b.skip[xid.Raw()]; ok {
			tx.State = StateForgotten
			log.Info("transaction on skip list, discarding",
				zap.String("xid", xid.String()))
		}
		if _, ok := b.dump[xid.Raw()]; ok {
			tx.Dump = true
		}
		b.txs[xid] = tx
		b.mu.Unlock()
		b.swapper.Init(xid)
		return tx
	}
	b.mu.Unlock()
	return tx
}

// OpenXids snapshots the XIDs still open, for checkpoint records.
func (b *Buffer) OpenXids() []*Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Transaction, 0, len(b.txs))
	for _, tx := range b.txs {
		if tx.State == StateOpen {
			out = append(out, tx)
		}
	}
	return out
}

// Append adds one change vector to the transaction of vec.Xid, opening it if
// needed. Exceeding the size bound forgets the transaction with a warning.
func (b *Buffer) Append(vec *model.ChangeVector) error {
	tx := b.Open(vec.Xid, vec.Scn)
	if tx.State == StateForgotten {
		return nil
	}
	need := vec.EncodedSize()
	if need > chunkCapacity {
		return cerror.ErrMessageTooBig.GenWithStackByArgs(memory.ChunkSizeMb, need)
	}
	if b.sizeMax > 0 && tx.size+uint64(need) > b.sizeMax {
		log.Warn("transaction exceeds transaction-max-mb, skipping",
			zap.String("xid", tx.Xid.String()),
			zap.String("limit", humanize.IBytes(b.sizeMax)))
		metrics.TransactionsSkipped.Inc()
		tx.State = StateForgotten
		if err := b.swapper.Remove(tx.Xid); err != nil {
			return err
		}
		b.swapper.Init(tx.Xid)
		tx.tail = nil
		tx.tailIdx = -1
		return nil
	}

	if tx.tail == nil || int(tx.tailUsed)+need > chunkCapacity {
		if err := b.sealTail(tx); err != nil {
			return err
		}
		chunk, idx, err := b.swapper.Grow(vec.Xid)
		if err != nil {
			return err
		}
		tx.tail = chunk
		tx.tailIdx = idx
		tx.tailUsed = 0
		tx.tailRecs = 0
		// The tail is being produced into; the swap worker must leave it.
		b.swapper.Pin(vec.Xid, idx, idx)
	}
	n := vec.EncodeTo(tx.tail[chunkHeaderSize+tx.tailUsed:])
	tx.tailUsed += uint32(n)
	tx.tailRecs++
	tx.size += uint64(n)
	tx.records++
	return nil
}

// sealTail finalizes the tail chunk header before a new chunk is grown.
func (b *Buffer) sealTail(tx *Transaction) error {
	if tx.tail == nil {
		return nil
	}
	binary.LittleEndian.PutUint32(tx.tail, tx.tailUsed)
	binary.LittleEndian.PutUint32(tx.tail[4:], tx.tailRecs)
	tx.tail = nil
	return nil
}

// Commit finalizes the transaction and returns a replay iterator, or nil for
// forgotten/empty transactions. The caller must drain and Close the iterator.
func (b *Buffer) Commit(xid model.Xid, scn model.Scn, lwnIdx uint64) (*Replay, error) {
	tx := b.Open(xid, scn)
	tx.CommitScn = scn
	tx.CommitIdx = lwnIdx
	if tx.State == StateForgotten {
		return nil, b.remove(xid)
	}
	tx.State = StateCommitted
	if err := b.sealTail(tx); err != nil {
		return nil, err
	}
	if tx.records == 0 {
		return nil, b.remove(xid)
	}
	count, err := b.swapper.Size(xid)
	if err != nil {
		return nil, err
	}
	return &Replay{buf: b, tx: tx, chunks: count}, nil
}

// Rollback discards the transaction and returns its chunks to the arena.
func (b *Buffer) Rollback(xid model.Xid) error {
	tx := b.Get(xid)
	if tx == nil {
		return nil
	}
	tx.State = StateRolledBack
	metrics.TransactionsRolledBack.Inc()
	return b.remove(xid)
}

func (b *Buffer) remove(xid model.Xid) error {
	b.mu.Lock()
	delete(b.txs, xid)
	b.mu.Unlock()
	return b.swapper.Remove(xid)
}

// Replay yields the transaction's change vectors in append order, paging
// swapped chunks back in as it walks.
type Replay struct {
	buf    *Buffer
	tx     *Transaction
	chunks int64

	idx   int64
	chunk []byte
	pos   uint32
	used  uint32
	left  uint32
	done  bool
}

// Transaction exposes the transaction under replay.
func (r *Replay) Transaction() *Transaction { return r.tx }

// Next returns the following vector, or nil at the end. Returned vectors
// alias chunk memory valid until the next Next call crosses a chunk border.
func (r *Replay) Next() (*model.ChangeVector, error) {
	for {
		if r.done {
			return nil, nil
		}
		if r.chunk == nil {
			if r.idx >= r.chunks {
				r.done = true
				return nil, nil
			}
			r.buf.swapper.Pin(r.tx.Xid, r.idx, r.idx)
			chunk, err := r.buf.swapper.Get(r.tx.Xid, r.idx)
			if err != nil {
				return nil, err
			}
			r.chunk = chunk
			r.used = binary.LittleEndian.Uint32(chunk)
			r.left = binary.LittleEndian.Uint32(chunk[4:])
			r.pos = 0
		}
		if r.left == 0 {
			if err := r.buf.swapper.ReleaseChunk(r.tx.Xid, r.idx); err != nil {
				return nil, err
			}
			r.chunk = nil
			r.idx++
			continue
		}
		vec, n, err := model.DecodeChangeVector(
			r.chunk[chunkHeaderSize+r.pos : chunkHeaderSize+r.used])
		if err != nil {
			return nil, err
		}
		r.pos += uint32(n)
		r.left--
		return vec, nil
	}
}

// Close releases every remaining chunk and forgets the transaction.
func (r *Replay) Close() error {
	r.done = true
	r.chunk = nil
	return r.buf.remove(r.tx.Xid)
}
