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

package memory

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
)

const segmentHeaderSize = 8 // compressed size + raw size, u32 each

type segment struct {
	off  int64
	size uint32
	raw  uint32
}

// swapSpace is the spill state of one transaction. Chunk slots set to nil
// live on disk; the swapped window [swappedMin..swappedMax] is contiguous.
type swapSpace struct {
	chunks     [][]byte
	swappedMin int64
	swappedMax int64
	pinnedMin  int64
	pinnedMax  int64

	file     *os.File
	fileSize int64
	segments map[int64]segment
}

func (s *swapSpace) swapped(idx int64) bool {
	return idx >= s.swappedMin && idx <= s.swappedMax
}

func (s *swapSpace) ramChunks() int64 {
	n := int64(len(s.chunks))
	if s.swappedMin <= s.swappedMax {
		n -= s.swappedMax - s.swappedMin + 1
	}
	return n
}

// Swapper owns the per-transaction spill files and the background worker
// that evicts the fattest transaction's middle chunks under memory pressure.
type Swapper struct {
	arena     *Arena
	path      string
	keepFiles bool

	mu        sync.Mutex
	condWork  *sync.Cond // wakes the worker
	spaces    map[model.Xid]*swapSpace
	swappedMb int64
	shutdown  bool
}

// NewSwapper creates the spill manager rooted at path.
func NewSwapper(arena *Arena, path string, keepFiles bool) *Swapper {
	s := &Swapper{
		arena:     arena,
		path:      path,
		keepFiles: keepFiles,
		spaces:    make(map[model.Xid]*swapSpace),
	}
	s.condWork = sync.NewCond(&s.mu)
	return s
}

// Init registers a transaction with the swapper. Must precede any Grow.
func (s *Swapper) Init(xid model.Xid) {
	s.mu.Lock()
	s.spaces[xid] = &swapSpace{
		swappedMin: 1, swappedMax: 0,
		pinnedMin: -1, pinnedMax: -1,
		segments: make(map[int64]segment),
	}
	s.mu.Unlock()
}

// Size returns the chunk count of the transaction, RAM plus disk.
func (s *Swapper) Size(xid model.Xid) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.spaces[xid]
	if !ok {
		return 0, cerror.ErrSwapChunkMissing.GenWithStackByArgs(xid.String(), "size")
	}
	return int64(len(sp.chunks)), nil
}

// Grow appends a fresh chunk to the transaction and returns it with its
// index. The chunk is charged to the transactions module.
func (s *Swapper) Grow(xid model.Xid) ([]byte, int64, error) {
	chunk, err := s.arena.Acquire(ModuleTransactions, false)
	if err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	sp, ok := s.spaces[xid]
	if !ok {
		s.mu.Unlock()
		_ = s.arena.Release(ModuleTransactions, chunk)
		return nil, 0, cerror.ErrSwapChunkMissing.GenWithStackByArgs(xid.String(), "grow")
	}
	sp.chunks = append(sp.chunks, chunk)
	idx := int64(len(sp.chunks) - 1)
	s.mu.Unlock()
	return chunk, idx, nil
}

// Get returns the chunk at idx, paging it (and any swapped chunks before it,
// to keep the window contiguous) back in first.
func (s *Swapper) Get(xid model.Xid, idx int64) ([]byte, error) {
	s.mu.Lock()
	sp, ok := s.spaces[xid]
	if !ok {
		s.mu.Unlock()
		return nil, cerror.ErrSwapChunkMissing.GenWithStackByArgs(xid.String(), "get")
	}
	if !sp.swapped(idx) {
		chunk := sp.chunks[idx]
		s.mu.Unlock()
		return chunk, nil
	}
	// Page in from the low edge up to idx so the window stays contiguous.
	for sp.swappedMin <= idx {
		in := sp.swappedMin
		seg := sp.segments[in]
		s.mu.Unlock()
		chunk, err := s.pageIn(sp.file, seg)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		sp.chunks[in] = chunk
		delete(sp.segments, in)
		sp.swappedMin++
		s.swappedMb -= ChunkSizeMb
	}
	metrics.SwappedMb.Set(float64(s.swappedMb))
	chunk := sp.chunks[idx]
	s.mu.Unlock()
	return chunk, nil
}

// ReleaseChunk frees one RAM-resident chunk after replay consumed it.
func (s *Swapper) ReleaseChunk(xid model.Xid, idx int64) error {
	s.mu.Lock()
	sp, ok := s.spaces[xid]
	if !ok {
		s.mu.Unlock()
		return cerror.ErrSwapChunkMissing.GenWithStackByArgs(xid.String(), "release")
	}
	chunk := sp.chunks[idx]
	sp.chunks[idx] = nil
	s.mu.Unlock()
	if chunk == nil {
		return nil
	}
	return s.arena.Release(ModuleTransactions, chunk)
}

// Pin marks [min..max] as the active range the worker must not evict, e.g.
// the tail chunk being appended to or the chunk under replay. Pass min > max
// to clear.
func (s *Swapper) Pin(xid model.Xid, min, max int64) {
	s.mu.Lock()
	if sp, ok := s.spaces[xid]; ok {
		sp.pinnedMin, sp.pinnedMax = min, max
	}
	s.mu.Unlock()
}

// Remove drops all transaction state: RAM chunks go back to the arena, the
// spill file is deleted.
func (s *Swapper) Remove(xid model.Xid) error {
	s.mu.Lock()
	sp, ok := s.spaces[xid]
	if !ok {
		s.mu.Unlock()
		return cerror.ErrSwapChunkMissing.GenWithStackByArgs(xid.String(), "remove")
	}
	delete(s.spaces, xid)
	if sp.swappedMin <= sp.swappedMax {
		s.swappedMb -= (sp.swappedMax - sp.swappedMin + 1) * ChunkSizeMb
	}
	metrics.SwappedMb.Set(float64(s.swappedMb))
	s.mu.Unlock()

	var firstErr error
	for _, chunk := range sp.chunks {
		if chunk == nil {
			continue
		}
		if err := s.arena.Release(ModuleTransactions, chunk); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sp.file != nil {
		name := sp.file.Name()
		_ = sp.file.Close()
		if !s.keepFiles {
			_ = os.Remove(name)
		}
	}
	return firstErr
}

// Poke wakes the worker to re-check memory pressure.
func (s *Swapper) Poke() {
	s.mu.Lock()
	s.condWork.Broadcast()
	s.mu.Unlock()
}

// Run is the swap worker loop: while the arena sits over its swap threshold
// it elects the transaction holding the most RAM chunks and spills its
// middle chunks. Exits on context cancellation.
func (s *Swapper) Run(ctx context.Context) error {
	// The condvar has no timeout; a ticker doubles as the periodic check.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.condWork.Broadcast()
		s.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for s.arena.OverSwapThreshold() {
			if err := s.swapOutOne(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
	}
}

// swapOutOne elects and spills one victim. Returns nil when nothing is
// eligible.
func (s *Swapper) swapOutOne() error {
	s.mu.Lock()
	var victim model.Xid
	var victimSp *swapSpace
	best := int64(2) // need at least 3 chunks to have a middle
	for xid, sp := range s.spaces {
		if n := sp.ramChunks(); n > best {
			best = n
			victim = xid
			victimSp = sp
		}
	}
	if victimSp == nil {
		s.mu.Unlock()
		return nil
	}
	// Contiguous middle range: head and tail stay resident, pins respected.
	lo := int64(1)
	if victimSp.swappedMax >= victimSp.swappedMin {
		lo = victimSp.swappedMax + 1
	}
	hi := int64(len(victimSp.chunks)) - 2
	if victimSp.pinnedMin >= 0 && victimSp.pinnedMin <= hi {
		hi = victimSp.pinnedMin - 1
	}
	if lo > hi {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	for idx := lo; idx <= hi; idx++ {
		if err := s.swapOutChunk(victim, victimSp, idx); err != nil {
			return err
		}
	}
	s.arena.Wake()
	log.Debug("transaction spilled to disk",
		zap.String("xid", victim.String()),
		zap.Int64("fromChunk", lo), zap.Int64("toChunk", hi))
	return nil
}

func (s *Swapper) swapOutChunk(xid model.Xid, sp *swapSpace, idx int64) error {
	s.mu.Lock()
	if sp != s.spaces[xid] || sp.swapped(idx) || sp.chunks[idx] == nil {
		s.mu.Unlock()
		return nil
	}
	chunk := sp.chunks[idx]
	if sp.file == nil {
		name := filepath.Join(s.path, xid.String()+".swap")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
		if err != nil {
			s.mu.Unlock()
			return cerror.ErrMemoryAlloc.GenWithStackByArgs(ChunkSize, "swap file: "+err.Error())
		}
		sp.file = f
	}
	file, off := sp.file, sp.fileSize
	s.mu.Unlock()

	buf := make([]byte, segmentHeaderSize+lz4.CompressBlockBound(ChunkSize))
	var c lz4.Compressor
	n, err := c.CompressBlock(chunk, buf[segmentHeaderSize:])
	if err != nil || n == 0 || n >= ChunkSize {
		// Incompressible; store raw.
		n = copy(buf[segmentHeaderSize:], chunk)
		binary.LittleEndian.PutUint32(buf, uint32(n))
		binary.LittleEndian.PutUint32(buf[4:], 0)
	} else {
		binary.LittleEndian.PutUint32(buf, uint32(n))
		binary.LittleEndian.PutUint32(buf[4:], uint32(ChunkSize))
	}
	if _, err := file.WriteAt(buf[:segmentHeaderSize+n], off); err != nil {
		return cerror.ErrStateWrite.GenWithStackByArgs(err.Error())
	}

	s.mu.Lock()
	sp.fileSize = off + int64(segmentHeaderSize+n)
	sp.segments[idx] = segment{off: off, size: uint32(n), raw: uint32(ChunkSize)}
	sp.chunks[idx] = nil
	if sp.swappedMin > sp.swappedMax {
		sp.swappedMin, sp.swappedMax = idx, idx
	} else {
		sp.swappedMax = idx
	}
	s.swappedMb += ChunkSizeMb
	metrics.SwappedMb.Set(float64(s.swappedMb))
	s.mu.Unlock()

	return s.arena.Release(ModuleTransactions, chunk)
}

func (s *Swapper) pageIn(file *os.File, seg segment) ([]byte, error) {
	chunk, err := s.arena.Acquire(ModuleTransactions, true)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, segmentHeaderSize+seg.size)
	if _, err := file.ReadAt(buf, seg.off); err != nil {
		return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
	}
	size := binary.LittleEndian.Uint32(buf)
	raw := binary.LittleEndian.Uint32(buf[4:])
	if raw == 0 {
		copy(chunk, buf[segmentHeaderSize:segmentHeaderSize+size])
		return chunk, nil
	}
	if _, err := lz4.UncompressBlock(buf[segmentHeaderSize:segmentHeaderSize+size], chunk); err != nil {
		return nil, cerror.ErrStateParse.GenWithStackByArgs(file.Name(), err.Error())
	}
	return chunk, nil
}
