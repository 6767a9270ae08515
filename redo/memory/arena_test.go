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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olr-project/redoflow/pkg/config"
	"github.com/olr-project/redoflow/redo/model"
)

func testMemoryConfig(minMb, maxMb, swapMb uint64) *config.MemoryConfig {
	return &config.MemoryConfig{
		MinMb:             minMb,
		MaxMb:             maxMb,
		ReadBufferMinMb:   1,
		ReadBufferMaxMb:   4,
		WriteBufferMinMb:  1,
		WriteBufferMaxMb:  maxMb,
		SwapMb:            swapMb,
		UnswapBufferMinMb: 1,
	}
}

func TestArenaAcquireRelease(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(4, 16, 0))
	chunk, err := a.Acquire(ModuleParser, false)
	require.NoError(t, err)
	require.Len(t, chunk, ChunkSize)
	require.NoError(t, a.Release(ModuleParser, chunk))
}

func TestArenaGrowsToMax(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(2, 8, 0))
	var chunks [][]byte
	// The free pool sits at or below the reserve of the reader and builder
	// minima plus the unswap reserve, so the parser's chunks are grown from
	// the OS towards max-mb.
	for i := 0; i < 5; i++ {
		chunk, err := a.Acquire(ModuleParser, false)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	require.GreaterOrEqual(t, a.HighWaterMarkMb(), uint64(5))
	for _, c := range chunks {
		require.NoError(t, a.Release(ModuleParser, c))
	}
}

func TestArenaBlocksUntilRelease(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(2, 6, 0))
	// The reader and builder minima plus the unswap reserve guard 3 chunks,
	// more than the 2 free ones, so each acquire grows the arena from the OS;
	// with max-mb 6 the transactions module can take exactly 4 before the
	// next acquire suspends.
	held := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		chunk, err := a.Acquire(ModuleTransactions, false)
		require.NoError(t, err)
		held = append(held, chunk)
	}

	acquired := make(chan struct{})
	go func() {
		chunk, err := a.Acquire(ModuleTransactions, false)
		if err == nil {
			_ = a.Release(ModuleTransactions, chunk)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire should block while the pool is exhausted")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, a.Release(ModuleTransactions, held[0]))
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not wake after release")
	}
	for _, c := range held[1:] {
		require.NoError(t, a.Release(ModuleTransactions, c))
	}
}

func TestArenaShutdownWakesWaiters(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(2, 6, 0))
	var wg sync.WaitGroup
	chunks := make([][]byte, 0, 3)
	for i := 0; i < 3; i++ {
		chunk, err := a.Acquire(ModuleTransactions, false)
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	_ = chunks
	wg.Add(1)
	errCh := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := a.Acquire(ModuleTransactions, false)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	a.Shutdown()
	wg.Wait()
	require.Error(t, <-errCh)
}

func TestSwapRoundTrip(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(4, 16, 1))
	s := NewSwapper(a, t.TempDir(), false)
	xid := model.Xid{Usn: 1, Slot: 1, Sequence: 7}
	s.Init(xid)

	var originals [][]byte
	for i := 0; i < 5; i++ {
		chunk, idx, err := s.Grow(xid)
		require.NoError(t, err)
		require.Equal(t, int64(i), idx)
		for j := range chunk {
			chunk[j] = byte(i + j)
		}
		originals = append(originals, append([]byte(nil), chunk...))
	}

	// Spill the middle chunks, twice to show the cycle is stable.
	for round := 0; round < 2; round++ {
		require.NoError(t, s.swapOutOne())
		for i := int64(0); i < 5; i++ {
			chunk, err := s.Get(xid, i)
			require.NoError(t, err)
			require.Equal(t, originals[i], chunk, "chunk %d after round %d", i, round)
		}
	}

	require.NoError(t, s.Remove(xid))
	// Everything returned: the pool holds the configured minimum again.
	require.Equal(t, uint64(4), a.FreeMemoryHint())
}

func TestSwapRespectsPin(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(4, 16, 1))
	s := NewSwapper(a, t.TempDir(), false)
	xid := model.Xid{Usn: 2, Slot: 0, Sequence: 1}
	s.Init(xid)
	for i := 0; i < 4; i++ {
		_, _, err := s.Grow(xid)
		require.NoError(t, err)
	}
	// Pin everything from chunk 1: nothing may spill.
	s.Pin(xid, 1, 3)
	require.NoError(t, s.swapOutOne())
	for i := int64(0); i < 4; i++ {
		sp := s.spaces[xid]
		require.False(t, sp.swapped(i), "chunk %d must stay resident", i)
	}
	require.NoError(t, s.Remove(xid))
}

func TestSwapGetMissingXid(t *testing.T) {
	t.Parallel()
	a := NewArena(testMemoryConfig(2, 4, 0))
	s := NewSwapper(a, t.TempDir(), false)
	_, err := s.Get(model.Xid{Usn: 9}, 0)
	require.Error(t, err)
}
