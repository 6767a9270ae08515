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

	"github.com/dustin/go-humanize"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/metrics"
)

// ChunkSize is the fixed allocation unit of the arena.
const (
	ChunkSize   = 1 << 20
	ChunkSizeMb = ChunkSize >> 20
)

// Module identifies the arena quota a chunk is charged to.
type Module int

// Arena modules, in the order their quotas are accounted.
const (
	ModuleBuilder Module = iota
	ModuleParser
	ModuleReader
	ModuleTransactions
	moduleCount
)

var moduleNames = [moduleCount]string{"builder", "parser", "reader", "transaction"}

func (m Module) String() string { return moduleNames[m] }

// Arena is a fixed-size chunk allocator with per-module quotas. A module at
// or above its minimum steals from the shared pool guarded by the other
// modules' minima; when the pool and the OS budget are both exhausted the
// caller suspends until a release.
type Arena struct {
	mu   sync.Mutex
	cond *sync.Cond

	free      [][]byte
	allocated uint64
	hwm       uint64

	chunksMin      uint64
	chunksMax      uint64
	chunksSwap     uint64
	readBufferMin  uint64
	readBufferMax  uint64
	writeBufferMin uint64
	writeBufferMax uint64
	unswapMin      uint64

	moduleAllocated [moduleCount]uint64
	moduleHWM       [moduleCount]uint64

	outOfMemoryParser bool
	hintShown         bool
	shutdown          bool
}

// NewArena sizes the arena from the memory config and pre-allocates the
// minimum chunk count.
func NewArena(cfg *config.MemoryConfig) *Arena {
	a := &Arena{
		chunksMin:      cfg.MinMb / ChunkSizeMb,
		chunksMax:      cfg.MaxMb / ChunkSizeMb,
		chunksSwap:     cfg.SwapMb / ChunkSizeMb,
		readBufferMin:  cfg.ReadBufferMinMb / ChunkSizeMb,
		readBufferMax:  cfg.ReadBufferMaxMb / ChunkSizeMb,
		writeBufferMin: cfg.WriteBufferMinMb / ChunkSizeMb,
		writeBufferMax: cfg.WriteBufferMaxMb / ChunkSizeMb,
		unswapMin:      cfg.UnswapBufferMinMb / ChunkSizeMb,
	}
	a.cond = sync.NewCond(&a.mu)
	a.free = make([][]byte, 0, a.chunksMin)
	for i := uint64(0); i < a.chunksMin; i++ {
		a.free = append(a.free, make([]byte, ChunkSize))
	}
	a.allocated = a.chunksMin
	a.hwm = a.chunksMin
	metrics.MemoryAllocatedMb.Set(float64(a.allocated * ChunkSizeMb))
	log.Info("memory arena initialized",
		zap.String("min", humanize.IBytes(a.chunksMin*ChunkSize)),
		zap.String("max", humanize.IBytes(a.chunksMax*ChunkSize)),
		zap.String("swapThreshold", humanize.IBytes(a.chunksSwap*ChunkSize)))
	return a
}

// Shutdown wakes every suspended caller; pending and future Acquire calls
// fail with a shutdown error.
func (a *Arena) Shutdown() {
	a.mu.Lock()
	a.shutdown = true
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Wake pokes callers suspended on the memory condition without changing
// state. The swap worker calls it after freeing chunks.
func (a *Arena) Wake() {
	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// Acquire returns one chunk charged to module, suspending under memory
// pressure. unswap must be true only for the swap worker paging a chunk back
// in; it lets the call dip into the unswap reserve.
func (a *Arena) Acquire(module Module, unswap bool) ([]byte, error) {
	a.mu.Lock()
	for {
		if a.shutdown {
			a.mu.Unlock()
			return nil, cerror.ErrShutdownDuringAlloc.GenWithStackByArgs()
		}
		// A module below its own minimum always succeeds.
		if module == ModuleReader && a.moduleAllocated[ModuleReader] < a.readBufferMin {
			break
		}
		if module == ModuleBuilder && a.moduleAllocated[ModuleBuilder] < a.writeBufferMin {
			break
		}

		// The shared pool is guarded by the shortfalls of the reserved
		// modules plus the unswap reserve.
		reserved := uint64(0)
		if a.moduleAllocated[ModuleReader] < a.readBufferMin {
			reserved += a.readBufferMin - a.moduleAllocated[ModuleReader]
		}
		if a.moduleAllocated[ModuleBuilder] < a.writeBufferMin {
			reserved += a.writeBufferMin - a.moduleAllocated[ModuleBuilder]
		}
		if !unswap {
			reserved += a.unswapMin
		}

		if module != ModuleBuilder || a.moduleAllocated[ModuleBuilder] < a.writeBufferMax {
			if uint64(len(a.free)) > reserved {
				break
			}
			if a.allocated < a.chunksMax {
				a.free = append(a.free, make([]byte, ChunkSize))
				a.allocated++
				if a.allocated > a.hwm {
					a.hwm = a.allocated
				}
				metrics.MemoryAllocatedMb.Set(float64(a.allocated * ChunkSizeMb))
				break
			}
		}

		if module == ModuleParser {
			a.outOfMemoryParser = true
		}
		a.cond.Wait()
	}

	if module == ModuleParser {
		a.outOfMemoryParser = false
	}
	chunk := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	a.moduleAllocated[module]++
	if a.moduleAllocated[module] > a.moduleHWM[module] {
		a.moduleHWM[module] = a.moduleAllocated[module]
	}
	used := a.allocated - uint64(len(a.free))
	moduleUsed := a.moduleAllocated[module]
	a.mu.Unlock()

	metrics.MemoryUsedTotalMb.Set(float64(used * ChunkSizeMb))
	metrics.MemoryUsedModuleMb.WithLabelValues(module.String()).
		Set(float64(moduleUsed * ChunkSizeMb))
	return chunk, nil
}

// Release returns chunk to the pool. Chunks above the configured minimum are
// given back to the OS.
func (a *Arena) Release(module Module, chunk []byte) error {
	a.mu.Lock()
	if uint64(len(a.free)) == a.allocated {
		a.mu.Unlock()
		return cerror.ErrFreeUnknownChunk.GenWithStackByArgs(module.String())
	}
	if uint64(len(a.free)) >= a.chunksMin {
		a.allocated--
		metrics.MemoryAllocatedMb.Set(float64(a.allocated * ChunkSizeMb))
	} else {
		a.free = append(a.free, chunk[:ChunkSize])
	}
	a.moduleAllocated[module]--
	used := a.allocated - uint64(len(a.free))
	moduleUsed := a.moduleAllocated[module]
	a.cond.Broadcast()
	a.mu.Unlock()

	metrics.MemoryUsedTotalMb.Set(float64(used * ChunkSizeMb))
	metrics.MemoryUsedModuleMb.WithLabelValues(module.String()).
		Set(float64(moduleUsed * ChunkSizeMb))
	return nil
}

// OverSwapThreshold reports whether enough chunks are in use to justify
// spilling transactions to disk.
func (a *Arena) OverSwapThreshold() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunksSwap > 0 && a.allocated-uint64(len(a.free)) >= a.chunksSwap
}

// FreeMemoryHint returns the currently idle arena memory in megabytes.
func (a *Arena) FreeMemoryHint() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint64(len(a.free)) * ChunkSizeMb
}

// HighWaterMarkMb returns the allocation high-water mark in megabytes.
func (a *Arena) HighWaterMarkMb() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hwm * ChunkSizeMb
}

// WontSwap upgrades a stuck parser allocation to a fatal error: the parser
// is out of memory, nothing remains to swap and the builder already sits at
// its minimum. One hint round is granted before the error.
func (a *Arena) WontSwap() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.outOfMemoryParser {
		return nil
	}
	if a.moduleAllocated[ModuleBuilder] > a.writeBufferMin {
		return nil
	}
	if !a.hintShown {
		a.hintShown = true
		log.Warn("try to restart with higher value of 'memory.max-mb' parameter " +
			"or if big transaction - add to 'skip-xid' list; transaction would be skipped")
		if a.moduleAllocated[ModuleReader] > 5 {
			log.Warn("amount of disk buffer is too high, try to decrease 'memory.read-buffer-max-mb'",
				zap.Uint64("currentUtilizationMb", a.moduleAllocated[ModuleReader]*ChunkSizeMb))
		}
		return nil
	}
	return cerror.ErrOutOfMemory.GenWithStackByArgs()
}
