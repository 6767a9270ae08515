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

package reader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/memory"
	"github.com/olr-project/redoflow/redo/model"
)

// Batch is one contiguous run of logical redo bytes handed to the parser.
// Data is backed by an arena chunk; the consumer must call Release.
type Batch struct {
	Seq       model.Seq
	Offset    uint64 // logical byte offset of Data[0] within the sequence
	Data      []byte
	LastInSeq bool

	chunk []byte
}

// Reader produces the contiguous redo byte stream from a log source in
// strictly increasing (sequence, offset) order. Back-pressure comes from the
// reader's arena quota: filling stalls once the quota is exhausted until the
// parser releases consumed batches.
type Reader struct {
	cfg    *config.ReaderConfig
	arena  *memory.Arena
	dbName string

	out chan *Batch

	mu      sync.Mutex
	ackSeq  model.Seq
	ackOff  uint64
	onSwitch func(model.Seq)

	startSeq model.Seq
	startOff uint64

	compressCopy bool
}

// New builds a reader for the configured source. onSwitch fires once per
// observed log sequence switch.
func New(cfg *config.ReaderConfig, arena *memory.Arena, dbName string, onSwitch func(model.Seq)) *Reader {
	return &Reader{
		cfg:      cfg,
		arena:    arena,
		dbName:   dbName,
		out:      make(chan *Batch, 1),
		onSwitch: onSwitch,
		startSeq: model.Seq(cfg.StartSeq),
	}
}

// SetCompressCopy turns on zstd packing for redo-copy-path mirrors.
func (r *Reader) SetCompressCopy(on bool) { r.compressCopy = on }

// SkipTo positions the reader at a recovered checkpoint: delivery starts at
// the given sequence and logical byte offset.
func (r *Reader) SkipTo(seq model.Seq, off uint64) {
	r.startSeq = seq
	r.startOff = off
}

// Batches is the delivery channel consumed by the parser.
func (r *Reader) Batches() <-chan *Batch { return r.out }

// Release returns a consumed batch's chunk to the arena.
func (r *Reader) Release(b *Batch) error {
	if b.chunk == nil {
		return nil
	}
	chunk := b.chunk
	b.chunk = nil
	return r.arena.Release(memory.ModuleReader, chunk)
}

// AckThrough records the parser's consumed position. Blocks at or below it
// are never re-delivered after a reopen.
func (r *Reader) AckThrough(seq model.Seq, off uint64) {
	r.mu.Lock()
	if seq > r.ackSeq || (seq == r.ackSeq && off > r.ackOff) {
		r.ackSeq, r.ackOff = seq, off
	}
	r.mu.Unlock()
}

// Acked returns the last acknowledged position.
func (r *Reader) Acked() (model.Seq, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackSeq, r.ackOff
}

// Run drives the configured mode until the source is exhausted (batch mode)
// or the context is cancelled.
func (r *Reader) Run(ctx context.Context) error {
	defer close(r.out)
	switch r.cfg.Type {
	case "batch":
		return r.runBatch(ctx)
	case "offline":
		return r.runArchive(ctx)
	case "online":
		return r.runOnline(ctx)
	}
	return cerror.ErrConfigSemantic.GenWithStackByArgs("unknown reader type " + r.cfg.Type)
}

// copyLog mirrors a fully-read log file into redo-copy-path, zstd-packed
// when compression is on.
func (r *Reader) copyLog(path string) {
	if r.cfg.RedoCopyPath == "" {
		return
	}
	src, err := os.Open(path)
	if err != nil {
		log.Warn("redo copy failed", zap.String("file", path), zap.Error(err))
		return
	}
	defer src.Close()
	name := filepath.Join(r.cfg.RedoCopyPath, filepath.Base(path))
	if r.compressCopy {
		name += ".zst"
	}
	dst, err := os.Create(name)
	if err != nil {
		log.Warn("redo copy failed", zap.String("file", name), zap.Error(err))
		return
	}
	defer dst.Close()
	var w io.Writer = dst
	var enc *zstd.Encoder
	if r.compressCopy {
		if enc, err = zstd.NewWriter(dst); err != nil {
			log.Warn("redo copy failed", zap.String("file", name), zap.Error(err))
			return
		}
		w = enc
	}
	if _, err := io.Copy(w, src); err != nil {
		log.Warn("redo copy failed", zap.String("file", name), zap.Error(err))
		return
	}
	if enc != nil {
		_ = enc.Close()
	}
}

func (r *Reader) runBatch(ctx context.Context) error {
	seq := r.startSeq
	for _, path := range r.cfg.RedoLog {
		path = r.mapPath(path)
		fileSeq, err := r.peekSequence(path)
		if err != nil {
			return err
		}
		if fileSeq < seq {
			continue
		}
		if seq != 0 && fileSeq != seq {
			return cerror.ErrRedoSequenceGap.GenWithStackByArgs(uint32(seq), uint32(fileSeq))
		}
		if _, err := r.readFile(ctx, path, fileSeq, false); err != nil {
			return err
		}
		r.copyLog(path)
		seq = fileSeq + 1
		if r.onSwitch != nil {
			r.onSwitch(seq)
		}
	}
	return nil
}

func (r *Reader) runArchive(ctx context.Context) error {
	dir := r.mapPath(r.cfg.RedoLog[0])
	seq := r.startSeq
	if seq == 0 {
		seq = 1
	}
	for {
		path, err := r.waitForSequence(ctx, dir, seq)
		if err != nil {
			return err
		}
		if _, err := r.readFile(ctx, path, seq, false); err != nil {
			return err
		}
		r.copyLog(path)
		seq++
		if r.onSwitch != nil {
			r.onSwitch(seq)
		}
	}
}

func (r *Reader) runOnline(ctx context.Context) error {
	dir := r.mapPath(r.cfg.RedoLog[0])
	seq := r.startSeq
	if seq == 0 {
		var err error
		if seq, err = r.highestSequence(dir); err != nil {
			return err
		}
	}
	for {
		path := r.logPath(dir, seq)
		if _, err := os.Stat(path); err != nil {
			return cerror.ErrRedoMissingLog.GenWithStackByArgs(uint32(seq))
		}
		if _, err := r.readFile(ctx, path, seq, true); err != nil {
			return err
		}
		// readFile returned because the next sequence appeared.
		seq++
		log.Info("log switch", zap.Uint32("sequence", uint32(seq)))
		if r.onSwitch != nil {
			r.onSwitch(seq)
		}
	}
}

// waitForSequence polls the archive directory for the file of seq, sleeping
// archReadSleepUs between rescans, up to archReadTries attempts.
func (r *Reader) waitForSequence(ctx context.Context, dir string, seq model.Seq) (string, error) {
	var path string
	interval := time.Duration(r.cfg.ArchReadSleepUs) * time.Microsecond
	op := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}
		p := r.logPath(dir, seq)
		if _, err := os.Stat(p); err != nil {
			return cerror.ErrRedoMissingLog.GenWithStackByArgs(uint32(seq))
		}
		path = p
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), r.cfg.ArchReadTries)
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return path, nil
}

func (r *Reader) logPath(dir string, seq model.Seq) string {
	return filepath.Join(dir, r.dbName+"_"+strconv.FormatUint(uint64(seq), 10)+".log")
}

func (r *Reader) highestSequence(dir string) (model.Seq, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, cerror.ErrRedoMissingLog.GenWithStackByArgs(0)
	}
	var seqs []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, r.dbName+"_") || !strings.HasSuffix(name, ".log") {
			continue
		}
		mid := strings.TrimSuffix(strings.TrimPrefix(name, r.dbName+"_"), ".log")
		if v, err := strconv.ParseUint(mid, 10, 32); err == nil {
			seqs = append(seqs, v)
		}
	}
	if len(seqs) == 0 {
		return 0, cerror.ErrRedoMissingLog.GenWithStackByArgs(0)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return model.Seq(seqs[len(seqs)-1]), nil
}

func (r *Reader) peekSequence(path string) (model.Seq, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, cerror.ErrRedoMissingLog.GenWithStackByArgs(0)
	}
	defer f.Close()
	var block [BlockSize]byte
	if _, err := io.ReadFull(f, block[:]); err != nil {
		return 0, cerror.ErrRedoBadBlock.GenWithStackByArgs(0, 0)
	}
	seq := model.Seq(uint32(block[offSequence]) | uint32(block[offSequence+1])<<8 |
		uint32(block[offSequence+2])<<16 | uint32(block[offSequence+3])<<24)
	return seq, VerifyBlock(block[:], seq, 0)
}

// readFile streams one log file's payload bytes into arena-backed batches.
// In online mode it keeps polling the hot tail until the next sequence file
// appears, then drains and returns.
func (r *Reader) readFile(ctx context.Context, path string, seq model.Seq, online bool) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, cerror.ErrRedoMissingLog.GenWithStackByArgs(uint32(seq))
	}
	defer f.Close()

	var header [BlockSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		return 0, cerror.ErrRedoBadBlock.GenWithStackByArgs(uint32(seq), 0)
	}
	if err := VerifyBlock(header[:], seq, 0); err != nil {
		return 0, err
	}

	offset := uint64(0)
	blockNo := uint32(1)
	if seq == r.startSeq && r.startOff > 0 {
		blockNo = uint32(r.startOff/BlockDataSize) + 1
		offset = uint64(blockNo-1) * BlockDataSize
	}

	var chunk []byte
	pos := 0
	batchStart := offset
	flush := func(last bool) error {
		if chunk == nil || pos == 0 {
			return nil
		}
		b := &Batch{Seq: seq, Offset: batchStart, Data: chunk[:pos], LastInSeq: last, chunk: chunk}
		chunk = nil
		pos = 0
		select {
		case r.out <- b:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var block [BlockSize]byte
	sleep := time.Duration(r.cfg.RedoReadSleepUs) * time.Microsecond
	for {
		n, err := f.ReadAt(block[:], int64(blockNo)*BlockSize)
		if err == io.EOF && n < BlockSize || n == BlockSize && IsBlank(block[:]) {
			// Torn or unwritten tail.
			if !online {
				return offset, flush(true)
			}
			if next := r.logPath(filepath.Dir(path), seq+1); fileExists(next) {
				return offset, flush(true)
			}
			if err := flush(false); err != nil {
				return offset, err
			}
			select {
			case <-ctx.Done():
				return offset, ctx.Err()
			case <-time.After(sleep):
			}
			continue
		}
		if err != nil && err != io.EOF {
			return offset, cerror.ErrRedoBadBlock.GenWithStackByArgs(uint32(seq), blockNo)
		}
		if err := VerifyBlock(block[:], seq, blockNo); err != nil {
			return offset, err
		}

		data := block[BlockHeaderSize:]
		if skip := r.skipWithin(seq, offset); skip > 0 {
			data = data[skip:]
			offset += uint64(skip)
		}
		for len(data) > 0 {
			if chunk == nil {
				if chunk, err = r.arena.Acquire(memory.ModuleReader, false); err != nil {
					return offset, err
				}
				batchStart = offset
			}
			n := copy(chunk[pos:], data)
			pos += n
			offset += uint64(n)
			data = data[n:]
			if pos == memory.ChunkSize {
				if err := flush(false); err != nil {
					return offset, err
				}
			}
		}
		blockNo++
	}
}

// skipWithin returns how many bytes of the current position fall below the
// configured start offset, for partial-block resume.
func (r *Reader) skipWithin(seq model.Seq, offset uint64) int {
	if seq != r.startSeq || offset >= r.startOff {
		return 0
	}
	skip := r.startOff - offset
	if skip > BlockDataSize {
		skip = BlockDataSize
	}
	return int(skip)
}

func (r *Reader) mapPath(path string) string {
	for i := 0; i+1 < len(r.cfg.PathMapping); i += 2 {
		if strings.HasPrefix(path, r.cfg.PathMapping[i]) {
			return r.cfg.PathMapping[i+1] + strings.TrimPrefix(path, r.cfg.PathMapping[i])
		}
	}
	return path
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
