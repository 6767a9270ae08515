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

package parser

import (
	"context"
	"errors"

	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/reader"
)

// errStreamEnd marks a clean end of input: the reader channel closed on an
// LWN boundary.
var errStreamEnd = errors.New("redo stream end")

// stream stitches reader batches into a contiguous byte view. Reads that
// cross a batch border are copied into a scratch buffer; everything else
// aliases the batch chunk. A read never crosses a sequence boundary.
type stream struct {
	ctx context.Context
	rd  *reader.Reader

	cur *reader.Batch
	pos int

	seq      model.Seq
	off      uint64 // logical offset of the next unread byte
	ackedOff uint64

	scratch []byte
}

func newStream(ctx context.Context, rd *reader.Reader) *stream {
	return &stream{ctx: ctx, rd: rd}
}

// fetch pulls the next batch, releasing the consumed one. atBoundary
// reports whether running out of input is a clean end.
func (s *stream) fetch(atBoundary bool) error {
	if s.cur != nil {
		if err := s.rd.Release(s.cur); err != nil {
			return err
		}
		s.cur = nil
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case b, ok := <-s.rd.Batches():
		if !ok {
			if atBoundary {
				return errStreamEnd
			}
			return cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
		}
		if b.Seq != s.seq {
			if !atBoundary && s.seq != 0 {
				return cerror.ErrRedoSequenceGap.GenWithStackByArgs(uint32(s.seq), uint32(b.Seq))
			}
			s.seq = b.Seq
			s.off = b.Offset
			s.ackedOff = b.Offset
		}
		s.cur = b
		s.pos = 0
		return nil
	}
}

// skipPadding discards the zero filler the block packing leaves at the tail
// of a sequence, so the next read lands on a real LWN header (whose magic
// never starts with a zero byte).
func (s *stream) skipPadding() error {
	for {
		if s.cur == nil || s.pos == len(s.cur.Data) {
			if err := s.fetch(true); err != nil {
				return err
			}
		}
		rest := s.cur.Data[s.pos:]
		allZero := true
		for _, b := range rest {
			if b != 0 {
				allZero = false
				break
			}
		}
		if !allZero {
			return nil
		}
		s.off += uint64(len(rest))
		s.pos = len(s.cur.Data)
	}
}

// read returns exactly n contiguous bytes. The first read of a record group
// may end the stream cleanly; continuation reads may not.
func (s *stream) read(n int) ([]byte, error) {
	atBoundary := true
	for {
		if s.cur == nil || s.pos == len(s.cur.Data) {
			if err := s.fetch(atBoundary); err != nil {
				return nil, err
			}
		}
		if len(s.cur.Data)-s.pos >= n {
			if s.scratch == nil {
				out := s.cur.Data[s.pos : s.pos+n]
				s.pos += n
				s.off += uint64(n)
				return out, nil
			}
			s.scratch = append(s.scratch, s.cur.Data[s.pos:s.pos+n]...)
			s.pos += n
			s.off += uint64(n)
			out := s.scratch
			s.scratch = nil
			return out, nil
		}
		// Partial: copy what is left and continue into the next batch.
		if s.scratch == nil {
			s.scratch = make([]byte, 0, n)
		}
		take := len(s.cur.Data) - s.pos
		n -= take
		s.scratch = append(s.scratch, s.cur.Data[s.pos:]...)
		s.pos += take
		s.off += uint64(take)
		atBoundary = false
	}
}

// readVector reads one encoded change vector off the stream: its fixed
// header first, then the payload the header declares.
func (s *stream) readVector() (*model.ChangeVector, error) {
	sizeBuf, err := s.read(4)
	if err != nil {
		if err == errStreamEnd {
			return nil, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
		}
		return nil, err
	}
	size := int(uint32(sizeBuf[0]) | uint32(sizeBuf[1])<<8 | uint32(sizeBuf[2])<<16 | uint32(sizeBuf[3])<<24)
	body, err := s.read(size)
	if err != nil {
		if err == errStreamEnd {
			return nil, cerror.ErrRedoTruncatedRecord.GenWithStackByArgs(0)
		}
		return nil, err
	}
	vec, _, err := model.DecodeChangeVector(body)
	return vec, err
}
