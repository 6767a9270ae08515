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

// Package sink drains the output ring into the configured transport and
// confirms delivered messages back to the builder.
package sink

import (
	"context"
	"time"

	"github.com/edwingeng/deque"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
	"github.com/olr-project/redoflow/redo/model"
)

// Output is one transport behind the runner: file, kafka, zeromq, network
// or discard.
type Output interface {
	Write(m *builder.Message) error
	Flush() error
	Close() error
}

// NewOutput builds the configured transport.
func NewOutput(cfg *config.WriterConfig) (Output, error) {
	switch cfg.Type {
	case "file":
		return newFileOutput(cfg)
	case "discard":
		return discardOutput{}, nil
	case "kafka":
		return newKafkaOutput(cfg)
	case "zeromq":
		return newZeromqOutput(cfg)
	case "network":
		return newNetworkOutput(cfg)
	}
	return nil, cerror.ErrConfigSemantic.GenWithStackByArgs("unknown writer type " + cfg.Type)
}

// Runner polls the ring, writes data messages and keeps the confirm
// protocol: a message is confirmed once the transport flushed it; the
// confirmed commit SCN fences checkpoints.
type Runner struct {
	alias string
	queue *builder.Queue
	out   Output

	pollInterval time.Duration
	queueSize    int

	pending      deque.Deque
	confirmedScn atomic.Uint64
}

// NewRunner wires a writer over the ring.
func NewRunner(alias string, queue *builder.Queue, out Output, cfg *config.WriterConfig) *Runner {
	return &Runner{
		alias:        alias,
		queue:        queue,
		out:          out,
		pollInterval: time.Duration(cfg.PollIntervalUs) * time.Microsecond,
		queueSize:    int(cfg.QueueSize),
		pending:      deque.NewDeque(),
	}
}

// ConfirmedScn is the commit SCN of the last flushed message; the
// checkpoint keeper never claims output beyond it.
func (r *Runner) ConfirmedScn() model.Scn {
	return model.Scn(r.confirmedScn.Load())
}

// Run drains the ring until shutdown. Partial messages never surface here;
// the ring publishes whole messages only.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		if err := r.flushPending(); err != nil {
			log.Warn("writer flush on exit failed", zap.String("writer", r.alias), zap.Error(err))
		}
		if err := r.out.Close(); err != nil {
			log.Warn("writer close failed", zap.String("writer", r.alias), zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		m, err := r.queue.Poll(r.pollInterval)
		if err != nil {
			// Queue shutdown: drain is complete.
			return nil
		}
		if m == nil {
			if err := r.flushPending(); err != nil {
				return err
			}
			continue
		}
		if m.IsCheckpoint() {
			// Fence message: not forwarded, flush ahead of it then confirm.
			if err := r.flushPending(); err != nil {
				return err
			}
			if err := r.queue.Confirm(m); err != nil {
				return err
			}
			continue
		}
		if err := r.out.Write(m); err != nil {
			return cerror.ErrWriterStopped.GenWithStackByArgs(r.alias, err.Error())
		}
		r.pending.PushBack(m)
		if r.pending.Len() >= r.queueSize {
			if err := r.flushPending(); err != nil {
				return err
			}
		}
	}
}

// flushPending pushes buffered output to the transport and confirms every
// written message in order.
func (r *Runner) flushPending() error {
	if r.pending.Empty() {
		return nil
	}
	if err := r.out.Flush(); err != nil {
		return cerror.ErrWriterStopped.GenWithStackByArgs(r.alias, err.Error())
	}
	for !r.pending.Empty() {
		m := r.pending.PopFront().(*builder.Message)
		if err := r.queue.Confirm(m); err != nil {
			return err
		}
		if uint64(m.Scn) > r.confirmedScn.Load() {
			r.confirmedScn.Store(uint64(m.Scn))
		}
	}
	return nil
}

// discardOutput drops everything, for benchmarking and tests.
type discardOutput struct{}

func (discardOutput) Write(*builder.Message) error { return nil }
func (discardOutput) Flush() error                 { return nil }
func (discardOutput) Close() error                 { return nil }
