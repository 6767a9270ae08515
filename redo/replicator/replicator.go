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

// Package replicator wires the redo pipeline and supervises its goroutines:
// reader, parser, swap worker, checkpoint keeper and one writer per target.
package replicator

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pingcap/log"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/olr-project/redoflow/pkg/config"
	cerror "github.com/olr-project/redoflow/pkg/errors"
	"github.com/olr-project/redoflow/redo/builder"
	"github.com/olr-project/redoflow/redo/checkpoint"
	"github.com/olr-project/redoflow/redo/lob"
	"github.com/olr-project/redoflow/redo/memory"
	"github.com/olr-project/redoflow/redo/metrics"
	"github.com/olr-project/redoflow/redo/model"
	"github.com/olr-project/redoflow/redo/parser"
	"github.com/olr-project/redoflow/redo/reader"
	"github.com/olr-project/redoflow/redo/schema"
	"github.com/olr-project/redoflow/redo/sink"
	"github.com/olr-project/redoflow/redo/transaction"
)

const reloadTick = 5 * time.Second

// Replicator owns the assembled pipeline of one source/target pair.
type Replicator struct {
	cfg        *config.Config
	configPath string

	arena   *memory.Arena
	swapper *memory.Swapper
	rd      *reader.Reader
	cache   *schema.Cache
	lobs    *lob.Assembler
	buffer  *transaction.Buffer
	queue   *builder.Queue
	bld     *builder.Builder
	prs     *parser.Parser
	keeper  *checkpoint.Keeper
	store   checkpoint.Store
	runner  *sink.Runner

	softCancel context.CancelFunc
	hardCancel context.CancelFunc

	mu       sync.Mutex
	softDown bool
	hardDown bool

	restoredLwnIdx uint64

	// debug stop counters
	switchesLeft     uint64
	checkpointsLeft  uint64
	transactionsLeft uint64
}

// New assembles the pipeline from a validated config.
func New(cfg *config.Config, configPath string) (*Replicator, error) {
	src := cfg.Source[0]
	tgt := cfg.Target[0]

	r := &Replicator{
		cfg:              cfg,
		configPath:       configPath,
		switchesLeft:     src.Debug.StopLogSwitches,
		checkpointsLeft:  src.Debug.StopCheckpoints,
		transactionsLeft: src.Debug.StopTransactions,
	}

	r.arena = memory.NewArena(&src.Memory)
	r.swapper = memory.NewSwapper(r.arena, src.Memory.SwapPath,
		src.Flags&config.FlagKeepSwapFiles != 0)

	r.cache = schema.NewCache(src.Flags&config.FlagAdaptiveSchema != 0)
	r.cache.SetFilter(filterRules(&src.Filter))
	r.lobs = lob.NewAssembler()

	skip, err := parseXidList(src.Filter.SkipXid)
	if err != nil {
		return nil, err
	}
	dump, err := parseXidList(src.Filter.DumpXid)
	if err != nil {
		return nil, err
	}
	r.buffer = transaction.NewBuffer(r.swapper, src.TransactionMaxMb, skip, dump)

	r.queue, err = builder.NewQueue(r.arena, src.Format.FlushBuffer, tgt.Writer.MaxMessageMb)
	if err != nil {
		return nil, err
	}
	policy := parser.UnknownQuestionMark
	if src.Format.Unknown == 1 {
		policy = parser.UnknownDump
	}
	r.bld = builder.New(r.queue, builder.OptionsFromConfig(src.Name, &src.Format), nil, policy)
	if len(src.Filter.DumpXid) > 0 {
		path := cfg.DumpPath
		if path == "" {
			path = "."
		}
		f, err := os.OpenFile(path+"/dump-"+src.Name+".out",
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cerror.ErrStateOpen.GenWithStackByArgs(err.Error())
		}
		r.bld.SetDumpStream(f)
	}

	r.rd = reader.New(&src.Reader, r.arena, src.Name, r.onLogSwitch)
	r.rd.SetCompressCopy(src.Flags&config.FlagCompressArchiveCopy != 0)

	r.store, err = checkpoint.NewStore(src.State.Type, src.State.Path)
	if err != nil {
		return nil, err
	}
	r.keeper = checkpoint.NewKeeper(r.store, &src.State, src.Name, clock.New())
	r.bld.SetEmitHook(r.keeper.AddBytes)

	out, err := sink.NewOutput(&tgt.Writer)
	if err != nil {
		return nil, err
	}
	r.runner = sink.NewRunner(tgt.Alias, r.queue, out, &tgt.Writer)

	startScn, err := r.recover(src)
	if err != nil {
		return nil, err
	}

	r.prs = parser.New(r.rd, r.buffer, r.lobs, r.cache, r.bld, startScn, parser.Hooks{
		OnLwn:              r.onLwn,
		OnCheckpointVector: r.onCheckpointVector,
		OnTransaction:      r.onTransaction,
	})

	r.keeper.Bind(
		func() ([]byte, string, error) {
			snap, err := r.cache.Dump()
			if err != nil {
				return nil, "", err
			}
			return snap, r.cache.Digest(), nil
		},
		r.openXids,
		r.runner.ConfirmedScn,
		r.onCheckpointTaken,
		r.StopSoft,
	)
	return r, nil
}

// recover restores schema and position from the newest checkpoint. Returns
// the SCN below which output is suppressed during catch-up.
func (r *Replicator) recover(src *config.SourceConfig) (model.Scn, error) {
	rec, err := r.keeper.Recover()
	if err != nil {
		return 0, err
	}
	if rec == nil {
		log.Info("no checkpoint found, starting fresh",
			zap.Uint64("startScn", src.Reader.StartScn))
		return model.Scn(src.Reader.StartScn), nil
	}
	snap := rec.Schema
	if snap == nil {
		if snap, err = r.keeper.RecoverSchema(); err != nil {
			return 0, err
		}
	}
	if snap != nil {
		if err := r.cache.Load(snap); err != nil {
			return 0, err
		}
	}
	// Rewind to the earliest open transaction so its early vectors are
	// re-read; output below the confirmed SCN is suppressed.
	seq, off, idx := rec.Seq, rec.Offset, rec.LwnIdx
	for _, open := range rec.OpenXids {
		if open.Seq < seq || (open.Seq == seq && open.Offset < off) {
			seq, off, idx = open.Seq, open.Offset, open.LwnIdx
		}
	}
	r.rd.SkipTo(seq, off)
	log.Info("resuming from checkpoint",
		zap.Uint64("scn", uint64(rec.Scn)),
		zap.Uint64("lastCommitScn", uint64(rec.LastCommitScn)),
		zap.Uint32("sequence", uint32(seq)),
		zap.Uint64("offset", off))
	r.restoredLwnIdx = idx
	return rec.LastCommitScn, nil
}

// Run drives the pipeline until completion (batch source), a debug stop, a
// fatal error or shutdown.
func (r *Replicator) Run(ctx context.Context) error {
	ctx, hardCancel := context.WithCancel(ctx)
	r.hardCancel = hardCancel
	readerCtx, softCancel := context.WithCancel(ctx)
	r.softCancel = softCancel
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	r.prs.RestoreLwnIdx(r.restoredLwnIdx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := r.rd.Run(readerCtx)
		if err != nil && (cerror.IsContextCanceled(err) || readerCtx.Err() != nil) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := r.prs.Run(gctx)
		if err != nil && cerror.IsContextCanceled(err) && r.isSoftDown() {
			err = nil
		}
		// Whatever the outcome, unwind the rest of the pipeline: stop the
		// reader, the background workers and the output ring. The writers
		// drain what is already published before they exit.
		softCancel()
		workerCancel()
		r.queue.Shutdown()
		return err
	})

	// A failing goroutine cancels gctx; wake anything suspended on the
	// arena or the ring so the group can unwind.
	go func() {
		<-gctx.Done()
		r.arena.Shutdown()
		r.queue.Shutdown()
	}()

	g.Go(func() error {
		err := r.swapper.Run(workerCtx)
		if cerror.IsContextCanceled(err) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := r.keeper.Run(workerCtx)
		if cerror.IsContextCanceled(err) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := r.runner.Run(gctx)
		if err != nil && cerror.IsContextCanceled(err) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		r.watchConfig(workerCtx)
		return nil
	})

	if bind := r.cfg.Source[0].Metrics.Bind; bind != "" {
		g.Go(func() error { return r.serveMetrics(workerCtx, bind) })
	}

	err := g.Wait()
	if err == nil {
		r.mu.Lock()
		hard := r.hardDown
		r.mu.Unlock()
		if !hard {
			// Writers have confirmed everything they were handed; the final
			// checkpoint fences exactly the delivered output.
			err = r.keeper.TakeFinal()
		}
	}
	r.arena.Shutdown()
	closeErr := r.store.Close()
	return multierr.Append(err, closeErr)
}

// StopSoft drains through the last committed SCN, writes one final
// checkpoint, then lets everything wind down.
func (r *Replicator) StopSoft() {
	r.mu.Lock()
	already := r.softDown
	r.softDown = true
	r.mu.Unlock()
	if already {
		return
	}
	log.Info("soft shutdown requested")
	if r.softCancel != nil {
		r.softCancel()
	}
}

// StopHard aborts in-flight work: all condition variables wake, partial
// messages are discarded.
func (r *Replicator) StopHard() {
	r.mu.Lock()
	already := r.hardDown
	r.hardDown = true
	r.softDown = true
	r.mu.Unlock()
	if already {
		return
	}
	log.Info("hard shutdown requested")
	r.queue.AbortMessage()
	r.queue.Shutdown()
	r.arena.Shutdown()
	if r.hardCancel != nil {
		r.hardCancel()
	}
}

func (r *Replicator) isSoftDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.softDown
}

// onLwn feeds checkpoint triggers from parser progress.
func (r *Replicator) onLwn(lwnScn model.Scn, seq model.Seq, offset uint64, lwnIdx uint64) {
	r.keeper.Offer(lwnScn, seq, offset, lwnIdx, false)
}

// onCheckpointVector forces a checkpoint for explicit markers in the log.
// A fence message makes the writers flush up to this point first.
func (r *Replicator) onCheckpointVector(scn model.Scn, seq model.Seq, offset uint64) {
	if err := r.bld.Checkpoint(scn, seq, offset); err != nil {
		log.Warn("checkpoint fence message failed", zap.Error(err))
	}
	r.keeper.Offer(scn, seq, offset, r.prs.LwnIdx(), true)
}

func (r *Replicator) onLogSwitch(seq model.Seq) {
	metrics.LogSwitches.Inc()
	r.keeper.ForceNext()
	r.mu.Lock()
	stop := false
	if r.switchesLeft > 0 {
		r.switchesLeft--
		stop = r.switchesLeft == 0
	}
	r.mu.Unlock()
	if stop {
		log.Info("debug stop-log-switches reached, stopping")
		r.StopSoft()
	}
}

// onTransaction counts surfaced commits for the debug stop; false stops.
func (r *Replicator) onTransaction() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transactionsLeft == 0 {
		return true
	}
	r.transactionsLeft--
	return r.transactionsLeft != 0
}

// onCheckpointTaken counts checkpoints for the debug stop; false stops.
func (r *Replicator) onCheckpointTaken() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.checkpointsLeft == 0 {
		return true
	}
	r.checkpointsLeft--
	return r.checkpointsLeft != 0
}

func (r *Replicator) openXids() []checkpoint.OpenXid {
	txs := r.buffer.OpenXids()
	out := make([]checkpoint.OpenXid, 0, len(txs))
	for _, tx := range txs {
		out = append(out, checkpoint.OpenXid{
			Xid:      tx.Xid.String(),
			FirstScn: tx.FirstScn,
			Seq:      tx.StartSeq,
			Offset:   tx.StartOffset,
			LwnIdx:   tx.StartLwnIdx,
		})
	}
	return out
}

// watchConfig stats the config file once per tick and re-applies only the
// filter and debug sections on a change; everything else needs a restart.
func (r *Replicator) watchConfig(ctx context.Context) {
	fi, err := os.Stat(r.configPath)
	if err != nil {
		return
	}
	lastMod := fi.ModTime()
	ticker := time.NewTicker(reloadTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fi, err := os.Stat(r.configPath)
		if err != nil || !fi.ModTime().After(lastMod) {
			continue
		}
		lastMod = fi.ModTime()
		fresh, err := config.Load(r.configPath)
		if err != nil {
			// Runtime reload failures keep the old config.
			log.Warn("config reload failed, keeping previous config", zap.Error(err))
			continue
		}
		src := fresh.Source[0]
		r.cache.SetFilter(filterRules(&src.Filter))
		r.mu.Lock()
		r.switchesLeft = src.Debug.StopLogSwitches
		r.checkpointsLeft = src.Debug.StopCheckpoints
		r.transactionsLeft = src.Debug.StopTransactions
		r.mu.Unlock()
		log.Info("config reloaded", zap.Int("tableFilters", len(src.Filter.Table)))
	}
}

func (r *Replicator) serveMetrics(ctx context.Context, bind string) error {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return cerror.ErrConfigSemantic.GenWithStackByArgs("metrics bind: " + err.Error())
	}
	srv := &http.Server{Handler: metrics.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func filterRules(f *config.FilterConfig) [][3]string {
	rules := make([][3]string, 0, len(f.Table))
	for _, t := range f.Table {
		rules = append(rules, [3]string{t.Owner, t.Table, t.Tag})
	}
	return rules
}

func parseXidList(list []string) ([]model.Xid, error) {
	out := make([]model.Xid, 0, len(list))
	for _, s := range list {
		xid, err := model.ParseXid(s)
		if err != nil {
			return nil, cerror.ErrConfigSemantic.GenWithStackByArgs(err.Error())
		}
		out = append(out, xid)
	}
	return out, nil
}
