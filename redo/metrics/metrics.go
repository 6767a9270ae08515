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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every replicator collector.
var Registry = prometheus.NewRegistry()

// Memory gauges, all in megabytes.
var (
	MemoryAllocatedMb = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redoflow",
		Subsystem: "memory",
		Name:      "allocated_mb",
		Help:      "Arena chunks currently allocated from the OS.",
	})
	MemoryUsedTotalMb = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redoflow",
		Subsystem: "memory",
		Name:      "used_total_mb",
		Help:      "Arena chunks currently handed out.",
	})
	MemoryUsedModuleMb = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "redoflow",
		Subsystem: "memory",
		Name:      "used_module_mb",
		Help:      "Arena chunks handed out per module.",
	}, []string{"module"})
	SwappedMb = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "redoflow",
		Subsystem: "memory",
		Name:      "swapped_mb",
		Help:      "Transaction chunks currently spilled to disk.",
	})
)

// Pipeline counters.
var (
	TransactionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "transactions_committed_total",
		Help:      "Committed transactions replayed to the output.",
	})
	TransactionsRolledBack = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "transactions_rolled_back_total",
		Help:      "Rolled back transactions discarded.",
	})
	TransactionsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "transactions_skipped_total",
		Help:      "Transactions dropped by skip list or size limit.",
	})
	MessagesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "messages_emitted_total",
		Help:      "Messages handed to writers.",
	})
	MessagesConfirmed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "messages_confirmed_total",
		Help:      "Messages confirmed by writers.",
	})
	BytesEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "bytes_emitted_total",
		Help:      "Payload bytes handed to writers.",
	})
	BytesParsed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "bytes_parsed_total",
		Help:      "Redo bytes consumed by the parser.",
	})
	CheckpointsTaken = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "checkpoints_total",
		Help:      "Checkpoint records written.",
	})
	LogSwitches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "log_switches_total",
		Help:      "Redo log sequence switches observed.",
	})
	RecoverableErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "redoflow",
		Name:      "recoverable_errors_total",
		Help:      "Per-record anomalies replaced per policy and skipped.",
	}, []string{"kind"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		MemoryAllocatedMb, MemoryUsedTotalMb, MemoryUsedModuleMb, SwappedMb,
		TransactionsCommitted, TransactionsRolledBack, TransactionsSkipped,
		MessagesEmitted, MessagesConfirmed, BytesEmitted, BytesParsed,
		CheckpointsTaken, LogSwitches, RecoverableErrors,
	)
}

// Handler serves the registry over HTTP for the metrics.bind endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
