// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"time"

	"github.com/novatechflow/marketlog/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marketlog"

var (
	RecordsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_appended_total",
			Help:      "Records appended to a log partition.",
		},
		[]string{"log", "partition"},
	)
	BytesAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_appended_total",
			Help:      "Bytes appended to log data files.",
		},
		[]string{"log"},
	)
	Rotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rotations_total",
			Help:      "Data file rotations.",
		},
		[]string{"log", "partition"},
	)
	Reindexes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reindexed_files_total",
			Help:      "Index files rebuilt from data files.",
		},
		[]string{"log", "partition"},
	)
	ArchiveOps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_op_latency_ms",
			Help:      "Object store latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"op", "result"},
	)
	GapsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gaps_detected_total",
			Help:      "Sequence gaps seen on the live feed.",
		},
		[]string{"stream"},
	)
	BackfillRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backfill_records_total",
			Help:      "Records backfilled from durable storage by result.",
		},
		[]string{"stream", "result"},
	)
	DuplicatesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_dropped_total",
			Help:      "Live records at or below the last processed id.",
		},
		[]string{"stream"},
	)
	LastProcessedID = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_id",
			Help:      "Last id yielded by a consistent consumer.",
		},
		[]string{"stream"},
	)
	Emitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emitted_total",
			Help:      "Unified records emitted by pipelines.",
		},
		[]string{"pipeline", "symbol"},
	)
	HolesConfirmed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "holes_confirmed_total",
			Help:      "Venue id holes accepted after confirmation.",
		},
		[]string{"pipeline", "symbol"},
	)
	PipelineRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_restarts_total",
			Help:      "Pipeline restarts after a failure.",
		},
		[]string{"pipeline"},
	)
	CheckpointCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commits_total",
			Help:      "Checkpoint flushes by result.",
		},
		[]string{"pipeline", "result"},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total errors by stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		RecordsAppended,
		BytesAppended,
		Rotations,
		Reindexes,
		ArchiveOps,
		GapsDetected,
		BackfillRecords,
		DuplicatesDropped,
		LastProcessedID,
		Emitted,
		HolesConfirmed,
		PipelineRestarts,
		CheckpointCommits,
		ErrorsTotal,
	)
}

// InstrumentLog wires the storage hooks of cfg to the log counters. Existing
// hooks are kept and called first.
func InstrumentLog(name string, cfg *storage.LogConfig) {
	onAppend, onRotate, onReindex := cfg.OnAppend, cfg.OnRotate, cfg.OnReindex
	cfg.OnAppend = func(partition string, records int, bytes int) {
		if onAppend != nil {
			onAppend(partition, records, bytes)
		}
		RecordsAppended.WithLabelValues(name, partition).Add(float64(records))
		BytesAppended.WithLabelValues(name).Add(float64(bytes))
	}
	cfg.OnRotate = func(partition string, sealed storage.SealedFile) {
		if onRotate != nil {
			onRotate(partition, sealed)
		}
		Rotations.WithLabelValues(name, partition).Inc()
	}
	cfg.OnReindex = func(partition string, files int) {
		if onReindex != nil {
			onReindex(partition, files)
		}
		Reindexes.WithLabelValues(name, partition).Add(float64(files))
	}
}

// ObserveArchiveOp matches storage.ArchiverConfig.OnOp.
func ObserveArchiveOp(op string, latency time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		ErrorsTotal.WithLabelValues("archive_" + op).Inc()
	}
	ArchiveOps.WithLabelValues(op, result).Observe(float64(latency.Milliseconds()))
}
