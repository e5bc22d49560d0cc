// Copyright (c) 2026 John Earle
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

// Package metrics holds the Prometheus collectors for the alert pipeline.
// Collectors live on a package registry and are served by Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Record outcomes.
const (
	OutcomeNovel      = "novel"
	OutcomeRepeated   = "repeated"
	OutcomeNoURL      = "no_url"
	OutcomeUnresolved = "unresolved"
	OutcomeStoreError = "store_error"
)

var (
	registry          = prometheus.NewRegistry()
	defaultRegisterer = promauto.With(registry)
)

// Metrics contains all the Prometheus metrics for the service.
type Metrics struct {
	// Pipeline
	RecordsProcessed   *prometheus.CounterVec
	ProcessingDuration prometheus.Histogram
	Suppressed         *prometheus.CounterVec

	// Ingestion queue
	QueueDepth     prometheus.Gauge
	QueueFailures  *prometheus.CounterVec
	RecordsIngress *prometheus.CounterVec

	// Scanner
	FilesScanned *prometheus.CounterVec
	ScanDuration *prometheus.HistogramVec
	ScansSkipped prometheus.Counter

	// Notifications
	NotificationsSent *prometheus.CounterVec

	// External calls
	ExternalDuration *prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Get returns the process-wide metrics instance.
func Get() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

func newMetrics() *Metrics {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		RecordsProcessed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_records_processed_total",
				Help: "Failure records that reached the persister, by outcome",
			},
			[]string{"outcome"},
		),
		ProcessingDuration: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stiwatch_record_processing_duration_seconds",
				Help:    "Time from resolver entry to persistence for one failure record",
				Buckets: buckets,
			},
		),
		Suppressed: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_notifications_suppressed_total",
				Help: "Novel failures whose notification was suppressed, by reason",
			},
			[]string{"reason"},
		),
		QueueDepth: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "stiwatch_queue_depth",
				Help: "Failure records waiting in the ingestion queue",
			},
		),
		QueueFailures: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_queue_failures_total",
				Help: "Ingestion queue operations that failed, by operation",
			},
			[]string{"op"},
		),
		RecordsIngress: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_records_received_total",
				Help: "Failure records accepted for processing, by source",
			},
			[]string{"source"},
		),
		FilesScanned: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_files_scanned_total",
				Help: "Log files handled by the scanner, by mode and result",
			},
			[]string{"mode", "result"},
		),
		ScanDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stiwatch_scan_duration_seconds",
				Help:    "Duration of one scan cycle per mode",
				Buckets: buckets,
			},
			[]string{"mode"},
		),
		ScansSkipped: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "stiwatch_scans_skipped_total",
				Help: "Scan ticks skipped because the previous cycle was still running",
			},
		),
		NotificationsSent: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stiwatch_notifications_total",
				Help: "Notification attempts, by channel, category and status",
			},
			[]string{"channel", "category", "status"},
		),
		ExternalDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stiwatch_external_call_duration_seconds",
				Help:    "Duration of certificate fetches and decoder runs",
				Buckets: buckets,
			},
			[]string{"call"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Get()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
