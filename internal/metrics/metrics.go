// Package metrics defines the Prometheus metrics of chunked uploads.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

var sizeBuckets = []float64{1 << 20, 4 << 20, 8 << 20, 16 << 20, 32 << 20, 64 << 20, 128 << 20, 256 << 20}

var (
	// ChunkAttemptsTotal counts chunk attempts by outcome ("success" or a failure kind).
	ChunkAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chunkupload_chunk_attempts_total",
			Help: "Total chunk upload attempts",
		},
		[]string{"outcome"},
	)

	// ChunkAttemptDuration observes the duration of chunk attempts in seconds.
	ChunkAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chunkupload_chunk_attempt_duration_seconds",
			Help:    "Chunk attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// ChunkSize observes the size of uploaded chunk payloads in bytes.
	ChunkSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chunkupload_chunk_size_bytes",
			Help:    "Uploaded chunk payload size in bytes",
			Buckets: sizeBuckets,
		},
	)

	// BytesUploadedTotal counts payload bytes accepted by the remote end.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkupload_bytes_uploaded_total",
			Help: "Total payload bytes uploaded",
		},
	)

	// ChunksAbandonedTotal counts chunks that ran out of attempts.
	ChunksAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chunkupload_chunks_abandoned_total",
			Help: "Chunks that exhausted their attempts",
		},
	)

	// ChunksInFlight is the number of chunks currently held by workers.
	ChunksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chunkupload_chunks_in_flight",
			Help: "Chunks currently being processed",
		},
	)
)

// Register registers all metrics with the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ChunkAttemptsTotal,
			ChunkAttemptDuration,
			ChunkSize,
			BytesUploadedTotal,
			ChunksAbandonedTotal,
			ChunksInFlight,
		)
	})
}

// WriteTextfile writes the current values of the default registry to path in
// the node exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
