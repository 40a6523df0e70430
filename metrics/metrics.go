// Package metrics provides the Prometheus metrics named in the external
// contract (§6): counters and histograms the dispatcher and operators
// depend on for alerting and dashboards. Names and label sets are part of
// that contract and must not drift.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// S3FilesWritten counts successful flush uploads, labeled by the
	// reason the flush was triggered (buffer_size, buffer_age,
	// buffer_age_realtime).
	S3FilesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recording_s3_files_written",
			Help: "Number of session recording batches successfully uploaded to object storage",
		},
		[]string{"flushReason"},
	)

	// S3WriteErrored counts flush attempts that failed to upload.
	S3WriteErrored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recording_s3_write_errored",
			Help: "Number of session recording flush attempts that failed to upload",
		},
	)

	// S3LinesWrittenHistogram tracks the number of lines (messages) per
	// uploaded batch.
	S3LinesWrittenHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_s3_lines_written_histogram",
			Help:    "Number of lines written per flushed session recording batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// BlobIngestionS3KBWritten tracks the uncompressed size, in KB, of
	// each uploaded batch.
	BlobIngestionS3KBWritten = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_blob_ingestion_s3_kb_written",
			Help:    "Uncompressed size in KB of each flushed session recording batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// BlobIngestionSessionAgeSeconds tracks the buffer's age at the moment a
	// flush is attempted: wall-clock now minus the oldest source-log
	// timestamp in the buffer.
	BlobIngestionSessionAgeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_blob_ingestion_session_age_seconds",
			Help:    "Age in seconds of the buffer at the time a flush was attempted",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
	)

	// BlobIngestionSessionSizeKB tracks the buffer's uncompressed size at
	// the moment a flush is attempted.
	BlobIngestionSessionSizeKB = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_blob_ingestion_session_size_kb",
			Help:    "Uncompressed size in KB of the buffer at the time a flush was attempted",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// BlobIngestionSessionLines tracks the buffer's line count at the
	// moment a flush is attempted.
	BlobIngestionSessionLines = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_blob_ingestion_session_lines",
			Help:    "Number of lines in the buffer at the time a flush was attempted",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
	)

	// BlobIngestionSessionFlushTimeSeconds times the full flush pipeline,
	// from swap to endFlush.
	BlobIngestionSessionFlushTimeSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recording_blob_ingestion_session_flush_time_seconds",
			Help:    "Duration of the flush pipeline, from buffer swap to completion",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordFlushAttempt records the pre-flush histograms the source emits
// unconditionally, regardless of whether the flush itself ultimately
// succeeds — matching the source's practice of observing buffer state
// before the outcome is known.
func RecordFlushAttempt(ageSeconds float64, sizeKB float64, lines int64) {
	BlobIngestionSessionAgeSeconds.Observe(ageSeconds)
	BlobIngestionSessionSizeKB.Observe(sizeKB)
	BlobIngestionSessionLines.Observe(float64(lines))
}

// RecordFlushSuccess records the counters and histograms for a
// successfully uploaded batch.
func RecordFlushSuccess(reason string, lines int64, sizeKB float64) {
	S3FilesWritten.WithLabelValues(reason).Inc()
	S3LinesWrittenHistogram.Observe(float64(lines))
	BlobIngestionS3KBWritten.Observe(sizeKB)
}

// RecordFlushFailure increments the write-error counter.
func RecordFlushFailure() {
	S3WriteErrored.Inc()
}

// RecordFlushDuration observes the flush pipeline's wall-clock duration.
func RecordFlushDuration(seconds float64) {
	BlobIngestionSessionFlushTimeSeconds.Observe(seconds)
}
