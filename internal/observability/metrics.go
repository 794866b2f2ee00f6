package observability

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for witnessd.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Chunk/upload metrics
	ChunksProcessedTotal prometheus.Counter
	ChunkProcessDuration prometheus.Histogram
	BytesCapturedTotal   prometheus.Counter
	UploadRetriesTotal   *prometheus.CounterVec

	// Anchor/ledger metrics
	AnchorsTotal        *prometheus.CounterVec
	AnchorConfirmDuration prometheus.Histogram

	// Verification metrics
	MerkleVerificationsTotal *prometheus.CounterVec
	AttestationsTotal        *prometheus.CounterVec

	// Storage metrics
	DatabaseOperationsTotal *prometheus.CounterVec
	DiskSpaceUsedBytes      prometheus.Gauge
	DiskSpaceFreeBytes      prometheus.Gauge

	activeSessions int64
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessd_sessions_active",
				Help: "Currently recording sessions",
			},
		),

		SessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_sessions_total",
				Help: "Sessions started, by final status",
			},
			[]string{"status"},
		),

		SessionDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessd_session_duration_seconds",
				Help:    "Session duration from Create to End",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),

		ChunksProcessedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "witnessd_chunks_processed_total",
				Help: "Chunks encrypted and queued for upload",
			},
		),

		ChunkProcessDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessd_chunk_process_duration_seconds",
				Help:    "Per-chunk encrypt+hash latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
		),

		BytesCapturedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "witnessd_bytes_captured_total",
				Help: "Total plaintext bytes captured",
			},
		),

		UploadRetriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_upload_retries_total",
				Help: "Upload queue retry attempts, by outcome",
			},
			[]string{"outcome"},
		),

		AnchorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_anchors_total",
				Help: "Ledger anchor submissions, by result",
			},
			[]string{"result"},
		),

		AnchorConfirmDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "witnessd_anchor_confirm_duration_seconds",
				Help:    "Time from anchor submission to confirmation",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		MerkleVerificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_merkle_verifications_total",
				Help: "Merkle root verifications during playback, by result",
			},
			[]string{"result"},
		),

		AttestationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_attestations_total",
				Help: "Group attestations submitted, by result",
			},
			[]string{"result"},
		),

		DatabaseOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "witnessd_database_operations_total",
				Help: "SecureStore/session-store operation count",
			},
			[]string{"operation", "result"},
		),

		DiskSpaceUsedBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessd_disk_space_used_bytes",
				Help: "Disk space used by the local data directory",
			},
		),

		DiskSpaceFreeBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "witnessd_disk_space_free_bytes",
				Help: "Disk space free on the data directory's filesystem",
			},
		),
	}

	return m
}

// RecordSessionStart increments the active-session gauge.
func (m *Metrics) RecordSessionStart() {
	atomic.AddInt64(&m.activeSessions, 1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))
}

// RecordSessionEnd records session completion metrics.
func (m *Metrics) RecordSessionEnd(status string, durationSeconds float64) {
	atomic.AddInt64(&m.activeSessions, -1)
	m.SessionsActive.Set(float64(atomic.LoadInt64(&m.activeSessions)))

	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkProcessed updates metrics for one processed chunk.
func (m *Metrics) RecordChunkProcessed(bytes int, durationSeconds float64) {
	m.ChunksProcessedTotal.Inc()
	m.BytesCapturedTotal.Add(float64(bytes))
	m.ChunkProcessDuration.Observe(durationSeconds)
}

// RecordUploadRetry increments retry counters for the given outcome
// ("retried", "exhausted").
func (m *Metrics) RecordUploadRetry(outcome string) {
	m.UploadRetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordAnchor records a ledger anchor attempt and, on success, its
// confirmation latency.
func (m *Metrics) RecordAnchor(success bool, durationSeconds float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AnchorsTotal.WithLabelValues(result).Inc()
	if success {
		m.AnchorConfirmDuration.Observe(durationSeconds)
	}
}

// RecordMerkleVerification increments Merkle verification counters.
func (m *Metrics) RecordMerkleVerification(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.MerkleVerificationsTotal.WithLabelValues(result).Inc()
}

// RecordAttestation increments attestation submission counters.
func (m *Metrics) RecordAttestation(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.AttestationsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
