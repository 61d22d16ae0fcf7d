// Package metrics exposes Prometheus counters for block encryption, key store
// persistence and open sessions.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pathkeyfs"

// Metrics holds all application metrics.
type Metrics struct {
	gatherer        prometheus.Gatherer
	blocksEncrypted prometheus.Counter
	blocksDecrypted prometheus.Counter
	bytesRead       prometheus.Counter
	bytesWritten    prometheus.Counter
	corruptBlocks   prometheus.Counter
	accessDenied    prometheus.Counter
	persistDuration prometheus.Histogram
	persistFailures prometheus.Counter
	keysCreated     prometheus.Counter
	openSessions    prometheus.Gauge
	operationErrors *prometheus.CounterVec
}

// New creates a new metrics instance registered on a private registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry creates a new metrics instance with a custom registry.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		blocksEncrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_encrypted_total",
			Help:      "Total number of blocks encrypted",
		}),
		blocksDecrypted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_decrypted_total",
			Help:      "Total number of blocks decrypted",
		}),
		bytesRead: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_bytes_total",
			Help:      "Plaintext bytes returned to readers",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "written_bytes_total",
			Help:      "Plaintext bytes accepted from writers",
		}),
		corruptBlocks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "corrupt_blocks_total",
			Help:      "Blocks that failed authentication",
		}),
		accessDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Opens of files that have no content key",
		}),
		persistDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keystore_persist_duration_seconds",
			Help:      "Time spent writing and syncing the key store",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keystore_persist_failures_total",
			Help:      "Key store writes that failed and were rolled back",
		}),
		keysCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_created_total",
			Help:      "Content keys generated",
		}),
		openSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Number of open file sessions",
		}),
		operationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed filesystem operations by operation and error class",
		}, []string{"op", "class"}),
	}
}

// RecordEncrypt counts "n" encrypted blocks.
func (m *Metrics) RecordEncrypt(n int) {
	if m == nil {
		return
	}
	m.blocksEncrypted.Add(float64(n))
}

// RecordDecrypt counts "n" decrypted blocks.
func (m *Metrics) RecordDecrypt(n int) {
	if m == nil {
		return
	}
	m.blocksDecrypted.Add(float64(n))
}

// RecordRead counts plaintext bytes returned by a read.
func (m *Metrics) RecordRead(bytes int) {
	if m == nil {
		return
	}
	m.bytesRead.Add(float64(bytes))
}

// RecordWrite counts plaintext bytes accepted by a write.
func (m *Metrics) RecordWrite(bytes int) {
	if m == nil {
		return
	}
	m.bytesWritten.Add(float64(bytes))
}

// RecordCorrupt counts a block that failed authentication.
func (m *Metrics) RecordCorrupt() {
	if m == nil {
		return
	}
	m.corruptBlocks.Inc()
}

// RecordAccessDenied counts an open without content key.
func (m *Metrics) RecordAccessDenied() {
	if m == nil {
		return
	}
	m.accessDenied.Inc()
}

// RecordPersist observes one key store write.
func (m *Metrics) RecordPersist(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.persistDuration.Observe(d.Seconds())
	if err != nil {
		m.persistFailures.Inc()
	}
}

// RecordKeyCreated counts a new content key.
func (m *Metrics) RecordKeyCreated() {
	if m == nil {
		return
	}
	m.keysCreated.Inc()
}

// SessionOpened increments the open session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.openSessions.Inc()
}

// SessionClosed decrements the open session gauge.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.openSessions.Dec()
}

// RecordError counts a failed operation. "class" is a short error class like
// "eacces" or "eio".
func (m *Metrics) RecordError(op string, class string) {
	if m == nil {
		return
	}
	m.operationErrors.WithLabelValues(op, class).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
