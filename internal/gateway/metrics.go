package gateway

import (
	"net/http"
	"sync/atomic"
	"time"
)

// RequestMetrics counts gateway requests using atomic operations for
// lock-free concurrency. Prometheus instruments live in internal/metrics;
// these counters only back GET /status.
type RequestMetrics struct {
	requests     atomic.Int64
	errors       atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// Record records one served request.
func (m *RequestMetrics) Record(status int, latency time.Duration) {
	m.requests.Add(1)
	if status >= http.StatusInternalServerError {
		m.errors.Add(1)
	}
	m.totalLatency.Add(int64(latency))
}

// Middleware records every request passing through it.
func (m *RequestMetrics) Middleware(now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			m.Record(sw.status, now().Sub(start))
		})
	}
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *RequestMetrics) Snapshot() RequestSnapshot {
	requests := m.requests.Load()
	snap := RequestSnapshot{
		Requests: requests,
		Errors:   m.errors.Load(),
	}
	if requests > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load() / requests)
	}
	return snap
}

// RequestSnapshot is a serializable point-in-time metrics view.
type RequestSnapshot struct {
	Requests   int64         `json:"requests"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
