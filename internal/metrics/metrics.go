// Package metrics exports image pipeline, storage and access-decision
// telemetry to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eyecare/api/internal/access"
)

const namespace = "eyecare_images"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	uploads         *prometheus.CounterVec
	uploadBytes     prometheus.Counter
	processing      *prometheus.HistogramVec
	storageDuration *prometheus.HistogramVec
	storageErrors   *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	cacheRequests   *prometheus.CounterVec
	sweptObjects    prometheus.Counter
	registry        prometheus.Gatherer
}

// New registers collectors on reg. A nil reg means the default registry.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads through the service by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Normalized primary bytes written to storage.",
		}),
		processing: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Time spent resizing and re-encoding images.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		storageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage backend operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "operation"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Failed storage backend operations.",
		}, []string{"backend", "operation"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_decisions_total",
			Help:      "Ownership decisions by resource kind and outcome.",
		}, []string{"kind", "outcome"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Object byte cache lookups.",
		}, []string{"result"}),
		sweptObjects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_objects_total",
			Help:      "Unreferenced objects removed by maintenance.",
		}),
	}

	var err error
	if m.uploads, err = register(reg, m.uploads); err != nil {
		return nil, err
	}
	if m.uploadBytes, err = register(reg, m.uploadBytes); err != nil {
		return nil, err
	}
	if m.processing, err = register(reg, m.processing); err != nil {
		return nil, err
	}
	if m.storageDuration, err = register(reg, m.storageDuration); err != nil {
		return nil, err
	}
	if m.storageErrors, err = register(reg, m.storageErrors); err != nil {
		return nil, err
	}
	if m.decisions, err = register(reg, m.decisions); err != nil {
		return nil, err
	}
	if m.cacheRequests, err = register(reg, m.cacheRequests); err != nil {
		return nil, err
	}
	if m.sweptObjects, err = register(reg, m.sweptObjects); err != nil {
		return nil, err
	}

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.registry = g
	} else {
		m.registry = prometheus.DefaultGatherer
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register metric: %w", err)
	}
	return c, nil
}

// Handler serves the registry the collectors were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordUpload(result string, bytes int64) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
	if bytes > 0 {
		m.uploadBytes.Add(float64(bytes))
	}
}

func (m *Metrics) ObserveProcessing(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.processing.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RecordStorage(backend, op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.storageDuration.WithLabelValues(backend, op).Observe(d.Seconds())
	if err != nil {
		m.storageErrors.WithLabelValues(backend, op).Inc()
	}
}

func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptObjects.Add(float64(n))
}

// Observe implements access.Observer.
func (m *Metrics) Observe(_ context.Context, d access.Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(d.Kind), Outcome(d)).Inc()
}

func Outcome(d access.Decision) string {
	switch {
	case !d.Found:
		return "not_found"
	case d.Allowed:
		return "allowed"
	default:
		return "denied"
	}
}
