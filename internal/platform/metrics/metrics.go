package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"aim-chat/invite-registry/internal/registry"
)

const namespace = "aim_registry"

// OperationStats is the in-process summary reported by the status command.
type OperationStats struct {
	Count         int
	Errors        int
	LastLatencyMs int64
	MaxLatencyMs  int64
}

// Registry records coordinator operations and directory submissions as
// prometheus collectors and keeps a small snapshot for local status output.
type Registry struct {
	reg         *prometheus.Registry
	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec

	mu    sync.Mutex
	stats map[string]*OperationStats
}

func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Coordinator operations by name and error category.",
		}, []string{"operation", "category"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Coordinator operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_submissions_total",
			Help:      "Signed claims received by the directory by kind and outcome.",
		}, []string{"kind", "outcome"}),
		stats: make(map[string]*OperationStats),
	}
	r.reg.MustRegister(r.operations, r.latency, r.submissions)
	return r
}

// Gatherer exposes the collectors for scraping or inspection.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) ObserveOperation(operation string, elapsed time.Duration, err error) {
	category := "ok"
	if err != nil {
		category = registry.KindOf(err)
	}
	r.operations.WithLabelValues(operation, category).Inc()
	r.latency.WithLabelValues(operation).Observe(elapsed.Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[operation]
	if !ok {
		s = &OperationStats{}
		r.stats[operation] = s
	}
	s.Count++
	if err != nil {
		s.Errors++
	}
	s.LastLatencyMs = elapsed.Milliseconds()
	if s.LastLatencyMs > s.MaxLatencyMs {
		s.MaxLatencyMs = s.LastLatencyMs
	}
}

func (r *Registry) RecordSubmission(kind, outcome string) {
	r.submissions.WithLabelValues(kind, outcome).Inc()
}

func (r *Registry) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.stats))
	for name, s := range r.stats {
		out[name] = *s
	}
	return out
}
