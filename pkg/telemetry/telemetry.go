// Package telemetry records per-component call statistics: totals, success
// rate, error-class histogram, and latency stats over a sliding window.
// A Recorder also mirrors counts into a Prometheus registry so the HTTP
// surface can expose them at /metrics.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// windowSize is the number of recent latencies kept per component.
// Small enough that exact p95 via a sorted copy is cheap.
const windowSize = 100

// componentStats aggregates every call recorded against one component.
type componentStats struct {
	mu         sync.Mutex
	total      int64
	success    int64
	failure    int64
	errClasses map[string]int64
	latencies  []time.Duration // ring, most recent last, len <= windowSize
	lastSeen   time.Time
	lastError  string
}

// Recorder collects call telemetry. The zero value is not usable; create
// one with New. Recording uses per-component locking only, so components
// never contend with each other.
type Recorder struct {
	mu         sync.RWMutex
	components map[string]*componentStats

	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a Recorder with its own Prometheus registry.
func New() *Recorder {
	r := &Recorder{
		components: make(map[string]*componentStats),
		registry:   prometheus.NewRegistry(),
	}
	r.calls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pantheon_component_calls_total",
			Help: "Total calls per component by outcome",
		},
		[]string{"component", "outcome"},
	)
	r.latency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pantheon_component_latency_seconds",
			Help:    "Call latency per component",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)
	r.registry.MustRegister(r.calls, r.latency)
	return r
}

// Registry returns the Prometheus registry backing this Recorder.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) stats(component string) *componentStats {
	r.mu.RLock()
	cs, ok := r.components[component]
	r.mu.RUnlock()
	if ok {
		return cs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok = r.components[component]; ok {
		return cs
	}
	cs = &componentStats{errClasses: make(map[string]int64)}
	r.components[component] = cs
	return cs
}

// Record adds one call observation. errClass is ignored for successes and
// defaults to "unknown" for failures that do not classify their error.
func (r *Recorder) Record(component string, latency time.Duration, success bool, errClass string) {
	cs := r.stats(component)

	cs.mu.Lock()
	cs.total++
	if success {
		cs.success++
	} else {
		cs.failure++
		if errClass == "" {
			errClass = "unknown"
		}
		cs.errClasses[errClass]++
		cs.lastError = errClass
	}
	cs.latencies = append(cs.latencies, latency)
	if len(cs.latencies) > windowSize {
		cs.latencies = cs.latencies[len(cs.latencies)-windowSize:]
	}
	cs.lastSeen = time.Now()
	cs.mu.Unlock()

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.calls.WithLabelValues(component, outcome).Inc()
	r.latency.WithLabelValues(component).Observe(latency.Seconds())
}

// ComponentSnapshot is a point-in-time view of one component's stats.
type ComponentSnapshot struct {
	Component   string           `json:"component"`
	Total       int64            `json:"total"`
	Success     int64            `json:"success"`
	Failure     int64            `json:"failure"`
	SuccessRate float64          `json:"success_rate"`
	ErrClasses  map[string]int64 `json:"error_classes,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	LastSeen    time.Time        `json:"last_seen"`
	AvgLatency  time.Duration    `json:"avg_latency"`
	MinLatency  time.Duration    `json:"min_latency"`
	MaxLatency  time.Duration    `json:"max_latency"`
	P95Latency  time.Duration    `json:"p95_latency"`
}

// Snapshot returns a point-in-time view of every component, keyed by name.
// Recording threads are never blocked for longer than one component copy.
func (r *Recorder) Snapshot() map[string]ComponentSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]ComponentSnapshot, len(names))
	for _, name := range names {
		out[name] = r.snapshotOne(name)
	}
	return out
}

func (r *Recorder) snapshotOne(name string) ComponentSnapshot {
	cs := r.stats(name)
	cs.mu.Lock()
	snap := ComponentSnapshot{
		Component: name,
		Total:     cs.total,
		Success:   cs.success,
		Failure:   cs.failure,
		LastError: cs.lastError,
		LastSeen:  cs.lastSeen,
	}
	if cs.total > 0 {
		snap.SuccessRate = float64(cs.success) / float64(cs.total)
	}
	if len(cs.errClasses) > 0 {
		snap.ErrClasses = make(map[string]int64, len(cs.errClasses))
		for k, v := range cs.errClasses {
			snap.ErrClasses[k] = v
		}
	}
	window := make([]time.Duration, len(cs.latencies))
	copy(window, cs.latencies)
	cs.mu.Unlock()

	if len(window) == 0 {
		return snap
	}
	var sum time.Duration
	snap.MinLatency = window[0]
	for _, d := range window {
		sum += d
		if d < snap.MinLatency {
			snap.MinLatency = d
		}
		if d > snap.MaxLatency {
			snap.MaxLatency = d
		}
	}
	snap.AvgLatency = sum / time.Duration(len(window))

	sorted := make([]time.Duration, len(window))
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (95 * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	snap.P95Latency = sorted[idx]
	return snap
}

// Report renders a human-readable multiline summary, components sorted by name.
func (r *Recorder) Report() string {
	snaps := r.Snapshot()
	names := make([]string, 0, len(snaps))
	for name := range snaps {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("component telemetry\n")
	for _, name := range names {
		s := snaps[name]
		fmt.Fprintf(&b, "  %-24s total=%d success=%d failure=%d rate=%.2f avg=%s p95=%s\n",
			name, s.Total, s.Success, s.Failure, s.SuccessRate, s.AvgLatency, s.P95Latency)
		if s.LastError != "" {
			fmt.Fprintf(&b, "  %-24s last_error=%s\n", "", s.LastError)
		}
	}
	return b.String()
}

// Export writes the structured snapshot as JSON to path.
func (r *Recorder) Export(path string) error {
	data, err := json.MarshalIndent(r.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal telemetry snapshot: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write telemetry export: %w", err)
	}
	return nil
}
