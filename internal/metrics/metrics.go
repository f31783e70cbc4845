// Package metrics exposes Prometheus collectors that report orchestrator
// activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wmonorepo"

// Task outcomes used as the outcome label.
const (
	OutcomeSuccess      = "success"
	OutcomeFailed       = "failed"
	OutcomeCachedLocal  = "cached_local"
	OutcomeCachedRemote = "cached_remote"
	OutcomeSkipped      = "skipped"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasks        *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	casBlobs     prometheus.Gauge
	casBytes     prometheus.Gauge
	watchReruns  prometheus.Counter
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the instance registered with the global registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name. Any other registration error
// panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task nodes resolved, by outcome.",
		},
		[]string{"outcome"},
	)
	taskDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time from node start to resolution, by outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	casBlobs := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cas_blobs",
		Help:      "Live blobs in the content-addressable store.",
	})
	casBytes := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "cas_bytes",
		Help:      "Bytes held by live blobs in the content-addressable store.",
	})
	watchReruns := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watch_reruns_total",
		Help:      "Re-runs triggered by the change watcher.",
	})

	collectors := []prometheus.Collector{tasks, taskDuration, casBlobs, casBytes, watchReruns}
	for _, collector := range collectors {
		err := reg.Register(collector)
		if err == nil {
			continue
		}
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		switch collector {
		case tasks:
			tasks = already.ExistingCollector.(*prometheus.CounterVec)
		case taskDuration:
			taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
		case casBlobs:
			casBlobs = already.ExistingCollector.(prometheus.Gauge)
		case casBytes:
			casBytes = already.ExistingCollector.(prometheus.Gauge)
		case watchReruns:
			watchReruns = already.ExistingCollector.(prometheus.Counter)
		}
	}

	return &Metrics{
		tasks:        tasks,
		taskDuration: taskDuration,
		casBlobs:     casBlobs,
		casBytes:     casBytes,
		watchReruns:  watchReruns,
	}
}

// ObserveTask counts a resolved node and records its duration.
func (m *Metrics) ObserveTask(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(outcome).Inc()
	m.taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetCASUsage publishes the store's live blob count and byte total.
func (m *Metrics) SetCASUsage(blobs int, bytes int64) {
	if m == nil {
		return
	}
	m.casBlobs.Set(float64(blobs))
	m.casBytes.Set(float64(bytes))
}

// IncWatchRerun counts one watcher-triggered re-run.
func (m *Metrics) IncWatchRerun() {
	if m == nil {
		return
	}
	m.watchReruns.Inc()
}
