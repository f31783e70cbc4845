package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gathered returns the value of the sample of family name whose labels
// contain every pair in labels.
func gathered(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			for k, v := range labels {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestMetrics_RecordsTaskOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveTask(OutcomeSuccess, 10*time.Millisecond)
	m.ObserveTask(OutcomeSuccess, 20*time.Millisecond)
	m.ObserveTask(OutcomeCachedLocal, time.Millisecond)

	assert.Equal(t, 2.0, gathered(t, reg, "wmonorepo_tasks_total", map[string]string{"outcome": "success"}))
	assert.Equal(t, 1.0, gathered(t, reg, "wmonorepo_tasks_total", map[string]string{"outcome": "cached_local"}))
	assert.Equal(t, 2.0, gathered(t, reg, "wmonorepo_task_duration_seconds", map[string]string{"outcome": "success"}))
}

func TestMetrics_GaugesAndCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.SetCASUsage(3, 4096)
	m.IncWatchRerun()

	assert.Equal(t, 3.0, gathered(t, reg, "wmonorepo_cas_blobs", nil))
	assert.Equal(t, 4096.0, gathered(t, reg, "wmonorepo_cas_bytes", nil))
	assert.Equal(t, 1.0, gathered(t, reg, "wmonorepo_watch_reruns_total", nil))
}

func TestMustNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.IncWatchRerun()
	second.IncWatchRerun()
	assert.Equal(t, 2.0, gathered(t, reg, "wmonorepo_watch_reruns_total", nil))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveTask(OutcomeFailed, time.Second)
	m.SetCASUsage(1, 1)
	m.IncWatchRerun()
}
