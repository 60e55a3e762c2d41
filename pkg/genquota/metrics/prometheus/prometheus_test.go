package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/genquota/pkg/genquota"
)

var _ genquota.Metrics = (*Metrics)(nil)

func TestPrometheusMetrics_Admissions(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordAdmission("flashcards", "free", true)
	metrics.RecordAdmission("flashcards", "free", true)
	metrics.RecordAdmission("flashcards", "free", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.admissionsTotal.WithLabelValues("flashcards", "free", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.admissionsTotal.WithLabelValues("flashcards", "free", "false")))
}

func TestPrometheusMetrics_Generation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordGeneration("quiz", genquota.OutcomeSuccess, 2*time.Second)
	metrics.RecordGeneration("quiz", genquota.OutcomeFailed, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.generationsTotal.WithLabelValues("quiz", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.generationsTotal.WithLabelValues("quiz", "failed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	hist := findMetric(families, "test_generation_duration_seconds")
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestPrometheusMetrics_StorageErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("increment", time.Millisecond, nil)
	metrics.RecordStorageOperation("increment", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.storageOpsErrors.WithLabelValues("increment")))
}

func TestPrometheusMetrics_StatusAndCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStatusFetch(false, 10*time.Millisecond)
	metrics.RecordCacheHit("status")
	metrics.RecordCacheMiss("status")
	metrics.RecordConsumption("flashcards", "free", true)
	metrics.RecordCircuitBreakerStateChange("open")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.statusFetchTotal.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheHitsTotal.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheMissesTotal.WithLabelValues("status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.consumptionTotal.WithLabelValues("flashcards", "free", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.circuitBreakerStateChanges.WithLabelValues("open")))
}

func findMetric(families []*dto.MetricFamily, name string) *dto.MetricFamily {
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}
