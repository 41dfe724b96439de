package perf

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	jobmetrics "github.com/octup/accounting-service/internal/jobs"
)

func TestSyncJobThroughputAndReliability(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)

	// Simulate refresh sweeps finishing fast and mostly successful.
	for i := 0; i < 60; i++ {
		tracker := metrics.Track("integration:token_refresh")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending refresh tracker: %v", err)
		}
	}

	// Initial syncs hit the provider API twice and run longer.
	for i := 0; i < 15; i++ {
		tracker := metrics.Track("integration:initial_sync")
		time.Sleep(20 * time.Millisecond)
		if err := tracker.End(nil); err != nil {
			t.Fatalf("unexpected error ending sync tracker: %v", err)
		}
	}

	// Inject a couple of failures to ensure failure accounting works.
	for i := 0; i < 3; i++ {
		tracker := metrics.Track("integration:token_refresh")
		time.Sleep(2 * time.Millisecond)
		if err := tracker.End(errors.New("timeout")); err == nil {
			t.Fatal("expected error to propagate")
		}
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	success := metricValue(t, families, "accounting_jobs_total", map[string]string{"job": "integration:token_refresh", "status": "success"})
	failure := metricValue(t, families, "accounting_jobs_total", map[string]string{"job": "integration:token_refresh", "status": "failure"})
	if success+failure == 0 {
		t.Fatal("no refresh executions recorded")
	}
	ratio := success / (success + failure)
	if ratio < 0.9 {
		t.Fatalf("refresh success ratio too low: %f", ratio)
	}

	syncDuration := histogramMean(t, families, "accounting_job_duration_seconds", map[string]string{"job": "integration:initial_sync"})
	if syncDuration > 30.0 {
		t.Fatalf("initial sync duration above budget: %f", syncDuration)
	}

	refreshDuration := histogramMean(t, families, "accounting_job_duration_seconds", map[string]string{"job": "integration:token_refresh"})
	if refreshDuration > 0.5 {
		t.Fatalf("refresh duration above budget: %f", refreshDuration)
	}
}

func metricValue(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				if fam.GetType() == dto.MetricType_COUNTER {
					return metric.GetCounter().GetValue()
				}
				if fam.GetType() == dto.MetricType_GAUGE {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func histogramMean(t *testing.T, families []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	for _, fam := range families {
		if fam.GetName() != name || fam.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if hasLabels(metric, labels) {
				hist := metric.GetHistogram()
				if hist.GetSampleCount() == 0 {
					t.Fatalf("histogram %s has no samples", name)
				}
				return hist.GetSampleSum() / float64(hist.GetSampleCount())
			}
		}
	}
	t.Fatalf("histogram %s with labels %v not found", name, labels)
	return 0
}

func hasLabels(metric *dto.Metric, labels map[string]string) bool {
	seen := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		seen[pair.GetName()] = pair.GetValue()
	}
	for k, v := range labels {
		if seen[k] != v {
			return false
		}
	}
	return true
}
