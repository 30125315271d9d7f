// Package metrics collects training-run metrics in a private Prometheus
// registry and writes them in the node-exporter textfile format, so a
// batch job can be scraped after it exits.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "soundclass"

// Metrics holds the collectors of one training run.
type Metrics struct {
	reg *prometheus.Registry

	ClipsProcessed *prometheus.CounterVec // partition
	AudioFallbacks prometheus.Counter
	CacheLookups   *prometheus.CounterVec // result (hit/miss)
	StageDuration  *prometheus.HistogramVec

	Epoch        prometheus.Gauge
	EpochMetrics *prometheus.GaugeVec // metric (loss/accuracy/val_loss/val_accuracy/learning_rate)
	TestAccuracy prometheus.Gauge
	TestLoss     prometheus.Gauge
	ModelBytes   *prometheus.GaugeVec // mode
	RunInfo      *prometheus.GaugeVec
}

// New creates the collectors in a fresh registry, tagging the run with
// runID.
func New(runID string) *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	m := &Metrics{
		reg: reg,
		ClipsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clips_processed_total",
			Help:      "Audio clips turned into features, by partition.",
		}, []string{"partition"}),
		AudioFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_fallbacks_total",
			Help:      "Clips replaced by silence because they could not be decoded.",
		}),
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_cache_lookups_total",
			Help:      "Feature cache lookups by result.",
		}, []string{"result"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600},
		}, []string{"stage"}),
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Last completed training epoch (1-based).",
		}),
		EpochMetrics: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch_metric",
			Help:      "Training metrics of the last completed epoch.",
		}, []string{"metric"}),
		TestAccuracy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_accuracy",
			Help:      "Accuracy on the held-out fold.",
		}),
		TestLoss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "test_loss",
			Help:      "Loss on the held-out fold.",
		}),
		ModelBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mobile_model_bytes",
			Help:      "Size of the exported mobile model, by quantization mode.",
		}, []string{"mode"}),
		RunInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Constant 1, labelled with the run ID.",
		}, []string{"run_id"}),
	}
	m.RunInfo.WithLabelValues(runID).Set(1)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RecordClip counts one processed clip of partition.
func (m *Metrics) RecordClip(partition string) {
	if m == nil {
		return
	}
	m.ClipsProcessed.WithLabelValues(partition).Inc()
}

// RecordFallback counts a clip replaced by silence.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.AudioFallbacks.Inc()
}

// RecordCache counts a feature cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordStage observes the duration of a pipeline stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordEpoch publishes the metrics of a finished epoch.
func (m *Metrics) RecordEpoch(epoch int, loss, acc, valLoss, valAcc, lr float64) {
	if m == nil {
		return
	}
	m.Epoch.Set(float64(epoch))
	m.EpochMetrics.WithLabelValues("loss").Set(loss)
	m.EpochMetrics.WithLabelValues("accuracy").Set(acc)
	m.EpochMetrics.WithLabelValues("val_loss").Set(valLoss)
	m.EpochMetrics.WithLabelValues("val_accuracy").Set(valAcc)
	m.EpochMetrics.WithLabelValues("learning_rate").Set(lr)
}

// RecordTest publishes held-out evaluation results.
func (m *Metrics) RecordTest(loss, acc float64) {
	if m == nil {
		return
	}
	m.TestLoss.Set(loss)
	m.TestAccuracy.Set(acc)
}

// RecordModelSize publishes the exported model size.
func (m *Metrics) RecordModelSize(mode string, bytes int) {
	if m == nil {
		return
	}
	m.ModelBytes.WithLabelValues(mode).Set(float64(bytes))
}

// WriteTextfile writes every metric to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
