package tracking

import (
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/tsawler/go-trainer/training"
)

// PromRecorder exposes run observations as Prometheus metrics.
type PromRecorder struct {
	steps        prom.Counter
	learningRate prom.Gauge
	stepMetrics  *prom.GaugeVec
	evalMetrics  *prom.GaugeVec
	improvements *prom.CounterVec
	bestValue    *prom.GaugeVec
	checkpoints  *prom.CounterVec
}

// NewPromRecorder constructs and registers the training metrics on reg.
// A nil registry gets a private one, which keeps the recorder usable in
// tests. An empty namespace defaults to "training".
func NewPromRecorder(reg *prom.Registry, namespace string) *PromRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	if namespace == "" {
		namespace = "training"
	}
	pr := &PromRecorder{
		steps: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Optimization steps taken",
		}),
		learningRate: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "learning_rate",
			Help:      "Current learning rate",
		}),
		stepMetrics: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "step_metric",
			Help:      "Instantaneous per-step metric values",
		}, []string{"metric"}),
		evalMetrics: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_metric",
			Help:      "Rank-reduced metric averages at the last evaluation",
		}, []string{"group", "split", "metric"}),
		improvements: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "improvements_total",
			Help:      "Times the monitored metric improved",
		}, []string{"group"}),
		bestValue: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Best monitored metric value seen so far",
		}, []string{"group"}),
		checkpoints: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoints written",
		}, []string{"group"}),
	}
	reg.MustRegister(pr.steps, pr.learningRate, pr.stepMetrics, pr.evalMetrics,
		pr.improvements, pr.bestValue, pr.checkpoints)
	return pr
}

func (p *PromRecorder) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {
	if p == nil {
		return
	}
	p.steps.Inc()
	p.learningRate.Set(lr)
	for name, value := range stepMetrics {
		p.stepMetrics.WithLabelValues(name).Set(value)
	}
}

func (p *PromRecorder) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	if p == nil {
		return
	}
	for name, value := range valid {
		p.evalMetrics.WithLabelValues(group, "valid", name).Set(value)
	}
	for name, value := range train {
		p.evalMetrics.WithLabelValues(group, "train", name).Set(value)
	}
}

func (p *PromRecorder) RecordImprovement(group string, counter int, value float64) {
	if p == nil {
		return
	}
	p.improvements.WithLabelValues(group).Inc()
	p.bestValue.WithLabelValues(group).Set(value)
}

func (p *PromRecorder) RecordCheckpoint(group string, counter int, path string) {
	if p == nil {
		return
	}
	p.checkpoints.WithLabelValues(group).Inc()
}

var _ training.Recorder = (*PromRecorder)(nil)
