// Package tracking publishes run observations to operator-facing sinks:
// structured logs, Prometheus metrics, NATS events, a SQLite run store and
// a progression status file. Every sink implements training.Recorder;
// Multi fans one recorder stream out to several of them.
package tracking

import (
	"log/slog"
	"time"

	"github.com/tsawler/go-trainer/training"
)

// Event is the wire shape of one run observation, shared by the NATS
// recorder and anything else that serializes observations.
type Event struct {
	Run     string             `json:"run"`
	Kind    string             `json:"kind"`
	Group   string             `json:"group,omitempty"`
	Counter int                `json:"counter"`
	LR      float64            `json:"lr,omitempty"`
	Value   float64            `json:"value,omitempty"`
	Path    string             `json:"path,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Valid   map[string]float64 `json:"valid,omitempty"`
	Train   map[string]float64 `json:"train,omitempty"`
	Time    time.Time          `json:"time"`
}

// Event kinds.
const (
	KindStep        = "step"
	KindEvaluation  = "evaluation"
	KindImprovement = "improvement"
	KindCheckpoint  = "checkpoint"
)

// LogRecorder writes observations through a structured logger. Steps go to
// debug so per-batch noise stays out of a normal run log.
type LogRecorder struct {
	log *slog.Logger
}

// NewLogRecorder creates a recorder over logger. A nil logger falls back
// to slog.Default.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{log: logger}
}

func (r *LogRecorder) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {
	r.log.Debug("step", "counter", counter, "lr", lr, "metrics", stepMetrics)
}

func (r *LogRecorder) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	r.log.Info("evaluation", "group", group, "counter", counter, "valid", valid, "train", train)
}

func (r *LogRecorder) RecordImprovement(group string, counter int, value float64) {
	r.log.Info("improvement", "group", group, "counter", counter, "value", value)
}

func (r *LogRecorder) RecordCheckpoint(group string, counter int, path string) {
	r.log.Info("checkpoint written", "group", group, "counter", counter, "path", path)
}

// Multi fans observations out to every recorder in order.
type Multi struct {
	recorders []training.Recorder
}

// NewMulti combines recorders into one. Nil entries are skipped.
func NewMulti(recorders ...training.Recorder) *Multi {
	kept := make([]training.Recorder, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			kept = append(kept, r)
		}
	}
	return &Multi{recorders: kept}
}

func (m *Multi) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {
	for _, r := range m.recorders {
		r.RecordStep(counter, lr, stepMetrics)
	}
}

func (m *Multi) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	for _, r := range m.recorders {
		r.RecordEvaluation(group, counter, valid, train)
	}
}

func (m *Multi) RecordImprovement(group string, counter int, value float64) {
	for _, r := range m.recorders {
		r.RecordImprovement(group, counter, value)
	}
}

func (m *Multi) RecordCheckpoint(group string, counter int, path string) {
	for _, r := range m.recorders {
		r.RecordCheckpoint(group, counter, path)
	}
}

var (
	_ training.Recorder = (*LogRecorder)(nil)
	_ training.Recorder = (*Multi)(nil)
)
