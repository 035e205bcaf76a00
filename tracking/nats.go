package tracking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tsawler/go-trainer/training"
)

// DefaultSubject is the subject training events are published to when the
// caller does not pick one.
const DefaultSubject = "training.events"

// publisher is the slice of *nats.Conn the recorder needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRecorder publishes run observations as JSON events. Publishing is
// fire and forget; a failed publish is logged and dropped so telemetry
// never stalls a training step.
type NATSRecorder struct {
	conn    *nats.Conn
	pub     publisher
	subject string
	run     string
	log     *slog.Logger
}

// NewNATSRecorder connects to the NATS server at url and publishes events
// for the named run. An empty subject falls back to DefaultSubject.
func NewNATSRecorder(url, subject, run string, logger *slog.Logger) (*NATSRecorder, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	r := newNATSRecorder(conn, subject, run, logger)
	r.conn = conn
	return r, nil
}

// newNATSRecorder wires a recorder over any publisher. Tests use it to
// capture events without a server.
func newNATSRecorder(pub publisher, subject, run string, logger *slog.Logger) *NATSRecorder {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSRecorder{pub: pub, subject: subject, run: run, log: logger}
}

// Close flushes pending events and drops the connection.
func (r *NATSRecorder) Close() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Flush(); err != nil {
		r.log.Warn("flushing nats events", "error", err)
	}
	r.conn.Close()
}

func (r *NATSRecorder) publish(event Event) {
	event.Run = r.run
	event.Time = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		r.log.Warn("encoding training event", "kind", event.Kind, "error", err)
		return
	}
	if err := r.pub.Publish(r.subject, data); err != nil {
		r.log.Warn("publishing training event", "kind", event.Kind, "error", err)
	}
}

func (r *NATSRecorder) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {
	r.publish(Event{Kind: KindStep, Counter: counter, LR: lr, Metrics: stepMetrics})
}

func (r *NATSRecorder) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	r.publish(Event{Kind: KindEvaluation, Group: group, Counter: counter, Valid: valid, Train: train})
}

func (r *NATSRecorder) RecordImprovement(group string, counter int, value float64) {
	r.publish(Event{Kind: KindImprovement, Group: group, Counter: counter, Value: value})
}

func (r *NATSRecorder) RecordCheckpoint(group string, counter int, path string) {
	r.publish(Event{Kind: KindCheckpoint, Group: group, Counter: counter, Path: path})
}

var _ training.Recorder = (*NATSRecorder)(nil)
