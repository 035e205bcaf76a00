package tracking

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

// capturePublisher records published messages in order.
type capturePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNATSRecorderPublishesEvents(t *testing.T) {
	pub := &capturePublisher{}
	rec := newNATSRecorder(pub, "runs.metrics", "run-1", discardLogger())

	rec.RecordEvaluation("best", 4, map[string]float64{"loss": 0.25}, map[string]float64{"loss": 0.3})
	rec.RecordImprovement("best", 4, 0.25)
	rec.RecordCheckpoint("best", 4, "ckpts/best_ep0004.ckpt")
	rec.RecordStep(40, 0.01, map[string]float64{"loss": 0.2})

	require.Len(t, pub.payloads, 4)
	for _, subject := range pub.subjects {
		require.Equal(t, "runs.metrics", subject)
	}

	var eval Event
	require.NoError(t, json.Unmarshal(pub.payloads[0], &eval))
	require.Equal(t, "run-1", eval.Run)
	require.Equal(t, KindEvaluation, eval.Kind)
	require.Equal(t, "best", eval.Group)
	require.Equal(t, 4, eval.Counter)
	require.Equal(t, 0.25, eval.Valid["loss"])
	require.False(t, eval.Time.IsZero())

	var step Event
	require.NoError(t, json.Unmarshal(pub.payloads[3], &step))
	require.Equal(t, KindStep, step.Kind)
	require.Equal(t, 0.01, step.LR)
}

func TestNATSRecorderDefaultSubject(t *testing.T) {
	pub := &capturePublisher{}
	rec := newNATSRecorder(pub, "", "run-1", discardLogger())

	rec.RecordStep(1, 0.1, nil)
	require.Equal(t, []string{DefaultSubject}, pub.subjects)
}

func TestNATSRecorderDropsFailedPublish(t *testing.T) {
	pub := &capturePublisher{err: errors.New("no route to server")}
	rec := newNATSRecorder(pub, "", "run-1", discardLogger())

	// Must not panic or block; the failure is logged and dropped.
	rec.RecordEvaluation("best", 1, nil, nil)
	require.Empty(t, pub.payloads)
}
