package tracking

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tsawler/go-trainer/training"
)

// ProgressionState is the JSON shape of the status file.
type ProgressionState struct {
	Run     string             `json:"run,omitempty"`
	Name    string             `json:"name,omitempty"`
	Counter int                `json:"counter"`
	Total   int                `json:"total,omitempty"`
	Percent float64            `json:"percent,omitempty"`
	LR      float64            `json:"lr,omitempty"`
	Valid   map[string]float64 `json:"valid,omitempty"`
	Train   map[string]float64 `json:"train,omitempty"`
	Best    map[string]float64 `json:"best,omitempty"`
	Updated time.Time          `json:"updated"`
}

// ReadProgression loads a status file written by Progression.
func ReadProgression(path string) (*ProgressionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var state ProgressionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing progression state %s: %w", path, err)
	}
	return &state, nil
}

// Progression mirrors the run state into a small JSON file that outside
// tooling polls; trainctl watch tails it. Writes go through a temp file
// and a rename so readers never see a half-written document.
type Progression struct {
	path string
	log  *slog.Logger

	mu        sync.Mutex
	state     ProgressionState
	lastWrite time.Time
	stepEvery time.Duration
}

// NewProgression creates a status file writer. Total is the number of
// counters the run will take; zero leaves the percent field out.
func NewProgression(path, run, name string, total int, logger *slog.Logger) *Progression {
	if logger == nil {
		logger = slog.Default()
	}
	return &Progression{
		path: path,
		log:  logger,
		state: ProgressionState{
			Run:   run,
			Name:  name,
			Total: total,
			Best:  map[string]float64{},
		},
		stepEvery: time.Second,
	}
}

// write flushes the current state to disk. Callers hold p.mu.
func (p *Progression) write() {
	p.state.Updated = time.Now().UTC()
	if p.state.Total > 0 {
		p.state.Percent = 100 * float64(p.state.Counter) / float64(p.state.Total)
	}
	data, err := json.MarshalIndent(p.state, "", "  ")
	if err != nil {
		p.log.Warn("encoding progression state", "error", err)
		return
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		p.log.Warn("writing progression state", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, p.path); err != nil {
		p.log.Warn("replacing progression state", "path", p.path, "error", err)
		return
	}
	p.lastWrite = time.Now()
}

// RecordStep refreshes the counter and learning rate. Disk writes are
// throttled to one per second; evaluation boundaries always flush.
func (p *Progression) RecordStep(counter int, lr float64, stepMetrics map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Counter = counter
	p.state.LR = lr
	if time.Since(p.lastWrite) >= p.stepEvery {
		p.write()
	}
}

func (p *Progression) RecordEvaluation(group string, counter int, valid, train map[string]float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Counter = counter
	if group == training.GroupBest {
		p.state.Valid = valid
		p.state.Train = train
	}
	p.write()
}

func (p *Progression) RecordImprovement(group string, counter int, value float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.Best[group] = value
	p.write()
}

func (p *Progression) RecordCheckpoint(group string, counter int, path string) {}

var _ training.Recorder = (*Progression)(nil)
