// Package checkpoints persists and restores training state: model weights,
// an optional EMA shadow copy, optimizer state, and the training counter.
// Records are self-contained; restoring tolerates absent sections so older
// checkpoints stay loadable.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-trainer/tensor"
)

// Format defines the serialization format.
type Format int

const (
	FormatJSON Format = iota
	FormatBinary
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Ext returns the file extension for the format.
func (f Format) Ext() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatBinary:
		return ".ckpt"
	default:
		return ".bin"
	}
}

// Record is a complete snapshot of a training run at one counter value.
type Record struct {
	// Counter is the epoch or step the snapshot was taken at.
	Counter int `json:"counter"`

	// Weights holds the primary model parameters.
	Weights []WeightTensor `json:"weights"`

	// EMAWeights holds the EMA shadow parameters, when EMA is enabled.
	EMAWeights []WeightTensor `json:"ema_weights,omitempty"`

	// OptimizerState holds the optimizer's internal buffers, if available.
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents one named parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.).
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "AdamW", etc.
	StepCount  uint64             `json:"step_count"`
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents one optimizer state tensor.
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v", etc.
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
}

// Saver reads and writes checkpoint records in a fixed format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for the specified format.
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Format returns the saver's serialization format.
func (s *Saver) Format() Format { return s.format }

// Save writes a record to path.
func (s *Saver) Save(record *Record, path string) error {
	if record.Metadata.Framework == "" {
		record.Metadata.Framework = "go-trainer"
		record.Metadata.Version = "1.0.0"
		record.Metadata.CreatedAt = time.Now()
	}

	switch s.format {
	case FormatJSON:
		return s.saveJSON(record, path)
	case FormatBinary:
		return s.saveBinary(record, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

// Load reads a record from path.
func (s *Saver) Load(path string) (*Record, error) {
	switch s.format {
	case FormatJSON:
		return s.loadJSON(path)
	case FormatBinary:
		return s.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", s.format)
	}
}

func (s *Saver) saveJSON(record *Record, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(record); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return nil
}

func (s *Saver) loadJSON(path string) (*Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var record Record
	if err := json.NewDecoder(file).Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &record, nil
}

// ExtractWeights copies a parameter set into serializable weight tensors,
// preserving parameter order.
func ExtractWeights(params *tensor.ParamSet) []WeightTensor {
	weights := make([]WeightTensor, 0, params.Len())
	_ = params.Each(func(name string, t *tensor.Tensor) error {
		data := make([]float32, len(t.Data))
		copy(data, t.Data)
		weights = append(weights, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), t.Shape...),
			Data:  data,
		})
		return nil
	})
	return weights
}

// LoadWeightsInto copies serialized weights back into a parameter set.
// Every parameter must be present with a matching shape.
func LoadWeightsInto(weights []WeightTensor, params *tensor.ParamSet) error {
	if len(weights) != params.Len() {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), params.Len())
	}

	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}

	return params.Each(func(name string, t *tensor.Tensor) error {
		w, ok := byName[name]
		if !ok {
			return fmt.Errorf("checkpoint missing parameter %q", name)
		}
		if !tensor.SameShape(w.Shape, t.Shape) {
			return fmt.Errorf("shape mismatch for parameter %q: checkpoint %v vs model %v", name, w.Shape, t.Shape)
		}
		copy(t.Data, w.Data)
		return nil
	})
}
