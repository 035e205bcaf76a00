package training

import (
	"fmt"
	"math"
	"strings"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/distributed"
	"github.com/tsawler/go-trainer/metrics"
	"github.com/tsawler/go-trainer/tensor"
)

// Checkpoint groups for best-model persistence.
const (
	GroupBest    = "best"
	GroupBestEMA = "best_ema"
)

// TrainingState tracks the orchestrator's progress: the run counter (epoch
// or step index) and the best monitored values seen so far. The Best fields
// are written only by the improvement decision on the coordinator.
type TrainingState struct {
	Counter        int
	Best           float64
	BestCounter    int
	BestEMA        float64
	BestEMACounter int
}

// newTrainingState seeds the best slots so any first observation improves.
func newTrainingState(smallIsBetter bool) *TrainingState {
	worst := math.Inf(-1)
	if smallIsBetter {
		worst = math.Inf(1)
	}
	return &TrainingState{
		Counter:        1,
		Best:           worst,
		BestCounter:    -1,
		BestEMA:        worst,
		BestEMACounter: -1,
	}
}

// Decision is the outcome of one evaluation boundary, identical on every
// rank: whether the monitored metric improved (persisting a checkpoint on
// the coordinator) and whether qualitative sampling should run.
type Decision struct {
	Improved     bool
	ShouldSample bool
}

// evaluate applies the improvement policy for one checkpoint group. The
// banks must already be rank-reduced. label prefixes the report line
// ("Epoch[001/100]", "Step-EMA[000200]"); best and bestCounter select the
// primary or EMA slots of the state. The decision is made on the
// coordinator and broadcast, so every rank returns the same Decision.
func (s *services) evaluate(label, group string, valid, train *metrics.Meters, best *float64, bestCounter *int, stepSched bool) (Decision, error) {
	monitorValue, ok := valid.Get(s.monitor)
	if !ok {
		return Decision{}, fmt.Errorf("monitored metric %q missing from validation metrics", s.monitor)
	}

	// The scheduler consumes the reduced monitor value, so it moves in
	// lockstep on every rank.
	if stepSched {
		s.stepScheduler(monitorValue)
	}

	var improved, shouldSample bool
	if s.coordinator() {
		switch {
		case s.smallIsBetter && monitorValue < *best:
			improved = true
			*best = monitorValue
		case !s.smallIsBetter && monitorValue > *best:
			improved = true
			*best = math.Max(*best, monitorValue)
		}
		if !improved && s.sampleAtLeastEvery > 0 && s.state.Counter-*bestCounter >= s.sampleAtLeastEvery {
			improved = true
		}

		if improved {
			*bestCounter = s.state.Counter
			record, err := s.buildRecord()
			if err != nil {
				return Decision{}, err
			}
			path, err := s.store.Save(group, record)
			if err != nil {
				return Decision{}, fmt.Errorf("save checkpoint: %w", err)
			}
			s.rec.RecordImprovement(group, s.state.Counter, monitorValue)
			s.rec.RecordCheckpoint(group, s.state.Counter, path)
			shouldSample = s.state.Counter > s.warmupSaves || s.debug || !s.saveOnlyImproved
		}
		s.log.Info(s.evalLine(label, valid, train, *best, improved))
	}

	flags, err := distributed.BroadcastBools(s.comm, []bool{improved, shouldSample}, 0)
	if err != nil {
		return Decision{}, fmt.Errorf("broadcast decision: %w", err)
	}
	s.rec.RecordEvaluation(group, s.state.Counter, valid.Averages(), train.Averages())
	return Decision{Improved: flags[0], ShouldSample: flags[1]}, nil
}

// evalLine formats the coordinator's evaluation report: the monitored
// metric first as name[valid;train] with the best-so-far annotation, then
// the remaining metrics sorted by name.
func (s *services) evalLine(label string, valid, train *metrics.Meters, best float64, improved bool) string {
	keys := metrics.UnionKeys(s.monitor, valid, train)
	star := ""
	if improved {
		star = "*"
	}

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, metrics.FormatAcross(keys[0], valid, train))
	parts = append(parts, fmt.Sprintf("(best:%.4f%s)", best, star))
	for _, k := range keys[1:] {
		parts = append(parts, metrics.FormatAcross(k, valid, train))
	}
	return label + " " + strings.Join(parts, " ")
}

// buildRecord captures the current weights, optimizer state and counter as
// a self-contained checkpoint record.
func (s *services) buildRecord() (*checkpoints.Record, error) {
	optState, err := s.opt.GetState()
	if err != nil {
		return nil, fmt.Errorf("extract optimizer state: %w", err)
	}
	record := &checkpoints.Record{
		Counter:        s.state.Counter,
		Weights:        checkpoints.ExtractWeights(s.pair.Primary),
		OptimizerState: optState,
	}
	if s.pair.HasEMA() {
		record.EMAWeights = checkpoints.ExtractWeights(s.pair.EMA)
	}
	return record, nil
}

// restore loads a checkpoint record, restoring whatever it carries and
// warning about what it lacks. The run resumes after the recorded counter.
func (s *services) restore(path string) error {
	record, err := s.store.Load(path)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	if len(record.Weights) > 0 {
		if err := checkpoints.LoadWeightsInto(record.Weights, s.pair.Primary); err != nil {
			return fmt.Errorf("restore weights: %w", err)
		}
	} else {
		s.log.Warn("checkpoint has no model weights, keeping current weights", "path", path)
	}

	if s.pair.HasEMA() {
		if len(record.EMAWeights) > 0 {
			if err := checkpoints.LoadWeightsInto(record.EMAWeights, s.pair.EMA); err != nil {
				return fmt.Errorf("restore ema weights: %w", err)
			}
		} else {
			s.log.Warn("checkpoint has no ema weights, keeping current shadow", "path", path)
		}
	}

	if record.OptimizerState != nil {
		if err := s.opt.LoadState(record.OptimizerState); err != nil {
			return fmt.Errorf("restore optimizer state: %w", err)
		}
	} else {
		s.log.Warn("checkpoint has no optimizer state, keeping fresh optimizer", "path", path)
	}

	s.state.Counter = record.Counter + 1
	return nil
}

// sample runs the configured sampler when the decision asks for it. Every
// rank participates; samplers decide what each rank emits.
func (s *services) sample(params *tensor.ParamSet, decision Decision) error {
	if !decision.ShouldSample || s.sampler == nil {
		return nil
	}
	if err := s.sampler.Sample(params, s.state.Counter); err != nil {
		return fmt.Errorf("sampler: %w", err)
	}
	return nil
}

// stepMetrics merges a step's loss into its auxiliary metrics under the
// "loss" key.
func stepMetrics(res StepResult) map[string]float64 {
	out := make(map[string]float64, len(res.Metrics)+1)
	for k, v := range res.Metrics {
		out[k] = v
	}
	out["loss"] = res.Loss
	return out
}
