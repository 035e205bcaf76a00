package training

import (
	"context"
	"fmt"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/optimizer"
)

// StepTrainer is the step-indexed loop driver: the training split is
// consumed as an endless stream and the improvement policy runs every
// ValidPerSteps optimization steps instead of once per epoch. Suited to
// large datasets where an epoch is too coarse an evaluation cadence.
type StepTrainer struct {
	*services
	cycle      *Cycle
	prefetcher *Prefetcher
	valid      *DataLoader
	test       *DataLoader // reserved for callers; the loop never touches it
	totalSteps int
	evalEvery  int
}

// NewStepTrainer creates a step-indexed trainer over 2 or 3 data splits
// (train, valid, optional test). TotalSteps and ValidPerSteps are required.
func NewStepTrainer(model Model, opt optimizer.Optimizer, loaders []*DataLoader, cfg Config) (*StepTrainer, error) {
	if len(loaders) != 2 && len(loaders) != 3 {
		return nil, fmt.Errorf("dataset must provide 2 or 3 loaders (train, valid[, test]), got %d", len(loaders))
	}
	if cfg.TotalSteps <= 0 {
		return nil, fmt.Errorf("total steps must be positive, got %d", cfg.TotalSteps)
	}
	if cfg.ValidPerSteps <= 0 {
		return nil, fmt.Errorf("valid per steps must be positive, got %d", cfg.ValidPerSteps)
	}

	svc, err := buildServices(model, opt, cfg, stepCounterPad)
	if err != nil {
		return nil, err
	}
	cycle, err := NewCycle(loaders[0])
	if err != nil {
		return nil, err
	}

	total := cfg.TotalSteps
	if cfg.Debug && total > 2 {
		total = 2
	}

	t := &StepTrainer{
		services:   svc,
		cycle:      cycle,
		valid:      loaders[1],
		totalSteps: total,
		evalEvery:  cfg.ValidPerSteps,
	}
	if len(loaders) == 3 {
		t.test = loaders[2]
	}
	if cfg.PrefetchDepth > 0 {
		t.prefetcher, err = NewPrefetcher(cycle, cfg.PrefetchDepth)
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// State exposes the run counter and best-metric tracking.
func (t *StepTrainer) State() *TrainingState { return t.state }

// Store exposes the checkpoint store backing the run.
func (t *StepTrainer) Store() *checkpoints.Store { return t.store }

// Restore resumes from a checkpoint file written by this trainer and
// realigns the per-batch schedule with the restored step counter.
func (t *StepTrainer) Restore(path string) error {
	if err := t.restore(path); err != nil {
		return err
	}
	t.globalStep = t.state.Counter - 1
	return nil
}

func (t *StepTrainer) nextBatch() (*Batch, error) {
	if t.prefetcher != nil {
		return t.prefetcher.Next()
	}
	return t.cycle.Next()
}

// evalStage reports whether the current step ends with an evaluation. The
// final step always evaluates so a run never finishes with unassessed work.
func (t *StepTrainer) evalStage() bool {
	return t.debug || t.state.Counter%t.evalEvery == 0 || t.state.Counter == t.totalSteps
}

// Fit runs the full training loop until the configured number of steps or
// until ctx is cancelled.
func (t *StepTrainer) Fit(ctx context.Context) error {
	if t.prefetcher != nil {
		if err := t.prefetcher.Start(); err != nil {
			return err
		}
		defer t.prefetcher.Stop()
	}
	t.trainMeters.Reset()

	var bar *ProgressBar
	segmentStart := t.state.Counter
	if t.coordinator() {
		bar = t.segmentBar(segmentStart)
	}

	for ; t.state.Counter <= t.totalSteps; t.state.Counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := t.nextBatch()
		if err != nil {
			return fmt.Errorf("step %d: %w", t.state.Counter, err)
		}
		if batch == nil {
			return fmt.Errorf("step %d: training stream ended", t.state.Counter)
		}
		if _, err := t.trainBatch(batch); err != nil {
			return fmt.Errorf("step %d: %w", t.state.Counter, err)
		}
		if bar != nil {
			bar.Update(t.state.Counter-segmentStart+1, t.trainMeters.Averages())
		}

		if !t.evalStage() {
			continue
		}
		if bar != nil {
			bar.Finish()
			bar = nil
		}
		if err := t.evaluateStep(ctx); err != nil {
			return fmt.Errorf("step %d: %w", t.state.Counter, err)
		}
		t.trainMeters.Reset()
		if t.coordinator() && t.state.Counter < t.totalSteps {
			segmentStart = t.state.Counter + 1
			bar = t.segmentBar(segmentStart)
		}
	}
	return nil
}

// segmentBar returns a progress bar covering the steps from start to the
// next evaluation boundary.
func (t *StepTrainer) segmentBar(start int) *ProgressBar {
	end := ((start + t.evalEvery - 1) / t.evalEvery) * t.evalEvery
	if end > t.totalSteps {
		end = t.totalSteps
	}
	description := fmt.Sprintf("Steps %d-%d (Training)", start, end)
	return t.newBar(description, end-start+1)
}

// evaluateStep runs validation (and the EMA validation when enabled),
// reduces the banks across ranks, and applies the improvement policy.
func (t *StepTrainer) evaluateStep(ctx context.Context) error {
	description := fmt.Sprintf("Step %d (Validation)", t.state.Counter)
	if err := t.validPass(ctx, t.valid, t.pair.Primary, t.validMeters, description); err != nil {
		return err
	}
	if t.pair.HasEMA() {
		description = fmt.Sprintf("Step %d (Validation EMA)", t.state.Counter)
		if err := t.validPass(ctx, t.valid, t.pair.EMA, t.emaMeters, description); err != nil {
			return err
		}
	}

	if err := t.reduceBank(t.validMeters); err != nil {
		return err
	}
	if t.pair.HasEMA() {
		if err := t.reduceBank(t.emaMeters); err != nil {
			return err
		}
	}
	if err := t.reduceBank(t.trainMeters); err != nil {
		return err
	}

	label := fmt.Sprintf("Step[%06d/%06d]", t.state.Counter, t.totalSteps)
	decision, err := t.evaluate(label, GroupBest, t.validMeters, t.trainMeters,
		&t.state.Best, &t.state.BestCounter, true)
	if err != nil {
		return err
	}
	if err := t.sample(t.pair.Primary, decision); err != nil {
		return err
	}

	if t.pair.HasEMA() {
		label = fmt.Sprintf("Step-EMA[%06d/%06d]", t.state.Counter, t.totalSteps)
		emaDecision, err := t.evaluate(label, GroupBestEMA, t.emaMeters, t.trainMeters,
			&t.state.BestEMA, &t.state.BestEMACounter, false)
		if err != nil {
			return err
		}
		if err := t.sample(t.pair.EMA, emaDecision); err != nil {
			return err
		}
	}
	return nil
}
