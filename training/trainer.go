package training

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/distributed"
	"github.com/tsawler/go-trainer/metrics"
	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
)

// Checkpoint counter padding. Epoch-indexed runs pad to four digits,
// step-indexed runs to six, so lexicographic file order equals counter
// order for realistic run lengths.
const (
	epochCounterPad = 4
	stepCounterPad  = 6
)

// services bundles everything the epoch and step drivers share: the step
// engine, metric banks, improvement policy inputs, and the collaborators
// injected through Config.
type services struct {
	model  Model
	pair   *ModelPair
	engine *stepEngine
	opt    optimizer.Optimizer

	sched       LRScheduler
	metricSched MetricScheduler // non-nil when sched consumes the monitor
	schedOnStep bool
	baseLR      float64
	globalStep  int

	comm  distributed.Communicator
	store *checkpoints.Store
	state *TrainingState

	trainMeters *metrics.Meters
	validMeters *metrics.Meters
	emaMeters   *metrics.Meters

	pre     Preprocessor
	sampler Sampler
	rec     Recorder
	log     *slog.Logger

	monitor            string
	smallIsBetter      bool
	sampleAtLeastEvery int
	warmupSaves        int
	saveOnlyImproved   bool
	debug              bool
	progressWidth      int
	progressOut        io.Writer
}

// buildServices validates the configuration and assembles the shared
// services. pad is the checkpoint counter padding of the calling driver.
func buildServices(model Model, opt optimizer.Optimizer, cfg Config, pad int) (*services, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}

	monitor := cfg.Monitor
	if monitor == "" {
		monitor = "loss"
	}
	mode := cfg.MonitorMode
	if mode == "" {
		mode = "min"
	}
	if mode != "min" && mode != "max" {
		return nil, fmt.Errorf("monitor mode must be \"min\" or \"max\", got %q", cfg.MonitorMode)
	}
	smallIsBetter := mode == "min"

	comm := cfg.Communicator
	if comm == nil {
		comm = distributed.NewSingle()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var scaler *GradScaler
	if cfg.UseMixedPrecision {
		scaler = NewGradScaler(cfg.InitialLossScale)
	}

	pair := NewModelPair(model.Params(), cfg.UseEMA)
	var ema *EMATracker
	if cfg.UseEMA {
		decay := cfg.EMADecay
		if decay == 0 {
			decay = 0.999
		}
		var err error
		ema, err = NewEMATracker(decay)
		if err != nil {
			return nil, err
		}
	}

	engine, err := newStepEngine(model, pair, opt, scaler, ema, cfg.ClipGradNorm)
	if err != nil {
		return nil, err
	}

	dir := cfg.CheckpointDir
	if dir == "" {
		dir = "checkpoints"
	}
	numSaves := cfg.NumSaves
	if numSaves <= 0 {
		numSaves = 5
	}
	store, err := checkpoints.NewStore(dir, cfg.CheckpointFormat, numSaves, pad, logger)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = &ConstantLR{}
	}
	metricSched, _ := sched.(MetricScheduler)

	pre := cfg.Preprocessor
	if pre == nil {
		pre = passthroughPreprocessor{}
	}
	rec := cfg.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}

	warmupSaves := cfg.WarmupSaves
	if cfg.Debug {
		warmupSaves = 0
	}
	progressWidth := cfg.ProgressWidth
	if progressWidth <= 0 {
		progressWidth = 70
	}

	return &services{
		model:              model,
		pair:               pair,
		engine:             engine,
		opt:                opt,
		sched:              sched,
		metricSched:        metricSched,
		schedOnStep:        cfg.ScheduleOnStep,
		baseLR:             opt.GetLR(),
		comm:               comm,
		store:              store,
		state:              newTrainingState(smallIsBetter),
		trainMeters:        metrics.NewMeters("loss"),
		validMeters:        metrics.NewMeters("loss"),
		emaMeters:          metrics.NewMeters("loss"),
		pre:                pre,
		sampler:            cfg.Sampler,
		rec:                rec,
		log:                logger,
		monitor:            monitor,
		smallIsBetter:      smallIsBetter,
		sampleAtLeastEvery: cfg.SampleAtLeastEvery,
		warmupSaves:        warmupSaves,
		saveOnlyImproved:   cfg.SaveOnlyImproved,
		debug:              cfg.Debug,
		progressWidth:      progressWidth,
		progressOut:        cfg.ProgressOutput,
	}, nil
}

// newBar builds a progress bar honoring the configured output target.
func (s *services) newBar(description string, total int) *ProgressBar {
	bar := NewProgressBar(description, total, s.progressWidth)
	if s.progressOut != nil {
		bar.SetOutput(s.progressOut)
	}
	return bar
}

// coordinator reports whether this rank owns persistence and logging.
func (s *services) coordinator() bool {
	return s.comm.Context().IsCoordinator()
}

// trainBatch runs one optimization step and folds its metrics into the
// training bank.
func (s *services) trainBatch(batch *Batch) (map[string]float64, error) {
	sample, err := s.pre.Process(batch, true)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	res, err := s.engine.TrainStep(sample)
	if err != nil {
		return nil, err
	}

	step := stepMetrics(res)
	s.trainMeters.UpdateDict(sample.Size, step)

	s.globalStep++
	if s.schedOnStep {
		s.opt.SetLR(s.sched.GetLR(s.globalStep, s.baseLR))
	}
	s.rec.RecordStep(s.state.Counter, s.opt.GetLR(), step)
	return step, nil
}

// validPass evaluates params over one epoch of loader into bank. No
// gradients, no augmentation.
func (s *services) validPass(ctx context.Context, loader *DataLoader, params *tensor.ParamSet, bank *metrics.Meters, description string) error {
	bank.Reset()
	loader.Reset()

	var bar *ProgressBar
	if s.coordinator() {
		bar = s.newBar(description, loader.Len())
	}

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := loader.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		sample, err := s.pre.Process(batch, false)
		if err != nil {
			return fmt.Errorf("preprocess: %w", err)
		}
		res, err := s.engine.EvalStep(params, sample)
		if err != nil {
			return err
		}
		bank.UpdateDict(sample.Size, stepMetrics(res))
		done++
		if bar != nil {
			bar.Update(done, bank.Averages())
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// reduceBank replaces the bank's totals with their cross-rank sums so every
// rank sees the same exact global averages. One collective per bank.
func (s *services) reduceBank(bank *metrics.Meters) error {
	if s.comm.Context().WorldSize < 2 {
		return nil
	}
	sums, counts := bank.Totals()
	packed := make(map[string]float64, 2*len(sums))
	for k, v := range sums {
		packed[k+".sum"] = v
		packed[k+".weight"] = float64(counts[k])
	}
	reduced, err := distributed.ReduceScalars(s.comm, packed, false)
	if err != nil {
		return fmt.Errorf("reduce metrics: %w", err)
	}
	for k := range sums {
		bank.SetTotals(k, reduced[k+".sum"], int(reduced[k+".weight"]+0.5))
	}
	return nil
}

// stepScheduler advances the learning rate at an evaluation boundary.
// Metric-consuming schedulers see the monitored value; counter-indexed
// schedulers are re-sampled here unless they already advance per batch.
func (s *services) stepScheduler(monitorValue float64) {
	switch {
	case s.metricSched != nil:
		s.opt.SetLR(s.metricSched.StepMetric(monitorValue, s.opt.GetLR()))
	case !s.schedOnStep:
		s.opt.SetLR(s.sched.GetLR(s.state.Counter, s.baseLR))
	}
}

// Trainer is the epoch-indexed loop driver: train one epoch, validate,
// reduce, decide, repeat.
type Trainer struct {
	*services
	train  *DataLoader
	valid  *DataLoader
	test   *DataLoader // reserved for callers; the loop never touches it
	epochs int
}

// NewTrainer creates an epoch-indexed trainer over 2 or 3 data splits
// (train, valid, optional test).
func NewTrainer(model Model, opt optimizer.Optimizer, loaders []*DataLoader, cfg Config) (*Trainer, error) {
	if len(loaders) != 2 && len(loaders) != 3 {
		return nil, fmt.Errorf("dataset must provide 2 or 3 loaders (train, valid[, test]), got %d", len(loaders))
	}
	if cfg.Epochs <= 0 {
		return nil, fmt.Errorf("epochs must be positive, got %d", cfg.Epochs)
	}

	svc, err := buildServices(model, opt, cfg, epochCounterPad)
	if err != nil {
		return nil, err
	}

	epochs := cfg.Epochs
	if cfg.Debug && epochs > 2 {
		epochs = 2
	}

	t := &Trainer{
		services: svc,
		train:    loaders[0],
		valid:    loaders[1],
		epochs:   epochs,
	}
	if len(loaders) == 3 {
		t.test = loaders[2]
	}
	return t, nil
}

// State exposes the run counter and best-metric tracking.
func (t *Trainer) State() *TrainingState { return t.state }

// Store exposes the checkpoint store backing the run.
func (t *Trainer) Store() *checkpoints.Store { return t.store }

// Restore resumes from a checkpoint file written by this trainer.
func (t *Trainer) Restore(path string) error { return t.restore(path) }

// Fit runs the full training loop until the configured number of epochs or
// until ctx is cancelled.
func (t *Trainer) Fit(ctx context.Context) error {
	for ; t.state.Counter <= t.epochs; t.state.Counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.trainEpoch(ctx); err != nil {
			return fmt.Errorf("epoch %d: %w", t.state.Counter, err)
		}
		if err := t.evaluateEpoch(ctx); err != nil {
			return fmt.Errorf("epoch %d: %w", t.state.Counter, err)
		}
	}
	return nil
}

// trainEpoch drives one pass over the training split.
func (t *Trainer) trainEpoch(ctx context.Context) error {
	t.trainMeters.Reset()
	t.train.Reset()

	var bar *ProgressBar
	if t.coordinator() {
		description := fmt.Sprintf("Epoch %d/%d (Training)", t.state.Counter, t.epochs)
		bar = t.newBar(description, t.train.Len())
	}

	done := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := t.train.Next()
		if err != nil {
			return err
		}
		if batch == nil {
			break
		}
		if _, err := t.trainBatch(batch); err != nil {
			return err
		}
		done++
		if bar != nil {
			bar.Update(done, t.trainMeters.Averages())
		}
	}
	if bar != nil {
		bar.Finish()
	}
	return nil
}

// evaluateEpoch runs validation (and the EMA validation when enabled),
// reduces the banks across ranks, and applies the improvement policy.
func (t *Trainer) evaluateEpoch(ctx context.Context) error {
	description := fmt.Sprintf("Epoch %d/%d (Validation)", t.state.Counter, t.epochs)
	if err := t.validPass(ctx, t.valid, t.pair.Primary, t.validMeters, description); err != nil {
		return err
	}
	if t.pair.HasEMA() {
		description = fmt.Sprintf("Epoch %d/%d (Validation EMA)", t.state.Counter, t.epochs)
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

	label := fmt.Sprintf("Epoch[%03d/%03d]", t.state.Counter, t.epochs)
	decision, err := t.evaluate(label, GroupBest, t.validMeters, t.trainMeters,
		&t.state.Best, &t.state.BestCounter, true)
	if err != nil {
		return err
	}
	if err := t.sample(t.pair.Primary, decision); err != nil {
		return err
	}

	if t.pair.HasEMA() {
		label = fmt.Sprintf("Epoch-EMA[%03d/%03d]", t.state.Counter, t.epochs)
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
