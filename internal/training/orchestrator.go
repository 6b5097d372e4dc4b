package training

import (
	"context"
	"fmt"

	"nestor/internal/checkpoint"
	"nestor/internal/dataset"
)

// Session collects metrics for one epoch of one level. Close flushes; the
// loop guarantees it runs on every exit path.
type Session interface {
	Record(name string, value float64)
	Close() error
}

// Recorder hands out metric sessions keyed by level and epoch.
type Recorder interface {
	Session(namespace string, epoch int) Session
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) Session(string, int) Session { return nopSession{} }

type nopSession struct{}

func (nopSession) Record(string, float64) {}
func (nopSession) Close() error           { return nil }

// LoopConfig drives the epoch loop. All cadences count epochs and fire when
// (epoch+1) is divisible by the frequency.
type LoopConfig struct {
	MaxEpochs      int  `json:"max_epochs"`
	CheckpointFreq int  `json:"checkpoint_freq"`
	ValidationFreq int  `json:"validation_freq"`
	DecayFreq      int  `json:"decay_freq"`
	Resume         bool `json:"resume"`
}

func (c LoopConfig) Validate() error {
	if c.MaxEpochs < 1 {
		return fmt.Errorf("%w: max epochs must be >= 1", ErrConfiguration)
	}
	if c.CheckpointFreq < 1 {
		return fmt.Errorf("%w: checkpoint frequency must be >= 1", ErrConfiguration)
	}
	if c.ValidationFreq < 1 {
		return fmt.Errorf("%w: validation frequency must be >= 1", ErrConfiguration)
	}
	if c.DecayFreq < 1 {
		return fmt.Errorf("%w: decay frequency must be >= 1", ErrConfiguration)
	}
	return nil
}

// Orchestrator runs the resumable epoch loop for one level. Each epoch runs
// its phases in a fixed order: train, then checkpoint, validate, and decay on
// their cadences. A final checkpoint is always saved when the loop ends.
type Orchestrator struct {
	cfg      LoopConfig
	exec     ExecContext
	store    checkpoint.Store
	recorder Recorder
}

func NewOrchestrator(cfg LoopConfig, exec ExecContext, store checkpoint.Store, recorder Recorder) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", ErrConfiguration)
	}
	if recorder == nil {
		recorder = NopRecorder{}
	}
	return &Orchestrator{cfg: cfg, exec: exec, store: store, recorder: recorder}, nil
}

// Run trains the unit from its resume point to the epoch bound. Epochs count
// from 1; the last trained epoch is MaxEpochs-1, and the final checkpoint is
// tagged with it. A run resumed after completion trains nothing and only
// rewrites that final checkpoint.
func (o *Orchestrator) Run(ctx context.Context, unit *LevelUnit, train, valid dataset.Source) error {
	if train == nil || train.SampleCount() == 0 {
		return fmt.Errorf("%w: training source holds no samples", ErrConfiguration)
	}

	startEpoch := 1
	if o.cfg.Resume {
		ckpt, ok, err := o.store.Load(ctx, unit.Level())
		if err != nil {
			return fmt.Errorf("%w: load checkpoint for %s: %v", ErrResumption, unit.Level(), err)
		}
		if ok {
			if err := unit.Restore(ckpt); err != nil {
				return err
			}
			if ckpt.Epoch+1 > startEpoch {
				startEpoch = ckpt.Epoch + 1
			}
		}
	}

	for epoch := startEpoch; epoch < o.cfg.MaxEpochs; epoch++ {
		if err := o.runEpoch(ctx, unit, train, valid, epoch); err != nil {
			return err
		}
	}

	final := unit.Snapshot(o.cfg.MaxEpochs - 1)
	if err := o.store.Save(ctx, final); err != nil {
		return fmt.Errorf("save final checkpoint for %s: %w", unit.Level(), err)
	}
	return nil
}

func (o *Orchestrator) runEpoch(ctx context.Context, unit *LevelUnit, train, valid dataset.Source, epoch int) (err error) {
	sess := o.recorder.Session(unit.Level(), epoch)
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	batches, err := train.Batches()
	if err != nil {
		return err
	}

	var agg MeanAggregator
	for _, batch := range batches {
		loss, err := unit.TrainStep(ctx, o.exec, batch)
		if err != nil {
			return err
		}
		agg.Add(loss)
	}
	sess.Record("train_loss", agg.Mean())
	sess.Record("learning_rate", unit.Schedule().Rate())

	// Checkpoint before validation and decay: a cadence save carries the
	// pre-decay schedule state and survives a validation failure in the
	// same epoch.
	if (epoch+1)%o.cfg.CheckpointFreq == 0 {
		if err := o.store.Save(ctx, unit.Snapshot(epoch)); err != nil {
			return fmt.Errorf("save checkpoint for %s at epoch %d: %w", unit.Level(), epoch, err)
		}
	}

	if valid != nil && (epoch+1)%o.cfg.ValidationFreq == 0 {
		vloss, err := ValidateWeighted(ctx, o.exec, unit, valid)
		if err != nil {
			return err
		}
		sess.Record("validation_loss", vloss)
	}

	if (epoch+1)%o.cfg.DecayFreq == 0 {
		unit.Schedule().Advance()
	}
	return nil
}
