package training

import (
	"context"
	"fmt"
	"math"

	"nestor/internal/model"
	"nestor/internal/operator"
)

// ExecContext names where a step executes. Single-process runs use Local();
// a distributed driver fills in its own rank and world size.
type ExecContext struct {
	Device    string
	Rank      int
	WorldSize int
}

func Local() ExecContext {
	return ExecContext{Device: "cpu", Rank: 0, WorldSize: 1}
}

// StepRunner is the strategy a loop drives: one gradient step or one scored
// evaluation per batch. Both return the batch's mean loss.
type StepRunner interface {
	TrainStep(ctx context.Context, exec ExecContext, batch model.Batch) (float64, error)
	EvalStep(ctx context.Context, exec ExecContext, batch model.Batch) (float64, error)
}

// Loss scores a prediction against its target and returns the gradient of the
// score with respect to the prediction.
type Loss interface {
	Score(pred, target model.Tensor) (float64, model.Tensor, error)
}

// MSELoss is the mean squared error over all tensor elements.
type MSELoss struct{}

func (MSELoss) Score(pred, target model.Tensor) (float64, model.Tensor, error) {
	if pred.Len() != target.Len() {
		return 0, model.Tensor{}, fmt.Errorf("%w: prediction and target length mismatch: got=%d want=%d", ErrComputation, pred.Len(), target.Len())
	}
	if pred.Len() == 0 {
		return 0, model.Tensor{}, fmt.Errorf("%w: empty prediction", ErrComputation)
	}

	n := float64(pred.Len())
	grad := model.NewTensor(pred.Shape...)
	sum := 0.0
	for i := range pred.Data {
		d := pred.Data[i] - target.Data[i]
		sum += d * d
		grad.Data[i] = 2 * d / n
	}
	return sum / n, grad, nil
}

// UnitConfig binds one level's operator, schedule, and field names.
type UnitConfig struct {
	Level       string
	InputField  string
	TargetField string
	Operator    operator.Config
	Schedule    ScheduleConfig
	Seed        int64
}

func (c UnitConfig) validate() error {
	if c.Level == "" {
		return fmt.Errorf("%w: level name is required", ErrConfiguration)
	}
	if c.InputField == "" || c.TargetField == "" {
		return fmt.Errorf("%w: input and target field names are required", ErrConfiguration)
	}
	return nil
}

// LevelUnit owns one level's trainable state: the operator, its optimizer,
// and its learning-rate schedule. It implements StepRunner.
type LevelUnit struct {
	cfg   UnitConfig
	op    *operator.Operator
	opt   *operator.Adam
	sched *StepSchedule
	loss  Loss
}

func NewLevelUnit(cfg UnitConfig) (*LevelUnit, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	op, err := operator.New(cfg.Operator, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	sched, err := NewStepSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &LevelUnit{
		cfg:   cfg,
		op:    op,
		opt:   operator.NewAdam(op.Parameters()),
		sched: sched,
		loss:  MSELoss{},
	}, nil
}

func (u *LevelUnit) Level() string {
	return u.cfg.Level
}

func (u *LevelUnit) Schedule() *StepSchedule {
	return u.sched
}

// TrainStep runs one gradient update on a normalized batch and returns its
// loss.
func (u *LevelUnit) TrainStep(ctx context.Context, _ ExecContext, batch model.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, target, err := u.splitBatch(batch)
	if err != nil {
		return 0, err
	}

	out, cache, err := u.op.ForwardWithCache(in)
	if err != nil {
		return 0, fmt.Errorf("%w: forward: %v", ErrComputation, err)
	}
	lossVal, grad, err := u.loss.Score(out, target)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return 0, fmt.Errorf("%w: non-finite training loss on level %s", ErrComputation, u.cfg.Level)
	}
	grads, err := u.op.Backward(cache, grad)
	if err != nil {
		return 0, fmt.Errorf("%w: backward: %v", ErrComputation, err)
	}
	if err := u.opt.Step(u.op.Parameters(), grads, u.sched.Rate()); err != nil {
		return 0, fmt.Errorf("%w: optimizer: %v", ErrComputation, err)
	}
	return lossVal, nil
}

// EvalStep scores a normalized batch without touching trainable state.
func (u *LevelUnit) EvalStep(ctx context.Context, _ ExecContext, batch model.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	in, target, err := u.splitBatch(batch)
	if err != nil {
		return 0, err
	}

	out, err := u.op.Forward(in)
	if err != nil {
		return 0, fmt.Errorf("%w: forward: %v", ErrComputation, err)
	}
	lossVal, _, err := u.loss.Score(out, target)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
		return 0, fmt.Errorf("%w: non-finite validation loss on level %s", ErrComputation, u.cfg.Level)
	}
	return lossVal, nil
}

// Predict maps a normalized input tensor to the normalized prediction. The
// nesting bridge uses this to drive a parent level.
func (u *LevelUnit) Predict(in model.Tensor) (model.Tensor, error) {
	out, err := u.op.Forward(in)
	if err != nil {
		return model.Tensor{}, fmt.Errorf("%w: forward: %v", ErrComputation, err)
	}
	return out, nil
}

func (u *LevelUnit) splitBatch(batch model.Batch) (model.Tensor, model.Tensor, error) {
	in, ok := batch[u.cfg.InputField]
	if !ok {
		return model.Tensor{}, model.Tensor{}, fmt.Errorf("%w: batch missing input field %s", ErrConfiguration, u.cfg.InputField)
	}
	target, ok := batch[u.cfg.TargetField]
	if !ok {
		return model.Tensor{}, model.Tensor{}, fmt.Errorf("%w: batch missing target field %s", ErrConfiguration, u.cfg.TargetField)
	}
	return in, target, nil
}

// Snapshot captures the level's full trainable state tagged with the epoch
// that produced it.
func (u *LevelUnit) Snapshot(epoch int) model.Checkpoint {
	return model.Checkpoint{
		Level:          u.cfg.Level,
		Epoch:          epoch,
		ModelState:     model.CloneTensors(u.op.Parameters()),
		OptimizerState: u.opt.State(),
		ScheduleState:  u.sched.State(),
	}
}

// Restore loads a snapshot back into the unit. Any mismatch means the stored
// state came from a different level or architecture.
func (u *LevelUnit) Restore(ckpt model.Checkpoint) error {
	if ckpt.Level != u.cfg.Level {
		return fmt.Errorf("%w: checkpoint level %s does not match unit level %s", ErrResumption, ckpt.Level, u.cfg.Level)
	}
	if err := u.op.SetParameters(ckpt.ModelState); err != nil {
		return fmt.Errorf("%w: model state: %v", ErrResumption, err)
	}
	if err := u.opt.Restore(ckpt.OptimizerState); err != nil {
		return fmt.Errorf("%w: optimizer state: %v", ErrResumption, err)
	}
	if err := u.sched.Restore(ckpt.ScheduleState); err != nil {
		return err
	}
	return nil
}
