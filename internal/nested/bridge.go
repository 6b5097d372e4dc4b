package nested

import (
	"context"
	"fmt"

	"nestor/internal/dataset"
	"nestor/internal/model"
	"nestor/internal/training"
)

// Config binds a bridge to its parent level: the field names the parent
// consumes and produces, and the parent's own normalization stats. Both
// directions of the crossing use the parent's stats, never the child's.
type Config struct {
	InputField  string
	OutputField string
	Stats       model.NormStats
}

func (c Config) validate() error {
	if c.InputField == "" || c.OutputField == "" {
		return fmt.Errorf("%w: bridge field names are required", training.ErrConfiguration)
	}
	for _, name := range []string{c.InputField, c.OutputField} {
		s, ok := c.Stats[name]
		if !ok {
			return fmt.Errorf("%w: bridge stats missing for field %s", training.ErrConfiguration, name)
		}
		if s.Std <= 0 {
			return fmt.Errorf("%w: bridge stats std for field %s must be > 0", training.ErrConfiguration, name)
		}
	}
	return nil
}

// Bridge drives a trained parent level on behalf of its child: it runs the
// parent synchronously and hands the child a physical-unit prediction at the
// child's resolution.
type Bridge struct {
	cfg    Config
	parent *training.LevelUnit
}

func NewBridge(cfg Config, parent *training.LevelUnit) (*Bridge, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, fmt.Errorf("%w: bridge requires a parent unit", training.ErrConfiguration)
	}
	return &Bridge{cfg: cfg, parent: parent}, nil
}

// Predict maps a physical-unit parent input to the physical-unit parent
// prediction: normalize in, run the operator, denormalize out.
func (b *Bridge) Predict(ctx context.Context, raw model.Tensor) (model.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return model.Tensor{}, err
	}
	in := dataset.Normalize(raw, b.cfg.Stats[b.cfg.InputField])
	out, err := b.parent.Predict(in)
	if err != nil {
		return model.Tensor{}, err
	}
	return dataset.Denormalize(out, b.cfg.Stats[b.cfg.OutputField]), nil
}

// Condition replaces the child input's second channel with the parent's live
// prediction, upsampled to the child resolution. parentInput is the parent's
// raw input field; child must hold a two-channel input field.
func (b *Bridge) Condition(ctx context.Context, parentInput model.Tensor, child *dataset.GridDataset, inputField string) error {
	pred, err := b.Predict(ctx, parentInput)
	if err != nil {
		return err
	}

	current, ok := child.RawField(inputField)
	if !ok {
		return fmt.Errorf("%w: child input field %s not present", training.ErrConfiguration, inputField)
	}
	if len(current.Shape) != 4 || current.Shape[1] != 2 {
		return fmt.Errorf("%w: child input field %s must have two channels", training.ErrConfiguration, inputField)
	}
	childRes := current.Shape[2]

	up, err := UpsampleNearest(pred, childRes)
	if err != nil {
		return err
	}
	if up.SampleCount() != current.SampleCount() {
		return fmt.Errorf("%w: parent prediction sample count mismatch: got=%d want=%d", training.ErrComputation, up.SampleCount(), current.SampleCount())
	}

	composed := current.Clone()
	cells := childRes * childRes
	for n := 0; n < composed.SampleCount(); n++ {
		dst := composed.Data[n*2*cells+cells : n*2*cells+2*cells]
		copy(dst, up.Sample(n).Data)
	}
	return child.ReplaceField(inputField, composed)
}

// UpsampleNearest maps a (N, 1, R, R) tensor onto the target resolution by
// nearest-neighbor replication. The target must be a multiple of the source.
func UpsampleNearest(t model.Tensor, res int) (model.Tensor, error) {
	if len(t.Shape) != 4 || t.Shape[1] != 1 || t.Shape[2] != t.Shape[3] {
		return model.Tensor{}, fmt.Errorf("%w: upsample expects a single-channel square grid, got shape %v", training.ErrComputation, t.Shape)
	}
	from := t.Shape[2]
	if res < from || res%from != 0 {
		return model.Tensor{}, fmt.Errorf("%w: target resolution %d is not a multiple of source %d", training.ErrComputation, res, from)
	}
	if res == from {
		return t.Clone(), nil
	}

	samples := t.Shape[0]
	factor := res / from
	out := model.NewTensor(samples, 1, res, res)
	for n := 0; n < samples; n++ {
		src := t.Data[n*from*from : (n+1)*from*from]
		dst := out.Data[n*res*res : (n+1)*res*res]
		for y := 0; y < res; y++ {
			for x := 0; x < res; x++ {
				dst[y*res+x] = src[(y/factor)*from+x/factor]
			}
		}
	}
	return out, nil
}
