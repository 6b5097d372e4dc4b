package dataset

import (
	"errors"
	"fmt"
	"math/rand"

	"nestor/internal/model"
)

// ErrData marks missing or malformed source data. Always fatal.
var ErrData = errors.New("data error")

// Source is the batch contract shared by training and validation: a finite,
// restartable pass over batches plus the sample count used for validation
// weighting.
type Source interface {
	SampleCount() int
	Batches() ([]model.Batch, error)
}

// Config describes one level's dataset: which stored fields feed the model and
// how they are batched.
type Config struct {
	InputField  string
	TargetField string
	BatchSize   int
	Shuffle     bool
	Seed        int64
	Stats       model.NormStats
}

// GridDataset holds field samples in physical units and produces normalized
// batches. Normalization stats are shared read-only with the bridge.
type GridDataset struct {
	cfg     Config
	fields  map[string]model.Tensor
	samples int
	rng     *rand.Rand
}

func NewGridDataset(cfg Config, fields map[string]model.Tensor) (*GridDataset, error) {
	if cfg.InputField == "" || cfg.TargetField == "" {
		return nil, fmt.Errorf("%w: input and target field names are required", ErrData)
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0", ErrData)
	}
	for _, name := range []string{cfg.InputField, cfg.TargetField} {
		if _, ok := fields[name]; !ok {
			return nil, fmt.Errorf("%w: field %s not present in source data", ErrData, name)
		}
		if _, ok := cfg.Stats[name]; !ok {
			return nil, fmt.Errorf("%w: normalization stats missing for field %s", ErrData, name)
		}
		if cfg.Stats[name].Std <= 0 {
			return nil, fmt.Errorf("%w: normalization std for field %s must be > 0", ErrData, name)
		}
	}

	samples := -1
	for name, t := range fields {
		if len(t.Shape) < 2 {
			return nil, fmt.Errorf("%w: field %s must have sample and channel dimensions", ErrData, name)
		}
		if samples == -1 {
			samples = t.SampleCount()
		} else if t.SampleCount() != samples {
			return nil, fmt.Errorf("%w: field %s sample count mismatch: got=%d want=%d", ErrData, name, t.SampleCount(), samples)
		}
	}
	if samples <= 0 {
		return nil, fmt.Errorf("%w: source holds no samples", ErrData)
	}

	return &GridDataset{
		cfg:     cfg,
		fields:  fields,
		samples: samples,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

func (d *GridDataset) SampleCount() int {
	return d.samples
}

// Stats exposes the immutable normalization stats this dataset batches with.
func (d *GridDataset) Stats() model.NormStats {
	return d.cfg.Stats
}

// RawField returns the stored physical-unit tensor for a field. The bridge
// reads the input field here before applying the parent's own stats.
func (d *GridDataset) RawField(name string) (model.Tensor, bool) {
	t, ok := d.fields[name]
	return t, ok
}

// ReplaceField swaps in a new physical-unit tensor for a field, used by the
// fine-tuning path to condition the input on the parent's prediction.
func (d *GridDataset) ReplaceField(name string, t model.Tensor) error {
	if t.SampleCount() != d.samples {
		return fmt.Errorf("%w: replacement field %s sample count mismatch: got=%d want=%d", ErrData, name, t.SampleCount(), d.samples)
	}
	d.fields[name] = t
	return nil
}

// Batches materializes one full pass. Order is shuffled per pass when the
// dataset is configured for training, fixed otherwise.
func (d *GridDataset) Batches() ([]model.Batch, error) {
	order := make([]int, d.samples)
	for i := range order {
		order[i] = i
	}
	if d.cfg.Shuffle {
		d.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	input := d.fields[d.cfg.InputField]
	target := d.fields[d.cfg.TargetField]
	inputStats := d.cfg.Stats[d.cfg.InputField]
	targetStats := d.cfg.Stats[d.cfg.TargetField]

	batches := make([]model.Batch, 0, (d.samples+d.cfg.BatchSize-1)/d.cfg.BatchSize)
	for start := 0; start < d.samples; start += d.cfg.BatchSize {
		end := start + d.cfg.BatchSize
		if end > d.samples {
			end = d.samples
		}
		idx := order[start:end]
		batches = append(batches, model.Batch{
			d.cfg.InputField:  Normalize(gather(input, idx), inputStats),
			d.cfg.TargetField: Normalize(gather(target, idx), targetStats),
		})
	}
	return batches, nil
}

func gather(t model.Tensor, idx []int) model.Tensor {
	size := t.SampleSize()
	out := model.NewTensor(append([]int{len(idx)}, t.Shape[1:]...)...)
	for row, i := range idx {
		copy(out.Data[row*size:(row+1)*size], t.Data[i*size:(i+1)*size])
	}
	return out
}
