package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// Tensor is a dense row-major float64 tensor. The leading dimension is the
// sample dimension for batched field data.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float64, n),
	}
}

func (t Tensor) Len() int {
	return len(t.Data)
}

// SampleCount returns the leading dimension, or 0 for an empty tensor.
func (t Tensor) SampleCount() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// SampleSize returns the element count per sample.
func (t Tensor) SampleSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Sample returns a copy of sample i with the leading dimension dropped.
func (t Tensor) Sample(i int) Tensor {
	size := t.SampleSize()
	return Tensor{
		Shape: append([]int(nil), t.Shape[1:]...),
		Data:  append([]float64(nil), t.Data[i*size:(i+1)*size]...),
	}
}

func CloneTensors(ts []Tensor) []Tensor {
	out := make([]Tensor, len(ts))
	for i := range ts {
		out[i] = ts[i].Clone()
	}
	return out
}

// Batch maps a field name to its batched tensor. All fields in one batch share
// the same leading sample count.
type Batch map[string]Tensor

// SampleCount returns the shared leading dimension, or 0 for an empty batch.
func (b Batch) SampleCount() int {
	for _, t := range b {
		return t.SampleCount()
	}
	return 0
}

// FieldStats is the per-field normalization pair, immutable for a run.
type FieldStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// NormStats maps a field name to its normalization stats.
type NormStats map[string]FieldStats

// OptimizerState holds Adam moments and the step counter.
type OptimizerState struct {
	Step int      `json:"step"`
	M    []Tensor `json:"m"`
	V    []Tensor `json:"v"`
}

// ScheduleState is the learning-rate schedule's single mutable component.
type ScheduleState struct {
	DecaySteps int `json:"decay_steps"`
}

// Checkpoint is the persisted trainable state of one level. Only the latest
// checkpoint per level is retained.
type Checkpoint struct {
	VersionedRecord
	Level          string         `json:"level"`
	Epoch          int            `json:"epoch"`
	ModelState     []Tensor       `json:"model_state"`
	OptimizerState OptimizerState `json:"optimizer_state"`
	ScheduleState  ScheduleState  `json:"schedule_state"`
}

// EpochRecord is one epoch-level metric emission.
type EpochRecord struct {
	Namespace string             `json:"namespace"`
	Epoch     int                `json:"epoch"`
	Values    map[string]float64 `json:"values"`
}
