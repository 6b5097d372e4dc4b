package dataset

import "nestor/internal/model"

// Normalize maps physical units to model units: (x - mean) / std.
func Normalize(t model.Tensor, s model.FieldStats) model.Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] = (out.Data[i] - s.Mean) / s.Std
	}
	return out
}

// Denormalize maps model units back to physical units: x*std + mean.
func Denormalize(t model.Tensor, s model.FieldStats) model.Tensor {
	out := t.Clone()
	for i := range out.Data {
		out.Data[i] = out.Data[i]*s.Std + s.Mean
	}
	return out
}
