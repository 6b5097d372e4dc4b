package dataset

import (
	"fmt"
	"math"

	"nestor/internal/model"
)

// ComputeStats derives per-field normalization stats from training data. The
// same stats must be reused for validation and inference on that level.
func ComputeStats(fields map[string]model.Tensor) (model.NormStats, error) {
	stats := make(model.NormStats, len(fields))
	for name, t := range fields {
		if t.Len() == 0 {
			return nil, fmt.Errorf("%w: field %s is empty", ErrData, name)
		}
		mean := 0.0
		for _, v := range t.Data {
			mean += v
		}
		mean /= float64(t.Len())

		variance := 0.0
		for _, v := range t.Data {
			d := v - mean
			variance += d * d
		}
		variance /= float64(t.Len())
		std := math.Sqrt(variance)
		if std == 0 {
			return nil, fmt.Errorf("%w: field %s is constant, std would be zero", ErrData, name)
		}
		stats[name] = model.FieldStats{Mean: mean, Std: std}
	}
	return stats, nil
}
