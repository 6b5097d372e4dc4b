package training

import (
	"context"
	"fmt"

	"nestor/internal/dataset"
)

// ValidateWeighted scores one full pass over the source, weighting each
// batch's loss by its sample count so a short final batch does not skew the
// mean. The divisor is the source's total sample count.
func ValidateWeighted(ctx context.Context, exec ExecContext, runner StepRunner, src dataset.Source) (float64, error) {
	if src == nil || src.SampleCount() == 0 {
		return 0, fmt.Errorf("%w: validation source holds no samples", ErrConfiguration)
	}

	batches, err := src.Batches()
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, batch := range batches {
		loss, err := runner.EvalStep(ctx, exec, batch)
		if err != nil {
			return 0, err
		}
		total += loss * float64(batch.SampleCount())
	}
	return total / float64(src.SampleCount()), nil
}
