package operator

import (
	"errors"
	"fmt"
	"math"

	"nestor/internal/model"
)

// Adam keeps first and second gradient moments per parameter tensor with bias
// correction. The moments are part of the level's checkpointed state.
type Adam struct {
	Beta1   float64
	Beta2   float64
	Epsilon float64

	step int
	m    []model.Tensor
	v    []model.Tensor
}

func NewAdam(params []model.Tensor) *Adam {
	a := &Adam{
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
	for _, p := range params {
		a.m = append(a.m, model.NewTensor(p.Shape...))
		a.v = append(a.v, model.NewTensor(p.Shape...))
	}
	return a
}

// Step applies one Adam update in place. params and grads follow the
// operator's Parameters() order.
func (a *Adam) Step(params, grads []model.Tensor, lr float64) error {
	if len(params) != len(a.m) {
		return fmt.Errorf("parameter count mismatch: got=%d want=%d", len(params), len(a.m))
	}
	if len(grads) != len(params) {
		return fmt.Errorf("gradient count mismatch: got=%d want=%d", len(grads), len(params))
	}

	a.step++
	bias1 := 1 - math.Pow(a.Beta1, float64(a.step))
	bias2 := 1 - math.Pow(a.Beta2, float64(a.step))

	for i, p := range params {
		if grads[i].Len() != p.Len() {
			return fmt.Errorf("gradient %d shape mismatch", i)
		}
		for j := range p.Data {
			g := grads[i].Data[j]
			a.m[i].Data[j] = a.Beta1*a.m[i].Data[j] + (1-a.Beta1)*g
			a.v[i].Data[j] = a.Beta2*a.v[i].Data[j] + (1-a.Beta2)*g*g
			mHat := a.m[i].Data[j] / bias1
			vHat := a.v[i].Data[j] / bias2
			update := lr * mHat / (math.Sqrt(vHat) + a.Epsilon)
			if math.IsNaN(update) || math.IsInf(update, 0) {
				return fmt.Errorf("non-finite update for parameter %d", i)
			}
			p.Data[j] -= update
		}
	}
	return nil
}

// State snapshots the optimizer moments for checkpointing.
func (a *Adam) State() model.OptimizerState {
	return model.OptimizerState{
		Step: a.step,
		M:    model.CloneTensors(a.m),
		V:    model.CloneTensors(a.v),
	}
}

// Restore loads checkpointed moments. Shape mismatch means the checkpoint was
// produced against a different architecture.
func (a *Adam) Restore(state model.OptimizerState) error {
	if len(state.M) != len(a.m) || len(state.V) != len(a.v) {
		return errors.New("optimizer state tensor count mismatch")
	}
	for i := range a.m {
		if state.M[i].Len() != a.m[i].Len() || state.V[i].Len() != a.v[i].Len() {
			return fmt.Errorf("optimizer state %d shape mismatch", i)
		}
	}
	a.step = state.Step
	a.m = model.CloneTensors(state.M)
	a.v = model.CloneTensors(state.V)
	return nil
}
