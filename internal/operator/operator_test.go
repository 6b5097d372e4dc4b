package operator

import (
	"math"
	"math/rand"
	"testing"

	"nestor/internal/model"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []Config{
		{InChannels: 0, HiddenChannels: 4, HiddenLayers: 1, OutChannels: 1},
		{InChannels: 2, HiddenChannels: 0, HiddenLayers: 1, OutChannels: 1},
		{InChannels: 2, HiddenChannels: 4, HiddenLayers: -1, OutChannels: 1},
		{InChannels: 2, HiddenChannels: 4, HiddenLayers: 1, OutChannels: 0},
	}
	for _, cfg := range cases {
		if _, err := New(cfg, 1); err == nil {
			t.Fatalf("expected error for config %+v", cfg)
		}
	}
}

func TestForwardIdentityParameters(t *testing.T) {
	op, err := New(Config{InChannels: 1, HiddenChannels: 1, HiddenLayers: 0, OutChannels: 1}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	params := []model.Tensor{
		{Shape: []int{1, 1}, Data: []float64{1}},
		{Shape: []int{1}, Data: []float64{0}},
	}
	if err := op.SetParameters(params); err != nil {
		t.Fatalf("set parameters: %v", err)
	}

	in := model.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float64{0.5, -1.5, 2.0, 3.25}}
	out, err := op.Forward(in)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := range in.Data {
		if out.Data[i] != in.Data[i] {
			t.Fatalf("identity forward mismatch at %d: got=%f want=%f", i, out.Data[i], in.Data[i])
		}
	}
}

func TestForwardRejectsChannelMismatch(t *testing.T) {
	op, err := New(Config{InChannels: 2, HiddenChannels: 3, HiddenLayers: 1, OutChannels: 1}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	in := model.NewTensor(1, 3, 2, 2)
	if _, err := op.Forward(in); err == nil {
		t.Fatal("expected channel mismatch error")
	}
}

func TestBackwardMatchesNumericGradient(t *testing.T) {
	op, err := New(Config{InChannels: 2, HiddenChannels: 3, HiddenLayers: 1, OutChannels: 1}, 7)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	rng := rand.New(rand.NewSource(11))
	in := model.NewTensor(2, 2, 2, 2)
	target := model.NewTensor(2, 1, 2, 2)
	for i := range in.Data {
		in.Data[i] = rng.NormFloat64()
	}
	for i := range target.Data {
		target.Data[i] = rng.NormFloat64()
	}

	mse := func() float64 {
		out, err := op.Forward(in)
		if err != nil {
			t.Fatalf("forward: %v", err)
		}
		total := 0.0
		for i := range out.Data {
			d := out.Data[i] - target.Data[i]
			total += d * d
		}
		return total / float64(out.Len())
	}

	out, cache, err := op.ForwardWithCache(in)
	if err != nil {
		t.Fatalf("forward with cache: %v", err)
	}
	dOut := model.NewTensor(out.Shape...)
	for i := range out.Data {
		dOut.Data[i] = 2 * (out.Data[i] - target.Data[i]) / float64(out.Len())
	}
	grads, err := op.Backward(cache, dOut)
	if err != nil {
		t.Fatalf("backward: %v", err)
	}

	params := op.Parameters()
	const eps = 1e-6
	for pi, p := range params {
		for j := range p.Data {
			orig := p.Data[j]
			p.Data[j] = orig + eps
			plus := mse()
			p.Data[j] = orig - eps
			minus := mse()
			p.Data[j] = orig

			numeric := (plus - minus) / (2 * eps)
			analytic := grads[pi].Data[j]
			if diff := math.Abs(numeric - analytic); diff > 1e-5*(1+math.Abs(numeric)) {
				t.Fatalf("gradient mismatch param=%d idx=%d numeric=%g analytic=%g", pi, j, numeric, analytic)
			}
		}
	}
}

func TestSetParametersShapeMismatch(t *testing.T) {
	op, err := New(Config{InChannels: 2, HiddenChannels: 3, HiddenLayers: 1, OutChannels: 1}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	other, err := New(Config{InChannels: 2, HiddenChannels: 4, HiddenLayers: 1, OutChannels: 1}, 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := op.SetParameters(other.Parameters()); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestNewIsDeterministicPerSeed(t *testing.T) {
	cfg := Config{InChannels: 2, HiddenChannels: 3, HiddenLayers: 2, OutChannels: 1}
	a, err := New(cfg, 42)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(cfg, 42)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	pa, pb := a.Parameters(), b.Parameters()
	for i := range pa {
		for j := range pa[i].Data {
			if pa[i].Data[j] != pb[i].Data[j] {
				t.Fatalf("seeded init mismatch at param=%d idx=%d", i, j)
			}
		}
	}
}
