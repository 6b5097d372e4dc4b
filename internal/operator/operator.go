package operator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"nestor/internal/model"
)

// Config describes one level's surrogate architecture. Channels mix per grid
// cell; the spatial layout passes through unchanged.
type Config struct {
	InChannels     int `json:"in_channels"`
	HiddenChannels int `json:"hidden_channels"`
	HiddenLayers   int `json:"hidden_layers"`
	OutChannels    int `json:"out_channels"`
}

func (c Config) validate() error {
	if c.InChannels <= 0 {
		return errors.New("in_channels must be > 0")
	}
	if c.HiddenChannels <= 0 {
		return errors.New("hidden_channels must be > 0")
	}
	if c.HiddenLayers < 0 {
		return errors.New("hidden_layers must be >= 0")
	}
	if c.OutChannels <= 0 {
		return errors.New("out_channels must be > 0")
	}
	return nil
}

// Operator is a pointwise multilayer surrogate over gridded fields: each grid
// cell's channel vector is mapped through a shared MLP with tanh hidden
// activations and a linear output layer.
type Operator struct {
	cfg     Config
	weights []model.Tensor // per layer, shape (out, in)
	biases  []model.Tensor // per layer, shape (out)
}

// Cache holds per-layer activations from a forward pass, consumed by Backward.
type Cache struct {
	samples int
	cells   int
	acts    []model.Tensor // acts[0] is the input, acts[l+1] the layer-l output
}

func New(cfg Config, seed int64) (*Operator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(seed))
	dims := layerDims(cfg)
	op := &Operator{cfg: cfg}
	for l := 0; l+1 < len(dims); l++ {
		in, out := dims[l], dims[l+1]
		w := model.NewTensor(out, in)
		scale := 1.0 / math.Sqrt(float64(in))
		for i := range w.Data {
			w.Data[i] = rng.NormFloat64() * scale
		}
		op.weights = append(op.weights, w)
		op.biases = append(op.biases, model.NewTensor(out))
	}
	return op, nil
}

func layerDims(cfg Config) []int {
	dims := []int{cfg.InChannels}
	for l := 0; l < cfg.HiddenLayers; l++ {
		dims = append(dims, cfg.HiddenChannels)
	}
	dims = append(dims, cfg.OutChannels)
	return dims
}

func (op *Operator) Config() Config {
	return op.cfg
}

// Parameters returns the live parameter tensors in a stable order: weights
// then bias per layer. Callers mutate them through the optimizer only.
func (op *Operator) Parameters() []model.Tensor {
	params := make([]model.Tensor, 0, 2*len(op.weights))
	for l := range op.weights {
		params = append(params, op.weights[l], op.biases[l])
	}
	return params
}

// SetParameters restores parameters from a checkpointed state. Shape mismatch
// means the checkpoint was produced by a different architecture.
func (op *Operator) SetParameters(params []model.Tensor) error {
	if len(params) != 2*len(op.weights) {
		return fmt.Errorf("parameter count mismatch: got=%d want=%d", len(params), 2*len(op.weights))
	}
	for l := range op.weights {
		w, b := params[2*l], params[2*l+1]
		if w.Len() != op.weights[l].Len() || b.Len() != op.biases[l].Len() {
			return fmt.Errorf("layer %d parameter shape mismatch", l)
		}
		copy(op.weights[l].Data, w.Data)
		copy(op.biases[l].Data, b.Data)
	}
	return nil
}

// Forward maps a batched input (N, InChannels, spatial...) to the batched
// prediction (N, OutChannels, spatial...).
func (op *Operator) Forward(in model.Tensor) (model.Tensor, error) {
	out, _, err := op.ForwardWithCache(in)
	return out, err
}

// ForwardWithCache runs the forward pass and retains activations for Backward.
func (op *Operator) ForwardWithCache(in model.Tensor) (model.Tensor, *Cache, error) {
	if len(in.Shape) < 2 {
		return model.Tensor{}, nil, errors.New("input must have a sample and a channel dimension")
	}
	samples := in.Shape[0]
	if in.Shape[1] != op.cfg.InChannels {
		return model.Tensor{}, nil, fmt.Errorf("input channel mismatch: got=%d want=%d", in.Shape[1], op.cfg.InChannels)
	}
	cells := 1
	for _, d := range in.Shape[2:] {
		cells *= d
	}

	cache := &Cache{samples: samples, cells: cells}
	cache.acts = append(cache.acts, in.Clone())

	current := in
	dims := layerDims(op.cfg)
	for l := range op.weights {
		inC, outC := dims[l], dims[l+1]
		next := model.NewTensor(append([]int{samples, outC}, in.Shape[2:]...)...)
		lastLayer := l == len(op.weights)-1
		for n := 0; n < samples; n++ {
			srcBase := n * inC * cells
			dstBase := n * outC * cells
			for o := 0; o < outC; o++ {
				bias := op.biases[l].Data[o]
				wRow := op.weights[l].Data[o*inC : (o+1)*inC]
				for c := 0; c < cells; c++ {
					sum := bias
					for i := 0; i < inC; i++ {
						sum += wRow[i] * current.Data[srcBase+i*cells+c]
					}
					if !lastLayer {
						sum = math.Tanh(sum)
					}
					next.Data[dstBase+o*cells+c] = sum
				}
			}
		}
		cache.acts = append(cache.acts, next.Clone())
		current = next
	}
	return current, cache, nil
}

// Backward propagates the output gradient through the cached forward pass and
// returns parameter gradients in Parameters() order.
func (op *Operator) Backward(cache *Cache, dOut model.Tensor) ([]model.Tensor, error) {
	if cache == nil || len(cache.acts) != len(op.weights)+1 {
		return nil, errors.New("forward cache is required")
	}
	if dOut.Len() != cache.acts[len(cache.acts)-1].Len() {
		return nil, errors.New("output gradient shape mismatch")
	}

	dims := layerDims(op.cfg)
	cells := cache.cells
	grads := make([]model.Tensor, 2*len(op.weights))

	delta := dOut.Clone()
	for l := len(op.weights) - 1; l >= 0; l-- {
		inC, outC := dims[l], dims[l+1]
		// Output layer is linear; hidden activations are tanh.
		if l != len(op.weights)-1 {
			act := cache.acts[l+1]
			for i := range delta.Data {
				delta.Data[i] *= 1 - act.Data[i]*act.Data[i]
			}
		}

		dW := model.NewTensor(outC, inC)
		dB := model.NewTensor(outC)
		prev := cache.acts[l]
		var dPrev model.Tensor
		if l > 0 {
			dPrev = model.NewTensor(prev.Shape...)
		}
		for n := 0; n < cache.samples; n++ {
			srcBase := n * inC * cells
			dstBase := n * outC * cells
			for o := 0; o < outC; o++ {
				wRow := op.weights[l].Data[o*inC : (o+1)*inC]
				for c := 0; c < cells; c++ {
					d := delta.Data[dstBase+o*cells+c]
					dB.Data[o] += d
					for i := 0; i < inC; i++ {
						dW.Data[o*inC+i] += d * prev.Data[srcBase+i*cells+c]
						if l > 0 {
							dPrev.Data[srcBase+i*cells+c] += d * wRow[i]
						}
					}
				}
			}
		}
		grads[2*l] = dW
		grads[2*l+1] = dB
		if l > 0 {
			delta = dPrev
		}
	}
	return grads, nil
}
