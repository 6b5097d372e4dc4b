package nested

import (
	"context"
	"errors"
	"math"
	"reflect"
	"testing"

	"nestor/internal/dataset"
	"nestor/internal/model"
	"nestor/internal/operator"
	"nestor/internal/training"
)

// identityUnit builds a single linear layer with weight 1 and bias 0, so the
// operator passes normalized values through unchanged.
func identityUnit(t *testing.T) *training.LevelUnit {
	t.Helper()
	unit, err := training.NewLevelUnit(training.UnitConfig{
		Level:       "level0",
		InputField:  dataset.FieldPermeability,
		TargetField: dataset.FieldFlow,
		Operator:    operator.Config{InChannels: 1, HiddenChannels: 1, HiddenLayers: 0, OutChannels: 1},
		Schedule:    training.ScheduleConfig{InitialRate: 0.01, DecayFactor: 0.5},
		Seed:        1,
	})
	if err != nil {
		t.Fatalf("new unit: %v", err)
	}
	err = unit.Restore(model.Checkpoint{
		Level: "level0",
		ModelState: []model.Tensor{
			{Shape: []int{1, 1}, Data: []float64{1}},
			{Shape: []int{1}, Data: []float64{0}},
		},
		OptimizerState: model.OptimizerState{
			M: []model.Tensor{model.NewTensor(1, 1), model.NewTensor(1)},
			V: []model.Tensor{model.NewTensor(1, 1), model.NewTensor(1)},
		},
	})
	if err != nil {
		t.Fatalf("restore identity parameters: %v", err)
	}
	return unit
}

func bridgeStats(mean, std float64) model.NormStats {
	return model.NormStats{
		dataset.FieldPermeability: {Mean: mean, Std: std},
		dataset.FieldFlow:         {Mean: mean, Std: std},
	}
}

func TestBridgePredictRoundTripsUnits(t *testing.T) {
	bridge, err := NewBridge(Config{
		InputField:  dataset.FieldPermeability,
		OutputField: dataset.FieldFlow,
		Stats:       bridgeStats(1.0, 2.0),
	}, identityUnit(t))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}

	raw := model.Tensor{Shape: []int{2, 1, 2, 2}, Data: []float64{3, -1, 0.5, 7, 2, 2, -4, 1.25}}
	got, err := bridge.Predict(context.Background(), raw)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	// Normalize then denormalize with the same stats around an identity
	// operator must reproduce the input exactly.
	for i := range raw.Data {
		if math.Abs(got.Data[i]-raw.Data[i]) > 1e-12 {
			t.Fatalf("element %d: got %v want %v", i, got.Data[i], raw.Data[i])
		}
	}
}

func TestBridgeConditionReplacesSecondChannel(t *testing.T) {
	bridge, err := NewBridge(Config{
		InputField:  dataset.FieldPermeability,
		OutputField: dataset.FieldFlow,
		Stats:       bridgeStats(0, 1),
	}, identityUnit(t))
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}

	childInput := model.NewTensor(1, 2, 4, 4)
	for i := 0; i < 16; i++ {
		childInput.Data[i] = float64(i)
		childInput.Data[16+i] = -1
	}
	childFlow := model.NewTensor(1, 1, 4, 4)
	stats := model.NormStats{
		dataset.FieldPermeability: {Mean: 0, Std: 1},
		dataset.FieldFlow:         {Mean: 0, Std: 1},
	}
	child, err := dataset.NewGridDataset(dataset.Config{
		InputField:  dataset.FieldPermeability,
		TargetField: dataset.FieldFlow,
		BatchSize:   1,
		Stats:       stats,
	}, map[string]model.Tensor{
		dataset.FieldPermeability: childInput,
		dataset.FieldFlow:         childFlow,
	})
	if err != nil {
		t.Fatalf("child dataset: %v", err)
	}

	parentInput := model.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float64{10, 20, 30, 40}}
	if err := bridge.Condition(context.Background(), parentInput, child, dataset.FieldPermeability); err != nil {
		t.Fatalf("condition: %v", err)
	}

	got, ok := child.RawField(dataset.FieldPermeability)
	if !ok {
		t.Fatal("input field missing after conditioning")
	}
	// Channel 0 untouched.
	for i := 0; i < 16; i++ {
		if got.Data[i] != float64(i) {
			t.Fatalf("permeability channel changed at %d: %v", i, got.Data[i])
		}
	}
	// Channel 1 holds the 2x2 prediction replicated onto the 4x4 grid.
	want := []float64{
		10, 10, 20, 20,
		10, 10, 20, 20,
		30, 30, 40, 40,
		30, 30, 40, 40,
	}
	if !reflect.DeepEqual(got.Data[16:32], want) {
		t.Fatalf("conditioned channel: %v", got.Data[16:32])
	}
}

func TestBridgeRejectsBadStats(t *testing.T) {
	unit := identityUnit(t)
	cases := []Config{
		{InputField: "", OutputField: dataset.FieldFlow, Stats: bridgeStats(0, 1)},
		{InputField: dataset.FieldPermeability, OutputField: dataset.FieldFlow, Stats: model.NormStats{}},
		{InputField: dataset.FieldPermeability, OutputField: dataset.FieldFlow, Stats: bridgeStats(0, 0)},
	}
	for _, cfg := range cases {
		if _, err := NewBridge(cfg, unit); !errors.Is(err, training.ErrConfiguration) {
			t.Fatalf("config %+v: expected ErrConfiguration, got: %v", cfg, err)
		}
	}
	if _, err := NewBridge(Config{
		InputField:  dataset.FieldPermeability,
		OutputField: dataset.FieldFlow,
		Stats:       bridgeStats(0, 1),
	}, nil); !errors.Is(err, training.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration for nil parent, got: %v", err)
	}
}

func TestUpsampleNearest(t *testing.T) {
	src := model.Tensor{Shape: []int{1, 1, 2, 2}, Data: []float64{1, 2, 3, 4}}

	same, err := UpsampleNearest(src, 2)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}
	if !reflect.DeepEqual(same.Data, src.Data) {
		t.Fatalf("identity upsample changed data: %v", same.Data)
	}

	up, err := UpsampleNearest(src, 4)
	if err != nil {
		t.Fatalf("upsample: %v", err)
	}
	want := []float64{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}
	if !reflect.DeepEqual(up.Data, want) {
		t.Fatalf("upsampled data: %v", up.Data)
	}

	if _, err := UpsampleNearest(src, 3); !errors.Is(err, training.ErrComputation) {
		t.Fatalf("expected ErrComputation for non-multiple target, got: %v", err)
	}
	bad := model.Tensor{Shape: []int{1, 2, 2, 2}, Data: make([]float64, 8)}
	if _, err := UpsampleNearest(bad, 4); !errors.Is(err, training.ErrComputation) {
		t.Fatalf("expected ErrComputation for multi-channel input, got: %v", err)
	}
}
