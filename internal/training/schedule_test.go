package training

import (
	"errors"
	"math"
	"testing"

	"nestor/internal/model"
)

func TestStepScheduleRate(t *testing.T) {
	sched, err := NewStepSchedule(ScheduleConfig{InitialRate: 0.01, DecayFactor: 0.5})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	if got := sched.Rate(); got != 0.01 {
		t.Fatalf("initial rate: %v", got)
	}
	sched.Advance()
	if got := sched.Rate(); math.Abs(got-0.005) > 1e-15 {
		t.Fatalf("rate after one decay: %v", got)
	}
	sched.Advance()
	if got := sched.Rate(); math.Abs(got-0.0025) > 1e-15 {
		t.Fatalf("rate after two decays: %v", got)
	}
}

func TestStepScheduleRestore(t *testing.T) {
	sched, err := NewStepSchedule(ScheduleConfig{InitialRate: 0.1, DecayFactor: 0.75})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	sched.Advance()
	sched.Advance()
	state := sched.State()

	fresh, err := NewStepSchedule(ScheduleConfig{InitialRate: 0.1, DecayFactor: 0.75})
	if err != nil {
		t.Fatalf("new schedule: %v", err)
	}
	if err := fresh.Restore(state); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if fresh.Rate() != sched.Rate() {
		t.Fatalf("restored rate %v differs from original %v", fresh.Rate(), sched.Rate())
	}

	if err := fresh.Restore(model.ScheduleState{DecaySteps: -1}); !errors.Is(err, ErrResumption) {
		t.Fatalf("expected ErrResumption, got: %v", err)
	}
}

func TestStepScheduleRejectsInvalidConfig(t *testing.T) {
	cases := []ScheduleConfig{
		{InitialRate: 0, DecayFactor: 0.5},
		{InitialRate: -0.01, DecayFactor: 0.5},
		{InitialRate: 0.01, DecayFactor: 0},
		{InitialRate: 0.01, DecayFactor: 1.5},
	}
	for _, cfg := range cases {
		if _, err := NewStepSchedule(cfg); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("config %+v: expected ErrConfiguration, got: %v", cfg, err)
		}
	}
}

func TestMeanAggregator(t *testing.T) {
	var agg MeanAggregator
	if agg.Mean() != 0 {
		t.Fatalf("empty mean: %v", agg.Mean())
	}
	agg.Add(0.2)
	agg.Add(0.4)
	agg.Add(0.6)
	if got := agg.Mean(); math.Abs(got-0.4) > 1e-15 {
		t.Fatalf("mean: %v", got)
	}
	if agg.Count() != 3 {
		t.Fatalf("count: %d", agg.Count())
	}
	agg.Reset()
	if agg.Count() != 0 || agg.Mean() != 0 {
		t.Fatal("reset did not clear the aggregator")
	}
}
