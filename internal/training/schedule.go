package training

import (
	"fmt"
	"math"

	"nestor/internal/model"
)

// ScheduleConfig describes a discrete step decay: the rate starts at
// InitialRate and is multiplied by DecayFactor each time the loop advances
// the schedule.
type ScheduleConfig struct {
	InitialRate float64 `json:"initial_rate"`
	DecayFactor float64 `json:"decay_factor"`
}

func (c ScheduleConfig) validate() error {
	if c.InitialRate <= 0 {
		return fmt.Errorf("%w: initial learning rate must be > 0", ErrConfiguration)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("%w: decay factor must be in (0, 1]", ErrConfiguration)
	}
	return nil
}

// StepSchedule derives the current rate from the decay count alone, so a
// restored schedule resumes at exactly the rate it checkpointed with.
type StepSchedule struct {
	cfg        ScheduleConfig
	decaySteps int
}

func NewStepSchedule(cfg ScheduleConfig) (*StepSchedule, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &StepSchedule{cfg: cfg}, nil
}

func (s *StepSchedule) Rate() float64 {
	return s.cfg.InitialRate * math.Pow(s.cfg.DecayFactor, float64(s.decaySteps))
}

// Advance applies one decay step. The loop calls this only on its decay
// cadence, never per batch.
func (s *StepSchedule) Advance() {
	s.decaySteps++
}

func (s *StepSchedule) State() model.ScheduleState {
	return model.ScheduleState{DecaySteps: s.decaySteps}
}

func (s *StepSchedule) Restore(state model.ScheduleState) error {
	if state.DecaySteps < 0 {
		return fmt.Errorf("%w: negative decay step count %d", ErrResumption, state.DecaySteps)
	}
	s.decaySteps = state.DecaySteps
	return nil
}
