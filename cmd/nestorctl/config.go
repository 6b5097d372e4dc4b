package main

import (
	"encoding/json"
	"fmt"
	"os"

	"nestor/internal/dataset"
	"nestor/internal/operator"
	"nestor/internal/training"
)

// runFileConfig is the JSON run configuration. Flags set on the command line
// override it; knobs absent from both fall back to the library defaults.
type runFileConfig struct {
	DataDir        string                     `json:"data_dir"`
	Levels         map[string]operator.Config `json:"levels"`
	BatchSize      int                        `json:"batch_size"`
	MaxEpochs      int                        `json:"max_epochs"`
	CheckpointFreq int                        `json:"checkpoint_freq"`
	ValidationFreq int                        `json:"validation_freq"`
	DecayFreq      int                        `json:"decay_freq"`
	InitialRate    float64                    `json:"initial_rate"`
	DecayFactor    float64                    `json:"decay_factor"`
	Seed           int64                      `json:"seed"`
}

func loadRunFileConfig(path string) (runFileConfig, error) {
	if path == "" {
		return runFileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return runFileConfig{}, fmt.Errorf("load config: %w", err)
	}
	var cfg runFileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return runFileConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// operatorFor resolves one level's architecture. A config that names levels
// but omits the requested one is a configuration error, not a silent default.
func (c runFileConfig) operatorFor(level int) (operator.Config, error) {
	if len(c.Levels) == 0 {
		return operator.Config{}, nil
	}
	arch, ok := c.Levels[dataset.LevelName(level)]
	if !ok {
		return operator.Config{}, fmt.Errorf("%w: config has no architecture for %s", training.ErrConfiguration, dataset.LevelName(level))
	}
	return arch, nil
}

func (c runFileConfig) operatorList(levels int) ([]operator.Config, error) {
	if len(c.Levels) == 0 {
		return nil, nil
	}
	out := make([]operator.Config, levels)
	for i := 0; i < levels; i++ {
		arch, err := c.operatorFor(i)
		if err != nil {
			return nil, err
		}
		out[i] = arch
	}
	return out, nil
}
