package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"

	"nestor/internal/model"
)

// Field names used by the generated nested Darcy-style datasets. Child levels
// carry the parent flow as a second input channel so each level can be trained
// independently; fine-tuning swaps that channel for live parent predictions.
const (
	FieldPermeability = "permeability"
	FieldFlow         = "flow"
)

// GenerateConfig sizes the synthetic hierarchy. Resolution doubles per level.
type GenerateConfig struct {
	Levels            int
	TrainSamples      int
	ValidationSamples int
	BaseResolution    int
	Seed              int64
}

// GenerateLevelFields builds one field file per level for one split. The
// permeability field has one channel at level 0 and two channels (permeability
// plus upsampled parent flow) at deeper levels.
func GenerateLevelFields(cfg GenerateConfig, samples int, seed int64) ([]FieldFile, error) {
	if cfg.Levels <= 0 {
		return nil, fmt.Errorf("%w: level count must be > 0", ErrData)
	}
	if samples <= 0 {
		return nil, fmt.Errorf("%w: sample count must be > 0", ErrData)
	}
	if cfg.BaseResolution < 2 {
		return nil, fmt.Errorf("%w: base resolution must be >= 2", ErrData)
	}

	rng := rand.New(rand.NewSource(seed))
	fineRes := cfg.BaseResolution << (cfg.Levels - 1)

	perm := make([][]float64, samples)
	flow := make([][]float64, samples)
	for n := 0; n < samples; n++ {
		perm[n] = smoothField(rng, fineRes)
		flow[n] = flowProxy(perm[n], fineRes)
	}

	files := make([]FieldFile, 0, cfg.Levels)
	for level := 0; level < cfg.Levels; level++ {
		res := cfg.BaseResolution << level
		permL := model.NewTensor(samples, 1, res, res)
		flowL := model.NewTensor(samples, 1, res, res)
		for n := 0; n < samples; n++ {
			copy(permL.Data[n*res*res:], downsample(perm[n], fineRes, res))
			copy(flowL.Data[n*res*res:], downsample(flow[n], fineRes, res))
		}

		input := permL
		if level > 0 {
			parentRes := cfg.BaseResolution << (level - 1)
			input = model.NewTensor(samples, 2, res, res)
			for n := 0; n < samples; n++ {
				base := n * 2 * res * res
				copy(input.Data[base:base+res*res], permL.Data[n*res*res:(n+1)*res*res])
				parentFlow := downsample(flow[n], fineRes, parentRes)
				copy(input.Data[base+res*res:base+2*res*res], upsampleNearest(parentFlow, parentRes, res))
			}
		}

		files = append(files, FieldFile{
			Level: LevelName(level),
			Fields: map[string]model.Tensor{
				FieldPermeability: input,
				FieldFlow:         flowL,
			},
		})
	}
	return files, nil
}

// WriteGeneratedFields writes train and validation field files per level under
// dir, returning the written paths.
func WriteGeneratedFields(dir string, cfg GenerateConfig) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: output directory is required", ErrData)
	}

	train, err := GenerateLevelFields(cfg, cfg.TrainSamples, cfg.Seed)
	if err != nil {
		return nil, err
	}
	valid, err := GenerateLevelFields(cfg, cfg.ValidationSamples, cfg.Seed+1)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, 2*cfg.Levels)
	for level := 0; level < cfg.Levels; level++ {
		trainPath := filepath.Join(dir, TrainFileName(level))
		if err := WriteFieldFile(trainPath, train[level]); err != nil {
			return nil, err
		}
		paths = append(paths, trainPath)

		validPath := filepath.Join(dir, ValidationFileName(level))
		if err := WriteFieldFile(validPath, valid[level]); err != nil {
			return nil, err
		}
		paths = append(paths, validPath)
	}
	return paths, nil
}

func LevelName(level int) string {
	return fmt.Sprintf("level%d", level)
}

func TrainFileName(level int) string {
	return fmt.Sprintf("%s_train.json", LevelName(level))
}

func ValidationFileName(level int) string {
	return fmt.Sprintf("%s_validation.json", LevelName(level))
}

// smoothField sums a handful of random low-frequency cosine modes.
func smoothField(rng *rand.Rand, res int) []float64 {
	type mode struct {
		kx, ky, amp, phase float64
	}
	modes := make([]mode, 4)
	for i := range modes {
		modes[i] = mode{
			kx:    float64(rng.Intn(3) + 1),
			ky:    float64(rng.Intn(3) + 1),
			amp:   0.25 + rng.Float64()*0.5,
			phase: rng.Float64() * 2 * math.Pi,
		}
	}
	out := make([]float64, res*res)
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			fx := float64(x) / float64(res)
			fy := float64(y) / float64(res)
			v := 1.0
			for _, m := range modes {
				v += m.amp * math.Cos(2*math.Pi*(m.kx*fx+m.ky*fy)+m.phase)
			}
			out[y*res+x] = v
		}
	}
	return out
}

// flowProxy is a cheap stand-in for the Darcy solve: a neighbor-averaged,
// saturating response to permeability.
func flowProxy(perm []float64, res int) []float64 {
	out := make([]float64, res*res)
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			sum := perm[y*res+x]
			count := 1.0
			if x > 0 {
				sum += perm[y*res+x-1]
				count++
			}
			if x < res-1 {
				sum += perm[y*res+x+1]
				count++
			}
			if y > 0 {
				sum += perm[(y-1)*res+x]
				count++
			}
			if y < res-1 {
				sum += perm[(y+1)*res+x]
				count++
			}
			out[y*res+x] = math.Tanh(sum / count)
		}
	}
	return out
}

func downsample(fine []float64, fineRes, res int) []float64 {
	if res == fineRes {
		return append([]float64(nil), fine...)
	}
	factor := fineRes / res
	out := make([]float64, res*res)
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			sum := 0.0
			for dy := 0; dy < factor; dy++ {
				for dx := 0; dx < factor; dx++ {
					sum += fine[(y*factor+dy)*fineRes+x*factor+dx]
				}
			}
			out[y*res+x] = sum / float64(factor*factor)
		}
	}
	return out
}

func upsampleNearest(coarse []float64, coarseRes, res int) []float64 {
	if res == coarseRes {
		return append([]float64(nil), coarse...)
	}
	factor := res / coarseRes
	out := make([]float64, res*res)
	for y := 0; y < res; y++ {
		for x := 0; x < res; x++ {
			out[y*res+x] = coarse[(y/factor)*coarseRes+x/factor]
		}
	}
	return out
}
