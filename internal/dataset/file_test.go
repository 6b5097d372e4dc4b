package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"nestor/internal/model"
)

func TestFieldFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "level0_train.json")

	in := FieldFile{
		Level: "level0",
		Fields: map[string]model.Tensor{
			FieldPermeability: {Shape: []int{2, 1, 2, 2}, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
			FieldFlow:         {Shape: []int{2, 1, 2, 2}, Data: []float64{0, 1, 0, 1, 0, 1, 0, 1}},
		},
	}
	if err := WriteFieldFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}

	out, err := ReadFieldFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Level != "level0" {
		t.Fatalf("unexpected level: %s", out.Level)
	}
	if !reflect.DeepEqual(out.Fields, in.Fields) {
		t.Fatalf("fields mismatch\ngot=%+v\nwant=%+v", out.Fields, in.Fields)
	}
}

func TestReadFieldFileMissing(t *testing.T) {
	_, err := ReadFieldFile(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got: %v", err)
	}
}

func TestReadFieldFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFieldFile(path); !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got: %v", err)
	}
}

func TestReadFieldFileShapeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.json")
	in := FieldFile{
		Level: "level0",
		Fields: map[string]model.Tensor{
			FieldPermeability: {Shape: []int{2, 2}, Data: []float64{1, 2, 3}},
		},
	}
	if err := WriteFieldFile(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadFieldFile(path); !errors.Is(err, ErrData) {
		t.Fatalf("expected ErrData, got: %v", err)
	}
}

func TestLoadBindsDatasetConfig(t *testing.T) {
	dir := t.TempDir()
	paths, err := WriteGeneratedFields(dir, GenerateConfig{
		Levels:            1,
		TrainSamples:      6,
		ValidationSamples: 3,
		BaseResolution:    4,
		Seed:              9,
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("unexpected path count: %d", len(paths))
	}

	cfg := testConfig()
	ds, err := Load(cfg, filepath.Join(dir, TrainFileName(0)))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ds.SampleCount() != 6 {
		t.Fatalf("unexpected sample count: %d", ds.SampleCount())
	}
}
