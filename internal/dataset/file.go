package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"nestor/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

// FieldFile is the on-disk layout for one level's field samples: columnar
// tensors in physical units, one per named field.
type FieldFile struct {
	model.VersionedRecord
	Level  string                  `json:"level"`
	Fields map[string]model.Tensor `json:"fields"`
}

func WriteFieldFile(path string, file FieldFile) error {
	file.SchemaVersion = CurrentSchemaVersion
	file.CodecVersion = CurrentCodecVersion
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(file)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func ReadFieldFile(path string) (FieldFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FieldFile{}, fmt.Errorf("%w: read %s: %v", ErrData, path, err)
	}
	var file FieldFile
	if err := json.Unmarshal(data, &file); err != nil {
		return FieldFile{}, fmt.Errorf("%w: decode %s: %v", ErrData, path, err)
	}
	if file.SchemaVersion != CurrentSchemaVersion || file.CodecVersion != CurrentCodecVersion {
		return FieldFile{}, fmt.Errorf("%w: %s: unsupported field file version", ErrData, path)
	}
	for name, t := range file.Fields {
		want := 1
		for _, d := range t.Shape {
			want *= d
		}
		if len(t.Shape) == 0 || want != len(t.Data) {
			return FieldFile{}, fmt.Errorf("%w: %s: field %s shape/data mismatch", ErrData, path, name)
		}
	}
	return file, nil
}

// Load reads a field file and binds it to a batching configuration.
func Load(cfg Config, path string) (*GridDataset, error) {
	file, err := ReadFieldFile(path)
	if err != nil {
		return nil, err
	}
	return NewGridDataset(cfg, file.Fields)
}
