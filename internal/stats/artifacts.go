package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"nestor/internal/model"
)

const runIndexFile = "run_index.json"

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// RunConfig is the persisted configuration of one training or fine-tuning
// run, written next to its metrics so a run can be reconstructed later.
type RunConfig struct {
	RunID          string  `json:"run_id"`
	Kind           string  `json:"kind"`
	Level          string  `json:"level,omitempty"`
	DataDir        string  `json:"data_dir,omitempty"`
	CheckpointDir  string  `json:"checkpoint_dir,omitempty"`
	StoreBackend   string  `json:"store_backend,omitempty"`
	MaxEpochs      int     `json:"max_epochs"`
	CheckpointFreq int     `json:"checkpoint_freq"`
	ValidationFreq int     `json:"validation_freq"`
	DecayFreq      int     `json:"decay_freq"`
	InitialRate    float64 `json:"initial_rate"`
	DecayFactor    float64 `json:"decay_factor"`
	BatchSize      int     `json:"batch_size"`
	Seed           int64   `json:"seed"`
	Resume         bool    `json:"resume"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

// RunArtifacts is everything a finished run leaves behind.
type RunArtifacts struct {
	Config              RunConfig           `json:"config"`
	Records             []model.EpochRecord `json:"records"`
	FinalTrainLoss      float64             `json:"final_train_loss"`
	FinalValidationLoss *float64            `json:"final_validation_loss,omitempty"`
}

type RunIndexEntry struct {
	RunID          string  `json:"run_id"`
	Kind           string  `json:"kind"`
	Level          string  `json:"level,omitempty"`
	MaxEpochs      int     `json:"max_epochs"`
	Seed           int64   `json:"seed"`
	FinalTrainLoss float64 `json:"final_train_loss"`
	CreatedAtUTC   string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "metrics.json"), artifacts.Records); err != nil {
		return "", err
	}
	summary := map[string]any{"final_train_loss": artifacts.FinalTrainLoss}
	if artifacts.FinalValidationLoss != nil {
		summary["final_validation_loss"] = *artifacts.FinalValidationLoss
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), summary); err != nil {
		return "", err
	}
	if err := writeLossSeries(filepath.Join(runDir, "loss_series.csv"), artifacts.Records); err != nil {
		return "", err
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	files := []string{"config.json", "metrics.json", "summary.json", "loss_series.csv", "epochs.jsonl"}
	for _, file := range files {
		srcPath := filepath.Join(src, file)
		if _, err := os.Stat(srcPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if err := copyFile(srcPath, filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	path := filepath.Join(baseDir, runID, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return RunConfig{}, false, nil
		}
		return RunConfig{}, false, err
	}

	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func ReadRunRecords(baseDir, runID string) ([]model.EpochRecord, bool, error) {
	path := filepath.Join(baseDir, runID, "metrics.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var records []model.EpochRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, false, err
	}
	return records, true, nil
}

func writeLossSeries(path string, records []model.EpochRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "train_loss", "validation_loss"}); err != nil {
		return err
	}
	for _, record := range records {
		row := []string{strconv.Itoa(record.Epoch), "", ""}
		if v, ok := record.Values["train_loss"]; ok {
			row[1] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if v, ok := record.Values["validation_loss"]; ok {
			row[2] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

func ReadLossSeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "loss_series.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("loss series header must have at least 2 columns")
	}

	series := make([]float64, 0, 128)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 || strings.TrimSpace(record[1]) == "" {
			continue
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
