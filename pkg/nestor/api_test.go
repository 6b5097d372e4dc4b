package nestor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"nestor/internal/training"
)

func newTestClient(t *testing.T) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:     "memory",
		RunsDir:       filepath.Join(base, "runs"),
		ExportsDir:    filepath.Join(base, "exports"),
		CheckpointDir: filepath.Join(base, "checkpoints"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, base
}

func generateTestData(t *testing.T, client *Client, base string) string {
	t.Helper()
	dataDir := filepath.Join(base, "data")
	paths, err := client.GenData(context.Background(), GenDataRequest{
		OutDir:            dataDir,
		Levels:            2,
		TrainSamples:      6,
		ValidationSamples: 4,
		BaseResolution:    4,
		Seed:              5,
	})
	if err != nil {
		t.Fatalf("gen data: %v", err)
	}
	if len(paths) != 4 {
		t.Fatalf("generated file count: %d", len(paths))
	}
	return dataDir
}

func trainLevel(t *testing.T, client *Client, dataDir string, level, maxEpochs int) TrainSummary {
	t.Helper()
	summary, err := client.Train(context.Background(), TrainRequest{
		Level:          level,
		DataDir:        dataDir,
		BatchSize:      4,
		MaxEpochs:      maxEpochs,
		CheckpointFreq: 2,
		ValidationFreq: 2,
		DecayFreq:      3,
		InitialRate:    0.01,
		DecayFactor:    0.5,
		Seed:           9,
	})
	if err != nil {
		t.Fatalf("train level %d: %v", level, err)
	}
	return summary
}

func TestTrainProducesCheckpointAndArtifacts(t *testing.T) {
	client, base := newTestClient(t)
	dataDir := generateTestData(t, client, base)

	summary := trainLevel(t, client, dataDir, 0, 4)
	if summary.RunID == "" || summary.Level != "level0" {
		t.Fatalf("summary: %+v", summary)
	}
	if summary.FinalTrainLoss <= 0 {
		t.Fatalf("final train loss: %v", summary.FinalTrainLoss)
	}

	infos, err := client.Checkpoints(context.Background())
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(infos) != 1 || infos[0].Level != "level0" || infos[0].Epoch != 3 {
		t.Fatalf("checkpoint listing: %+v", infos)
	}

	if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, "config.json")); err != nil {
		t.Fatalf("run config artifact: %v", err)
	}
	if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, "epochs.jsonl")); err != nil {
		t.Fatalf("epoch log artifact: %v", err)
	}

	runs, err := client.Runs(context.Background(), RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != summary.RunID {
		t.Fatalf("run index: %+v", runs)
	}
}

func TestTrainRejectsMissingData(t *testing.T) {
	client, base := newTestClient(t)
	if _, err := client.Train(context.Background(), TrainRequest{
		Level:   0,
		DataDir: filepath.Join(base, "nope"),
	}); err == nil {
		t.Fatal("expected training against a missing data dir to fail")
	}
	if _, err := client.Train(context.Background(), TrainRequest{Level: -1, DataDir: "x"}); !errors.Is(err, training.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got: %v", err)
	}
}

func TestFineTuneRequiresCheckpoints(t *testing.T) {
	client, base := newTestClient(t)
	dataDir := generateTestData(t, client, base)

	if _, err := client.FineTune(context.Background(), FineTuneRequest{
		Levels:  2,
		DataDir: dataDir,
	}); !errors.Is(err, training.ErrResumption) {
		t.Fatalf("expected ErrResumption, got: %v", err)
	}
}

func TestFineTuneAndInferOverHierarchy(t *testing.T) {
	client, base := newTestClient(t)
	dataDir := generateTestData(t, client, base)

	trainLevel(t, client, dataDir, 0, 4)
	trainLevel(t, client, dataDir, 1, 4)

	summary, err := client.FineTune(context.Background(), FineTuneRequest{
		Levels:         2,
		DataDir:        dataDir,
		BatchSize:      4,
		MaxEpochs:      6,
		CheckpointFreq: 2,
		ValidationFreq: 2,
		DecayFreq:      3,
		InitialRate:    0.01,
		DecayFactor:    0.5,
		Seed:           9,
	})
	if err != nil {
		t.Fatalf("fine-tune: %v", err)
	}
	if len(summary.Levels) != 1 || summary.Levels[0].Level != "level1" {
		t.Fatalf("fine-tune levels: %+v", summary.Levels)
	}

	infos, err := client.Checkpoints(context.Background())
	if err != nil {
		t.Fatalf("checkpoints: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("checkpoint listing: %+v", infos)
	}
	for _, info := range infos {
		want := 3
		if info.Level == "level1" {
			want = 5
		}
		if info.Epoch != want {
			t.Fatalf("checkpoint %s epoch: got %d want %d", info.Level, info.Epoch, want)
		}
	}

	outPath := filepath.Join(base, "prediction.json")
	infer, err := client.Infer(context.Background(), InferRequest{
		Levels:    2,
		DataDir:   dataDir,
		BatchSize: 4,
		OutPath:   outPath,
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(infer.Levels) != 2 {
		t.Fatalf("infer levels: %+v", infer.Levels)
	}
	for _, level := range infer.Levels {
		if level.Loss <= 0 {
			t.Fatalf("level %s loss: %v", level.Level, level.Loss)
		}
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("prediction file: %v", err)
	}
}

func TestRunDetailReadsBackArtifacts(t *testing.T) {
	client, base := newTestClient(t)
	dataDir := generateTestData(t, client, base)
	summary := trainLevel(t, client, dataDir, 0, 4)

	detail, err := client.RunDetail(context.Background(), summary.RunID)
	if err != nil {
		t.Fatalf("run detail: %v", err)
	}
	if detail.Config.RunID != summary.RunID || detail.Config.Kind != "train" || detail.Config.Level != "level0" {
		t.Fatalf("detail config: %+v", detail.Config)
	}
	// Epochs 1 through 3 train, so three records and three loss points.
	if len(detail.Records) != 3 || len(detail.LossSeries) != 3 {
		t.Fatalf("detail records=%d series=%d", len(detail.Records), len(detail.LossSeries))
	}
	if detail.LossSeries[2] != summary.FinalTrainLoss {
		t.Fatalf("final series value: got %v want %v", detail.LossSeries[2], summary.FinalTrainLoss)
	}

	if _, err := client.RunDetail(context.Background(), "absent"); err == nil {
		t.Fatal("expected unknown run id to fail")
	}
	if _, err := client.RunDetail(context.Background(), ""); err == nil {
		t.Fatal("expected empty run id to fail")
	}
}

func TestExportLatestRun(t *testing.T) {
	client, base := newTestClient(t)
	dataDir := generateTestData(t, client, base)
	summary := trainLevel(t, client, dataDir, 0, 3)

	exported, err := client.Export(context.Background(), ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if exported.RunID != summary.RunID {
		t.Fatalf("exported run id: %s", exported.RunID)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, "config.json")); err != nil {
		t.Fatalf("exported config: %v", err)
	}

	if _, err := client.Export(context.Background(), ExportRequest{}); err == nil {
		t.Fatal("expected export without selector to fail")
	}
	if _, err := client.Export(context.Background(), ExportRequest{RunID: "x", Latest: true}); err == nil {
		t.Fatal("expected conflicting selectors to fail")
	}
}
