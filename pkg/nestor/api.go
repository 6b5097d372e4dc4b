package nestor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"nestor/internal/checkpoint"
	"nestor/internal/dataset"
	"nestor/internal/model"
	"nestor/internal/nested"
	"nestor/internal/operator"
	"nestor/internal/stats"
	"nestor/internal/training"
)

const (
	defaultRunsDir       = "runs"
	defaultExportsDir    = "exports"
	defaultCheckpointDir = "checkpoints"
)

type Options struct {
	StoreKind     string
	CheckpointDir string
	RunsDir       string
	ExportsDir    string
}

// Client is the embedding surface for the nested surrogate trainer: one
// checkpoint store plus the run artifact directories.
type Client struct {
	store       checkpoint.Store
	initialized bool

	runsDir    string
	exportsDir string
	storeKind  string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = checkpoint.DefaultStoreKind()
	}
	checkpointDir := opts.CheckpointDir
	if checkpointDir == "" {
		checkpointDir = defaultCheckpointDir
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := checkpoint.NewStore(storeKind, checkpointDir)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:      store,
		runsDir:    runsDir,
		exportsDir: exportsDir,
		storeKind:  storeKind,
	}, nil
}

func (c *Client) Close() error {
	return checkpoint.CloseIfSupported(c.store)
}

func (c *Client) ensureStore(ctx context.Context) error {
	if c.initialized {
		return nil
	}
	if err := c.store.Init(ctx); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

type TrainRequest struct {
	Level          int
	DataDir        string
	Operator       operator.Config
	BatchSize      int
	MaxEpochs      int
	CheckpointFreq int
	ValidationFreq int
	DecayFreq      int
	InitialRate    float64
	DecayFactor    float64
	Seed           int64
	Resume         bool
}

type TrainSummary struct {
	RunID               string
	ArtifactsDir        string
	Level               string
	FinalTrainLoss      float64
	FinalValidationLoss *float64
}

func applyLoopDefaults(req *TrainRequest) {
	if req.BatchSize <= 0 {
		req.BatchSize = 8
	}
	if req.MaxEpochs <= 0 {
		req.MaxEpochs = 100
	}
	if req.CheckpointFreq <= 0 {
		req.CheckpointFreq = 10
	}
	if req.ValidationFreq <= 0 {
		req.ValidationFreq = 10
	}
	if req.DecayFreq <= 0 {
		req.DecayFreq = 25
	}
	if req.InitialRate <= 0 {
		req.InitialRate = 0.001
	}
	if req.DecayFactor <= 0 {
		req.DecayFactor = 0.5
	}
}

// Train runs the epoch loop for one level against its stored field files.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	applyLoopDefaults(&req)
	if req.Level < 0 {
		return TrainSummary{}, fmt.Errorf("%w: level must be >= 0", training.ErrConfiguration)
	}
	if req.DataDir == "" {
		return TrainSummary{}, fmt.Errorf("%w: data directory is required", training.ErrConfiguration)
	}
	if err := c.ensureStore(ctx); err != nil {
		return TrainSummary{}, err
	}

	level, err := c.loadLevel(req.DataDir, req.Level, req.BatchSize, req.Seed)
	if err != nil {
		return TrainSummary{}, err
	}

	unit, err := c.buildUnit(level, req.Operator, training.ScheduleConfig{
		InitialRate: req.InitialRate,
		DecayFactor: req.DecayFactor,
	}, req.Seed)
	if err != nil {
		return TrainSummary{}, err
	}

	runID := stats.NewRunID()
	runDir := filepath.Join(c.runsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return TrainSummary{}, err
	}
	recorder := stats.NewRecorder(filepath.Join(runDir, "epochs.jsonl"))

	orch, err := training.NewOrchestrator(training.LoopConfig{
		MaxEpochs:      req.MaxEpochs,
		CheckpointFreq: req.CheckpointFreq,
		ValidationFreq: req.ValidationFreq,
		DecayFreq:      req.DecayFreq,
		Resume:         req.Resume,
	}, training.Local(), c.store, recorder)
	if err != nil {
		return TrainSummary{}, err
	}
	if err := orch.Run(ctx, unit, level.train, level.valid); err != nil {
		return TrainSummary{}, err
	}

	summary := TrainSummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Level:        level.name,
	}
	summary.FinalTrainLoss, _ = recorder.LastValue("train_loss")
	if v, ok := recorder.LastValue("validation_loss"); ok {
		summary.FinalValidationLoss = &v
	}

	if err := c.writeRunArtifacts(runID, "train", level.name, req, recorder.Records(), summary.FinalTrainLoss, summary.FinalValidationLoss); err != nil {
		return TrainSummary{}, err
	}
	return summary, nil
}

type FineTuneRequest struct {
	Levels         int
	DataDir        string
	Operators      []operator.Config
	BatchSize      int
	MaxEpochs      int
	CheckpointFreq int
	ValidationFreq int
	DecayFreq      int
	InitialRate    float64
	DecayFactor    float64
	Seed           int64
}

type LevelResult struct {
	Level               string
	FinalTrainLoss      float64
	FinalValidationLoss *float64
}

type FineTuneSummary struct {
	RunID        string
	ArtifactsDir string
	Levels       []LevelResult
}

// FineTune retrains the child levels of a pre-trained hierarchy with the
// second input channel replaced by live parent predictions. Every level must
// already have a checkpoint; levels train in order so each child sees its
// parent's fine-tuned state.
func (c *Client) FineTune(ctx context.Context, req FineTuneRequest) (FineTuneSummary, error) {
	loop := TrainRequest{
		BatchSize:      req.BatchSize,
		MaxEpochs:      req.MaxEpochs,
		CheckpointFreq: req.CheckpointFreq,
		ValidationFreq: req.ValidationFreq,
		DecayFreq:      req.DecayFreq,
		InitialRate:    req.InitialRate,
		DecayFactor:    req.DecayFactor,
	}
	applyLoopDefaults(&loop)
	if req.Levels < 2 {
		return FineTuneSummary{}, fmt.Errorf("%w: fine-tuning requires at least 2 levels", training.ErrConfiguration)
	}
	if req.DataDir == "" {
		return FineTuneSummary{}, fmt.Errorf("%w: data directory is required", training.ErrConfiguration)
	}
	if err := c.ensureStore(ctx); err != nil {
		return FineTuneSummary{}, err
	}

	levels := make([]*levelData, req.Levels)
	units := make([]*training.LevelUnit, req.Levels)
	for i := 0; i < req.Levels; i++ {
		level, err := c.loadLevel(req.DataDir, i, loop.BatchSize, req.Seed)
		if err != nil {
			return FineTuneSummary{}, err
		}
		unit, err := c.buildUnit(level, levelOperator(req.Operators, i), training.ScheduleConfig{
			InitialRate: loop.InitialRate,
			DecayFactor: loop.DecayFactor,
		}, req.Seed)
		if err != nil {
			return FineTuneSummary{}, err
		}
		if err := c.restoreUnit(ctx, unit); err != nil {
			return FineTuneSummary{}, err
		}
		levels[i] = level
		units[i] = unit
	}

	runID := stats.NewRunID()
	runDir := filepath.Join(c.runsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return FineTuneSummary{}, err
	}

	summary := FineTuneSummary{RunID: runID, ArtifactsDir: filepath.Clean(runDir)}
	var allRecords []model.EpochRecord
	for i := 1; i < req.Levels; i++ {
		parent := levels[i-1]
		child := levels[i]

		bridge, err := nested.NewBridge(nested.Config{
			InputField:  dataset.FieldPermeability,
			OutputField: dataset.FieldFlow,
			Stats:       parent.stats,
		}, units[i-1])
		if err != nil {
			return FineTuneSummary{}, err
		}

		parentTrainInput, ok := parent.train.RawField(dataset.FieldPermeability)
		if !ok {
			return FineTuneSummary{}, fmt.Errorf("%w: parent %s has no input field", training.ErrConfiguration, parent.name)
		}
		if err := bridge.Condition(ctx, parentTrainInput, child.train, dataset.FieldPermeability); err != nil {
			return FineTuneSummary{}, err
		}
		parentValidInput, ok := parent.valid.RawField(dataset.FieldPermeability)
		if !ok {
			return FineTuneSummary{}, fmt.Errorf("%w: parent %s has no input field", training.ErrConfiguration, parent.name)
		}
		if err := bridge.Condition(ctx, parentValidInput, child.valid, dataset.FieldPermeability); err != nil {
			return FineTuneSummary{}, err
		}

		recorder := stats.NewRecorder(filepath.Join(runDir, child.name+"_epochs.jsonl"))
		orch, err := training.NewOrchestrator(training.LoopConfig{
			MaxEpochs:      loop.MaxEpochs,
			CheckpointFreq: loop.CheckpointFreq,
			ValidationFreq: loop.ValidationFreq,
			DecayFreq:      loop.DecayFreq,
			Resume:         true,
		}, training.Local(), c.store, recorder)
		if err != nil {
			return FineTuneSummary{}, err
		}
		if err := orch.Run(ctx, units[i], child.train, child.valid); err != nil {
			return FineTuneSummary{}, err
		}

		result := LevelResult{Level: child.name}
		result.FinalTrainLoss, _ = recorder.LastValue("train_loss")
		if v, ok := recorder.LastValue("validation_loss"); ok {
			result.FinalValidationLoss = &v
		}
		summary.Levels = append(summary.Levels, result)
		allRecords = append(allRecords, recorder.Records()...)
	}

	loop.DataDir = req.DataDir
	loop.Seed = req.Seed
	var finalTrain float64
	var finalValid *float64
	if n := len(summary.Levels); n > 0 {
		finalTrain = summary.Levels[n-1].FinalTrainLoss
		finalValid = summary.Levels[n-1].FinalValidationLoss
	}
	if err := c.writeRunArtifacts(runID, "finetune", dataset.LevelName(req.Levels-1), loop, allRecords, finalTrain, finalValid); err != nil {
		return FineTuneSummary{}, err
	}
	return summary, nil
}

type InferRequest struct {
	Levels    int
	DataDir   string
	Operators []operator.Config
	BatchSize int
	OutPath   string
}

type InferLevelResult struct {
	Level string
	Loss  float64
}

type InferSummary struct {
	Levels  []InferLevelResult
	OutPath string
}

// Infer restores the hierarchy from checkpoints and evaluates the validation
// split level by level, threading live parent predictions down the nesting.
// When OutPath is set, the deepest level's physical-unit flow prediction is
// written there as a field file.
func (c *Client) Infer(ctx context.Context, req InferRequest) (InferSummary, error) {
	if req.Levels < 1 {
		return InferSummary{}, fmt.Errorf("%w: level count must be >= 1", training.ErrConfiguration)
	}
	if req.DataDir == "" {
		return InferSummary{}, fmt.Errorf("%w: data directory is required", training.ErrConfiguration)
	}
	if req.BatchSize <= 0 {
		req.BatchSize = 8
	}
	if err := c.ensureStore(ctx); err != nil {
		return InferSummary{}, err
	}

	summary := InferSummary{}
	var parentLevel *levelData
	var parentUnit *training.LevelUnit
	for i := 0; i < req.Levels; i++ {
		level, err := c.loadLevel(req.DataDir, i, req.BatchSize, 0)
		if err != nil {
			return InferSummary{}, err
		}
		unit, err := c.buildUnit(level, levelOperator(req.Operators, i), training.ScheduleConfig{
			InitialRate: 0.001,
			DecayFactor: 0.5,
		}, 0)
		if err != nil {
			return InferSummary{}, err
		}
		if err := c.restoreUnit(ctx, unit); err != nil {
			return InferSummary{}, err
		}

		if i > 0 {
			bridge, err := nested.NewBridge(nested.Config{
				InputField:  dataset.FieldPermeability,
				OutputField: dataset.FieldFlow,
				Stats:       parentLevel.stats,
			}, parentUnit)
			if err != nil {
				return InferSummary{}, err
			}
			parentInput, ok := parentLevel.valid.RawField(dataset.FieldPermeability)
			if !ok {
				return InferSummary{}, fmt.Errorf("%w: parent %s has no input field", training.ErrConfiguration, parentLevel.name)
			}
			if err := bridge.Condition(ctx, parentInput, level.valid, dataset.FieldPermeability); err != nil {
				return InferSummary{}, err
			}
		}

		loss, err := training.ValidateWeighted(ctx, training.Local(), unit, level.valid)
		if err != nil {
			return InferSummary{}, err
		}
		summary.Levels = append(summary.Levels, InferLevelResult{Level: level.name, Loss: loss})

		parentLevel = level
		parentUnit = unit
	}

	if req.OutPath != "" {
		deepest, err := nested.NewBridge(nested.Config{
			InputField:  dataset.FieldPermeability,
			OutputField: dataset.FieldFlow,
			Stats:       parentLevel.stats,
		}, parentUnit)
		if err != nil {
			return InferSummary{}, err
		}
		input, ok := parentLevel.valid.RawField(dataset.FieldPermeability)
		if !ok {
			return InferSummary{}, fmt.Errorf("%w: level %s has no input field", training.ErrConfiguration, parentLevel.name)
		}
		pred, err := deepest.Predict(ctx, input)
		if err != nil {
			return InferSummary{}, err
		}
		if err := dataset.WriteFieldFile(req.OutPath, dataset.FieldFile{
			Level:  parentLevel.name,
			Fields: map[string]model.Tensor{dataset.FieldFlow: pred},
		}); err != nil {
			return InferSummary{}, err
		}
		summary.OutPath = filepath.Clean(req.OutPath)
	}
	return summary, nil
}

type GenDataRequest struct {
	OutDir            string
	Levels            int
	TrainSamples      int
	ValidationSamples int
	BaseResolution    int
	Seed              int64
}

// GenData writes a synthetic nested hierarchy to OutDir and returns the
// written file paths.
func (c *Client) GenData(_ context.Context, req GenDataRequest) ([]string, error) {
	if req.Levels <= 0 {
		req.Levels = 2
	}
	if req.TrainSamples <= 0 {
		req.TrainSamples = 64
	}
	if req.ValidationSamples <= 0 {
		req.ValidationSamples = 16
	}
	if req.BaseResolution <= 0 {
		req.BaseResolution = 8
	}
	return dataset.WriteGeneratedFields(req.OutDir, dataset.GenerateConfig{
		Levels:            req.Levels,
		TrainSamples:      req.TrainSamples,
		ValidationSamples: req.ValidationSamples,
		BaseResolution:    req.BaseResolution,
		Seed:              req.Seed,
	})
}

// Checkpoints lists the stored checkpoint slots.
func (c *Client) Checkpoints(ctx context.Context) ([]checkpoint.Info, error) {
	if err := c.ensureStore(ctx); err != nil {
		return nil, err
	}
	return c.store.List(ctx)
}

type RunsRequest struct {
	Limit int
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

type RunDetail struct {
	Config     stats.RunConfig
	Records    []model.EpochRecord
	LossSeries []float64
}

// RunDetail reads one run's stored artifacts back: its configuration, the
// per-epoch metric records, and the training-loss series.
func (c *Client) RunDetail(_ context.Context, runID string) (RunDetail, error) {
	if runID == "" {
		return RunDetail{}, errors.New("run detail requires a run id")
	}
	cfg, ok, err := stats.ReadRunConfig(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	if !ok {
		return RunDetail{}, fmt.Errorf("run not found: %s", runID)
	}
	records, _, err := stats.ReadRunRecords(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	series, _, err := stats.ReadLossSeries(c.runsDir, runID)
	if err != nil {
		return RunDetail{}, err
	}
	return RunDetail{Config: cfg, Records: records, LossSeries: series}, nil
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// levelData bundles one level's sources with the stats they were built on.
type levelData struct {
	index int
	name  string
	train *dataset.GridDataset
	valid *dataset.GridDataset
	stats model.NormStats
}

func (c *Client) loadLevel(dataDir string, level, batchSize int, seed int64) (*levelData, error) {
	trainFile, err := dataset.ReadFieldFile(filepath.Join(dataDir, dataset.TrainFileName(level)))
	if err != nil {
		return nil, err
	}
	norm, err := dataset.ComputeStats(trainFile.Fields)
	if err != nil {
		return nil, err
	}
	train, err := dataset.NewGridDataset(dataset.Config{
		InputField:  dataset.FieldPermeability,
		TargetField: dataset.FieldFlow,
		BatchSize:   batchSize,
		Shuffle:     true,
		Seed:        seed,
		Stats:       norm,
	}, trainFile.Fields)
	if err != nil {
		return nil, err
	}

	validFile, err := dataset.ReadFieldFile(filepath.Join(dataDir, dataset.ValidationFileName(level)))
	if err != nil {
		return nil, err
	}
	valid, err := dataset.NewGridDataset(dataset.Config{
		InputField:  dataset.FieldPermeability,
		TargetField: dataset.FieldFlow,
		BatchSize:   batchSize,
		Stats:       norm,
	}, validFile.Fields)
	if err != nil {
		return nil, err
	}

	return &levelData{
		index: level,
		name:  dataset.LevelName(level),
		train: train,
		valid: valid,
		stats: norm,
	}, nil
}

func (c *Client) buildUnit(level *levelData, opCfg operator.Config, sched training.ScheduleConfig, seed int64) (*training.LevelUnit, error) {
	input, ok := level.train.RawField(dataset.FieldPermeability)
	if !ok {
		return nil, fmt.Errorf("%w: level %s has no input field", training.ErrConfiguration, level.name)
	}
	if opCfg == (operator.Config{}) {
		opCfg = operator.Config{HiddenChannels: 16, HiddenLayers: 2, OutChannels: 1}
	}
	if opCfg.InChannels <= 0 {
		opCfg.InChannels = input.Shape[1]
	}
	if opCfg.OutChannels <= 0 {
		opCfg.OutChannels = 1
	}
	if opCfg.HiddenChannels <= 0 {
		opCfg.HiddenChannels = 16
	}
	if opCfg.InChannels != input.Shape[1] {
		return nil, fmt.Errorf("%w: level %s input has %d channels, architecture expects %d", training.ErrConfiguration, level.name, input.Shape[1], opCfg.InChannels)
	}

	return training.NewLevelUnit(training.UnitConfig{
		Level:       level.name,
		InputField:  dataset.FieldPermeability,
		TargetField: dataset.FieldFlow,
		Operator:    opCfg,
		Schedule:    sched,
		Seed:        seed,
	})
}

func (c *Client) restoreUnit(ctx context.Context, unit *training.LevelUnit) error {
	ckpt, ok, err := c.store.Load(ctx, unit.Level())
	if err != nil {
		return fmt.Errorf("%w: load checkpoint for %s: %v", training.ErrResumption, unit.Level(), err)
	}
	if !ok {
		return fmt.Errorf("%w: no checkpoint for %s", training.ErrResumption, unit.Level())
	}
	return unit.Restore(ckpt)
}

func levelOperator(configs []operator.Config, level int) operator.Config {
	if level < len(configs) {
		return configs[level]
	}
	return operator.Config{}
}

func (c *Client) writeRunArtifacts(runID, kind, level string, req TrainRequest, records []model.EpochRecord, finalTrain float64, finalValid *float64) error {
	now := time.Now().UTC()
	cfg := stats.RunConfig{
		RunID:          runID,
		Kind:           kind,
		Level:          level,
		DataDir:        req.DataDir,
		StoreBackend:   c.storeKind,
		MaxEpochs:      req.MaxEpochs,
		CheckpointFreq: req.CheckpointFreq,
		ValidationFreq: req.ValidationFreq,
		DecayFreq:      req.DecayFreq,
		InitialRate:    req.InitialRate,
		DecayFactor:    req.DecayFactor,
		BatchSize:      req.BatchSize,
		Seed:           req.Seed,
		Resume:         req.Resume,
		CreatedAtUTC:   now.Format(time.RFC3339Nano),
	}
	if _, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config:              cfg,
		Records:             records,
		FinalTrainLoss:      finalTrain,
		FinalValidationLoss: finalValid,
	}); err != nil {
		return err
	}
	return stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:          runID,
		Kind:           kind,
		Level:          level,
		MaxEpochs:      req.MaxEpochs,
		Seed:           req.Seed,
		FinalTrainLoss: finalTrain,
		CreatedAtUTC:   cfg.CreatedAtUTC,
	})
}
