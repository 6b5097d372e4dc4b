package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"nestor/internal/checkpoint"
	"nestor/internal/training"
	nestorapi "nestor/pkg/nestor"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "gen-data":
		return runGenData(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "finetune":
		return runFineTune(ctx, args[1:])
	case "infer":
		return runInfer(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func storeFlags(fs *flag.FlagSet) (*string, *string, *string, *string) {
	storeKind := fs.String("store", checkpoint.DefaultStoreKind(), "checkpoint backend: file|memory|sqlite")
	checkpointDir := fs.String("checkpoint-dir", "checkpoints", "checkpoint directory (file backend) or database path (sqlite backend)")
	runsDir := fs.String("runs-dir", "runs", "run artifact directory")
	exportsDir := fs.String("exports-dir", "exports", "export directory")
	return storeKind, checkpointDir, runsDir, exportsDir
}

func newClient(storeKind, checkpointDir, runsDir, exportsDir string) (*nestorapi.Client, error) {
	return nestorapi.New(nestorapi.Options{
		StoreKind:     storeKind,
		CheckpointDir: checkpointDir,
		RunsDir:       runsDir,
		ExportsDir:    exportsDir,
	})
}

func runGenData(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("gen-data", flag.ContinueOnError)
	outDir := fs.String("out", "data", "output directory for generated field files")
	levels := fs.Int("levels", 2, "hierarchy depth")
	trainSamples := fs.Int("train-samples", 64, "training sample count")
	validationSamples := fs.Int("validation-samples", 16, "validation sample count")
	baseResolution := fs.Int("base-resolution", 8, "level 0 grid resolution")
	seed := fs.Int64("seed", 1, "rng seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient("memory", "", "", "")
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	paths, err := client.GenData(ctx, nestorapi.GenDataRequest{
		OutDir:            *outDir,
		Levels:            *levels,
		TrainSamples:      *trainSamples,
		ValidationSamples: *validationSamples,
		BaseResolution:    *baseResolution,
		Seed:              *seed,
	})
	if err != nil {
		return err
	}
	for _, path := range paths {
		fmt.Println(path)
	}
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	level := fs.Int("level", -1, "level to train (required)")
	dataDir := fs.String("data", "", "field file directory")
	batchSize := fs.Int("batch", 8, "batch size")
	maxEpochs := fs.Int("epochs", 100, "epoch bound")
	checkpointFreq := fs.Int("checkpoint-freq", 10, "checkpoint cadence in epochs")
	validationFreq := fs.Int("validation-freq", 10, "validation cadence in epochs")
	decayFreq := fs.Int("decay-freq", 25, "learning rate decay cadence in epochs")
	initialRate := fs.Float64("lr", 0.001, "initial learning rate")
	decayFactor := fs.Float64("decay", 0.5, "learning rate decay factor")
	seed := fs.Int64("seed", 1, "rng seed")
	resume := fs.Bool("resume", false, "resume from the stored checkpoint")
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	// The level selection gates everything else; fail before touching data
	// or the checkpoint store.
	if *level < 0 {
		return fmt.Errorf("%w: train requires -level", training.ErrConfiguration)
	}

	cfg, err := loadRunFileConfig(*configPath)
	if err != nil {
		return err
	}
	arch, err := cfg.operatorFor(*level)
	if err != nil {
		return err
	}

	set := setFlags(fs)
	req := nestorapi.TrainRequest{
		Level:    *level,
		DataDir:  cfg.DataDir,
		Operator: arch,
		Seed:     cfg.Seed,
		Resume:   *resume,
	}
	if set["data"] || req.DataDir == "" {
		req.DataDir = *dataDir
	}
	if set["batch"] || cfg.BatchSize == 0 {
		req.BatchSize = *batchSize
	} else {
		req.BatchSize = cfg.BatchSize
	}
	if set["epochs"] || cfg.MaxEpochs == 0 {
		req.MaxEpochs = *maxEpochs
	} else {
		req.MaxEpochs = cfg.MaxEpochs
	}
	if set["checkpoint-freq"] || cfg.CheckpointFreq == 0 {
		req.CheckpointFreq = *checkpointFreq
	} else {
		req.CheckpointFreq = cfg.CheckpointFreq
	}
	if set["validation-freq"] || cfg.ValidationFreq == 0 {
		req.ValidationFreq = *validationFreq
	} else {
		req.ValidationFreq = cfg.ValidationFreq
	}
	if set["decay-freq"] || cfg.DecayFreq == 0 {
		req.DecayFreq = *decayFreq
	} else {
		req.DecayFreq = cfg.DecayFreq
	}
	if set["lr"] || cfg.InitialRate == 0 {
		req.InitialRate = *initialRate
	} else {
		req.InitialRate = cfg.InitialRate
	}
	if set["decay"] || cfg.DecayFactor == 0 {
		req.DecayFactor = *decayFactor
	} else {
		req.DecayFactor = cfg.DecayFactor
	}
	if set["seed"] || cfg.Seed == 0 {
		req.Seed = *seed
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.Train(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run=%s level=%s train_loss=%.6g", summary.RunID, summary.Level, summary.FinalTrainLoss)
	if summary.FinalValidationLoss != nil {
		fmt.Printf(" validation_loss=%.6g", *summary.FinalValidationLoss)
	}
	fmt.Printf(" artifacts=%s\n", summary.ArtifactsDir)
	return nil
}

func runFineTune(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("finetune", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	levels := fs.Int("levels", 0, "hierarchy depth (required)")
	dataDir := fs.String("data", "", "field file directory")
	batchSize := fs.Int("batch", 8, "batch size")
	maxEpochs := fs.Int("epochs", 100, "epoch bound")
	checkpointFreq := fs.Int("checkpoint-freq", 10, "checkpoint cadence in epochs")
	validationFreq := fs.Int("validation-freq", 10, "validation cadence in epochs")
	decayFreq := fs.Int("decay-freq", 25, "learning rate decay cadence in epochs")
	initialRate := fs.Float64("lr", 0.001, "initial learning rate")
	decayFactor := fs.Float64("decay", 0.5, "learning rate decay factor")
	seed := fs.Int64("seed", 1, "rng seed")
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *levels < 2 {
		return usageError("finetune requires -levels >= 2")
	}

	cfg, err := loadRunFileConfig(*configPath)
	if err != nil {
		return err
	}
	archs, err := cfg.operatorList(*levels)
	if err != nil {
		return err
	}

	set := setFlags(fs)
	req := nestorapi.FineTuneRequest{
		Levels:    *levels,
		DataDir:   cfg.DataDir,
		Operators: archs,
		Seed:      cfg.Seed,
	}
	if set["data"] || req.DataDir == "" {
		req.DataDir = *dataDir
	}
	if set["batch"] || cfg.BatchSize == 0 {
		req.BatchSize = *batchSize
	} else {
		req.BatchSize = cfg.BatchSize
	}
	if set["epochs"] || cfg.MaxEpochs == 0 {
		req.MaxEpochs = *maxEpochs
	} else {
		req.MaxEpochs = cfg.MaxEpochs
	}
	if set["checkpoint-freq"] || cfg.CheckpointFreq == 0 {
		req.CheckpointFreq = *checkpointFreq
	} else {
		req.CheckpointFreq = cfg.CheckpointFreq
	}
	if set["validation-freq"] || cfg.ValidationFreq == 0 {
		req.ValidationFreq = *validationFreq
	} else {
		req.ValidationFreq = cfg.ValidationFreq
	}
	if set["decay-freq"] || cfg.DecayFreq == 0 {
		req.DecayFreq = *decayFreq
	} else {
		req.DecayFreq = cfg.DecayFreq
	}
	if set["lr"] || cfg.InitialRate == 0 {
		req.InitialRate = *initialRate
	} else {
		req.InitialRate = cfg.InitialRate
	}
	if set["decay"] || cfg.DecayFactor == 0 {
		req.DecayFactor = *decayFactor
	} else {
		req.DecayFactor = cfg.DecayFactor
	}
	if set["seed"] || cfg.Seed == 0 {
		req.Seed = *seed
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.FineTune(ctx, req)
	if err != nil {
		return err
	}

	fmt.Printf("run=%s artifacts=%s\n", summary.RunID, summary.ArtifactsDir)
	for _, level := range summary.Levels {
		fmt.Printf("  %s train_loss=%.6g", level.Level, level.FinalTrainLoss)
		if level.FinalValidationLoss != nil {
			fmt.Printf(" validation_loss=%.6g", *level.FinalValidationLoss)
		}
		fmt.Println()
	}
	return nil
}

func runInfer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("infer", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config JSON path")
	levels := fs.Int("levels", 0, "hierarchy depth (required)")
	dataDir := fs.String("data", "", "field file directory")
	batchSize := fs.Int("batch", 8, "batch size")
	outPath := fs.String("out", "", "optional output path for the deepest level's prediction")
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *levels < 1 {
		return usageError("infer requires -levels >= 1")
	}

	cfg, err := loadRunFileConfig(*configPath)
	if err != nil {
		return err
	}
	archs, err := cfg.operatorList(*levels)
	if err != nil {
		return err
	}

	data := cfg.DataDir
	if data == "" || setFlags(fs)["data"] {
		data = *dataDir
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.Infer(ctx, nestorapi.InferRequest{
		Levels:    *levels,
		DataDir:   data,
		Operators: archs,
		BatchSize: *batchSize,
		OutPath:   *outPath,
	})
	if err != nil {
		return err
	}

	for _, level := range summary.Levels {
		fmt.Printf("%s loss=%.6g\n", level.Level, level.Loss)
	}
	if summary.OutPath != "" {
		fmt.Printf("prediction=%s\n", summary.OutPath)
	}
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	infos, err := client.Checkpoints(ctx)
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd())
	if pretty {
		fmt.Printf("%-12s %-8s %-10s %s\n", "LEVEL", "EPOCH", "SIZE", "MODIFIED")
	}
	for _, info := range infos {
		if pretty {
			modified := ""
			if info.ModifiedAtUTC != "" {
				if ts, err := time.Parse(time.RFC3339, info.ModifiedAtUTC); err == nil {
					modified = humanize.Time(ts)
				}
			}
			fmt.Printf("%-12s %-8d %-10s %s\n", info.Level, info.Epoch, humanize.Bytes(uint64(info.SizeBytes)), modified)
		} else {
			fmt.Printf("%s\t%d\t%d\t%s\n", info.Level, info.Epoch, info.SizeBytes, info.ModifiedAtUTC)
		}
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "maximum runs to list")
	runID := fs.String("run-id", "", "show one run's stored config and loss series")
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if *runID != "" {
		detail, err := client.RunDetail(ctx, *runID)
		if err != nil {
			return err
		}
		cfg := detail.Config
		fmt.Printf("run=%s kind=%s level=%s data=%s store=%s\n", cfg.RunID, cfg.Kind, cfg.Level, cfg.DataDir, cfg.StoreBackend)
		fmt.Printf("epochs=%d batch=%d lr=%.6g decay=%.6g seed=%d resume=%v created=%s\n",
			cfg.MaxEpochs, cfg.BatchSize, cfg.InitialRate, cfg.DecayFactor, cfg.Seed, cfg.Resume, cfg.CreatedAtUTC)
		for _, record := range detail.Records {
			fmt.Printf("  %s epoch=%d", record.Namespace, record.Epoch)
			if v, ok := record.Values["train_loss"]; ok {
				fmt.Printf(" train_loss=%.6g", v)
			}
			if v, ok := record.Values["validation_loss"]; ok {
				fmt.Printf(" validation_loss=%.6g", v)
			}
			fmt.Println()
		}
		return nil
	}

	entries, err := client.Runs(ctx, nestorapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no runs")
		return nil
	}
	for _, entry := range entries {
		fmt.Printf("%s kind=%s level=%s epochs=%d seed=%d train_loss=%.6g created=%s\n",
			entry.RunID, entry.Kind, entry.Level, entry.MaxEpochs, entry.Seed, entry.FinalTrainLoss, entry.CreatedAtUTC)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", "", "destination directory (defaults to the exports dir)")
	storeKind, checkpointDir, runsDir, exportsDir := storeFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(*storeKind, *checkpointDir, *runsDir, *exportsDir)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.Export(ctx, nestorapi.ExportRequest{
		RunID:  *runID,
		Latest: *latest,
		OutDir: *outDir,
	})
	if err != nil {
		return err
	}
	fmt.Printf("exported run=%s dir=%s\n", summary.RunID, summary.Directory)
	return nil
}

func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: nestorctl <gen-data|train|finetune|infer|checkpoints|runs|export> [flags]", msg)
}
