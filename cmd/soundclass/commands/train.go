package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/pkg/cli"
	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/kv"
	"github.com/haivivi/soundclass/pkg/pipeline"
)

var (
	trainTestFold  int
	trainQuick     bool
	trainNoQuant   bool
	trainDataset   string
	trainOutputDir string
	trainPurge     bool
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Run the training pipeline",
	Long: `Extract MFCC features, train the classifier with one fold held out,
evaluate it on that fold and export the model.

Artifacts (under --out, or the configured paths):
  audio_classifier/        full-precision model, history, report, label map
  audio_classifier.scqm    quantized mobile model
  label_encoder.json       label map next to the mobile model`,
	Args: cobra.NoArgs,
	RunE: runTrain,
}

func init() {
	trainCmd.Flags().IntVar(&trainTestFold, "test-fold", 10, "fold held out for evaluation")
	trainCmd.Flags().BoolVar(&trainQuick, "quick", false, "cap clips at 1000 per partition and epochs at 5")
	trainCmd.Flags().BoolVar(&trainNoQuant, "no-quantize", false, "quantize weights only, keep float activations")
	trainCmd.Flags().StringVar(&trainDataset, "dataset", "", "dataset root (overrides paths.dataset_root)")
	trainCmd.Flags().StringVar(&trainOutputDir, "out", "", "output directory for the model and mobile model")
	trainCmd.Flags().BoolVar(&trainPurge, "purge-cache", false, "drop every cached feature before extracting")
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("test-fold") {
		cfg.Train.TestFold = trainTestFold
	}
	if trainDataset != "" {
		cfg.Paths.DatasetRoot = trainDataset
	}
	if trainOutputDir != "" {
		setOutputDir(&cfg, trainOutputDir)
	}
	if trainNoQuant {
		cfg.Quant.FullInteger = false
	}
	if trainQuick {
		cfg.ApplyQuick()
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, closeDeps, err := openDeps(cfg)
	if err != nil {
		return err
	}
	defer closeDeps()
	if trainPurge && deps.Cache != nil {
		n, err := purgeCache(ctx, deps.Cache)
		if err != nil {
			return err
		}
		cli.PrintInfo("Purged feature cache (%d entries for the current settings)", n)
	}

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}
	cli.PrintInfo("Run %s: test fold %d, %d epochs", p.RunID(), cfg.Train.TestFold, cfg.Train.Epochs)
	if deps.Cache != nil {
		cli.PrintInfo("Feature cache: %s (%s)", cfg.Paths.CacheDir, deps.Cache.Fingerprint())
	}
	start := time.Now()
	res, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("pipeline stopped after stage %s: %w", p.Stage(), err)
	}

	fmt.Println(res.Report.Table())
	fmt.Println(res.Report.Summary())
	styles := cli.NewStyles(cli.DefaultTheme)
	fmt.Println(styles.Panel("Run "+res.RunID, []cli.Field{
		{Label: "Clips", Value: fmt.Sprintf("%d train / %d val / %d test", res.TrainSize, res.ValSize, res.TestSize)},
		{Label: "Input", Value: fmt.Sprintf("(1, %d, %d, 1)", res.FixedTime, cfg.Features.NMFCC)},
		{Label: "Accuracy", Value: cli.FormatPercent(res.Report.Accuracy)},
		{Label: "Model dir", Value: cfg.Paths.ModelDir},
		{Label: "Mobile", Value: fmt.Sprintf("%s (%s, %s)", cfg.Paths.MobileModel, res.Export.Mode, cli.FormatBytes(int64(res.Export.Bytes)))},
		{Label: "Elapsed", Value: cli.FormatDuration(time.Since(start))},
	}))
	if res.Fallbacks > 0 {
		cli.PrintWarning("%d clips could not be decoded and were replaced by silence", res.Fallbacks)
	}
	if res.Skipped > 0 {
		cli.PrintWarning("%d test clips belong to classes absent from training and were skipped", res.Skipped)
	}
	cli.PrintSuccess("Pipeline completed")
	return nil
}

// setOutputDir places the model directory and the mobile model under dir.
func setOutputDir(cfg *pipeline.Config, dir string) {
	cfg.Paths.ModelDir = filepath.Join(dir, "audio_classifier")
	cfg.Paths.MobileModel = filepath.Join(dir, "audio_classifier.scqm")
}

// openDeps opens the feature cache when paths.cache_dir is set.
func openDeps(cfg pipeline.Config) (pipeline.Deps, func() error, error) {
	deps := pipeline.Deps{Logger: slog.Default()}
	if cfg.Paths.CacheDir == "" {
		return deps, func() error { return nil }, nil
	}
	store, err := kv.NewBadger(kv.BadgerOptions{Dir: cfg.Paths.CacheDir, Logger: deps.Logger})
	if err != nil {
		return deps, nil, fmt.Errorf("open feature cache: %w", err)
	}
	deps.Cache = dataset.NewFeatureCache(store, cfg.Audio.SampleRate, cfg.Audio.Duration, cfg.MFCC())
	return deps, store.Close, nil
}

// purgeCache empties the feature cache and returns how many entries
// matched the current feature settings.
func purgeCache(ctx context.Context, cache *dataset.FeatureCache) (int, error) {
	n, err := cache.Len(ctx)
	if err != nil {
		return 0, fmt.Errorf("count cached features: %w", err)
	}
	if err := cache.Purge(ctx); err != nil {
		return 0, fmt.Errorf("purge feature cache: %w", err)
	}
	return n, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
