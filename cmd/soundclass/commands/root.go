package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/pkg/cli"
	"github.com/haivivi/soundclass/pkg/pipeline"
)

var (
	// Global flags
	verbose      bool
	configFile   string
	formatOutput string

	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "soundclass",
	Short: "Train and export environmental sound classifiers",
	Long: `soundclass - train a CNN on an UrbanSound8K-style dataset and export
it as a quantized mobile model.

The dataset root holds fold1 .. fold10 and the metadata CSV. Settings come
from built-in defaults, an optional YAML file (--config) and command flags,
in that order.

Examples:
  # Train with fold 10 held out and export a full int8 model
  soundclass train --dataset datasets/UrbanSound8K

  # Fast smoke run: 1000 clips per partition, 5 epochs, float activations
  soundclass train --quick --no-quantize

  # Inspect and try the exported model
  soundclass inspect models/audio_classifier.scqm
  soundclass predict --model models/audio_classifier.scqm clip.wav`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logFile string
		if cfg, err := loadConfig(); err == nil {
			logFile = cfg.Paths.LogFile
		}
		logger, closer := cli.NewLogger(cli.LogOptions{Verbose: verbose, File: logFile})
		slog.SetDefault(logger)
		logCloser = closer
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if logCloser != nil {
		logCloser.Close()
		logCloser = nil
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&formatOutput, "format", "yaml", "output format (yaml, json)")
}

// loadConfig returns the defaults overlaid with --config.
func loadConfig() (pipeline.Config, error) {
	if configFile == "" {
		return pipeline.DefaultConfig(), nil
	}
	cfg, err := pipeline.LoadConfig(configFile)
	if err != nil {
		return cfg, fmt.Errorf("config not available: %w", err)
	}
	return cfg, nil
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}

func output(v any) error {
	return cli.Output(v, cli.OutputOptions{Format: cli.OutputFormat(formatOutput)})
}
