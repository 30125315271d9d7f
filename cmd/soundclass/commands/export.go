package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/pkg/cli"
	"github.com/haivivi/soundclass/pkg/pipeline"
)

var (
	exportModelDir string
	exportOutput   string
	exportNoQuant  bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Re-quantize a saved model",
	Long: `Convert the full-precision model in --model into a mobile model.

Full integer export calibrates on training-fold clips of the configured
dataset; the feature cache is used when paths.cache_dir is set.`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportModelDir, "model", "", "saved model directory (overrides paths.model_dir)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "mobile model path (overrides paths.mobile_model)")
	exportCmd.Flags().BoolVar(&exportNoQuant, "no-quantize", false, "quantize weights only, keep float activations")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if exportModelDir != "" {
		cfg.Paths.ModelDir = exportModelDir
	}
	if exportOutput != "" {
		cfg.Paths.MobileModel = exportOutput
	}
	if exportNoQuant {
		cfg.Quant.FullInteger = false
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps, closeDeps, err := openDeps(cfg)
	if err != nil {
		return err
	}
	defer closeDeps()

	p, err := pipeline.New(cfg, deps)
	if err != nil {
		return err
	}
	res, err := p.Export(ctx)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	cli.PrintSuccess("Exported %s model to %s (%s)", res.Mode, cfg.Paths.MobileModel, cli.FormatBytes(int64(res.Bytes)))
	return nil
}
