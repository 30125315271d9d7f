package commands

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/pkg/pipeline"
)

var predictModel string

var predictCmd = &cobra.Command{
	Use:   "predict --model <file.scqm> <clip.wav>...",
	Short: "Classify audio files with a mobile model",
	Long: `Run a mobile model on WAV files. Clips are normalized and featurized
exactly as during training, using the audio and feature settings of the
configuration. This is offline verification, not a serving path.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		m, _, err := openMobileModel(predictModel)
		if err != nil {
			return err
		}
		p, err := pipeline.NewPredictor(cfg, m, slog.Default())
		if err != nil {
			return err
		}
		preds := make([]*pipeline.Prediction, 0, len(args))
		for _, path := range args {
			pred, err := p.Predict(path)
			if err != nil {
				return err
			}
			preds = append(preds, pred)
		}
		return output(preds)
	},
}

func init() {
	predictCmd.Flags().StringVar(&predictModel, "model", "", "mobile model file")
	predictCmd.MarkFlagRequired("model")
	rootCmd.AddCommand(predictCmd)
}
