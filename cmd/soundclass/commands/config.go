package commands

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration a train run would use: the built-in defaults
overlaid with --config. Redirect the output to a file to start a custom
configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return output(cfg)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
