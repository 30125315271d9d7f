package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/cmd/soundclass/internal/build"
	"github.com/haivivi/soundclass/pkg/nn"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("format") {
			return output(build.Get())
		}
		fmt.Println(build.String())
		if IsVerbose() {
			info := build.Get()
			fmt.Printf("  go:      %s\n", info.Go)
			fmt.Printf("  cpu:     %s\n", nn.CPUInfo())
			fmt.Printf("  workers: %d\n", nn.Workers())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
