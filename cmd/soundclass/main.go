// Package main is the entry point for the soundclass CLI.
//
// Usage:
//
//	soundclass [flags] <command> [args]
//
// Commands:
//
//	train    - Run the training pipeline and export the mobile model
//	export   - Re-quantize a saved model
//	inspect  - Show the header of a mobile model file
//	predict  - Classify audio files with a mobile model
//	config   - Print the effective configuration
//	version  - Show version information
package main

import (
	"os"

	"github.com/haivivi/soundclass/cmd/soundclass/commands"
	"github.com/haivivi/soundclass/pkg/cli"
)

func main() {
	if err := commands.Execute(); err != nil {
		cli.PrintError("%v", err)
		os.Exit(1)
	}
}
