// Package cli provides shared helpers for the soundclass command-line tool.
//
// This package includes:
//   - Output formatting (YAML, JSON, raw)
//   - Terminal print helpers and lipgloss styles
//   - Human-readable durations and sizes
//   - Logger construction (stderr plus an optional rotating file)
package cli
