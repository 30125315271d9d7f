package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"
)

// OutputFormat names a structured output encoding.
type OutputFormat string

const (
	FormatYAML OutputFormat = "yaml" // default
	FormatJSON OutputFormat = "json"
	// FormatRaw writes strings and byte slices unchanged and falls back
	// to YAML for anything else.
	FormatRaw OutputFormat = "raw"
)

// OutputOptions configures Output.
type OutputOptions struct {
	Format OutputFormat

	// File receives the output instead of stdout when set.
	File string

	// Writer overrides File.
	Writer io.Writer
}

var encoders = map[OutputFormat]func(io.Writer, any) error{
	"":         encodeYAML,
	FormatYAML: encodeYAML,
	FormatJSON: encodeJSON,
	FormatRaw:  encodeRaw,
}

// Output encodes result to the destination named by opts.
func Output(result any, opts OutputOptions) error {
	encode, ok := encoders[opts.Format]
	if !ok {
		return fmt.Errorf("unsupported output format: %s", opts.Format)
	}
	if opts.Writer != nil {
		return encode(opts.Writer, result)
	}
	if opts.File == "" {
		return encode(os.Stdout, result)
	}
	f, err := os.Create(opts.File)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := encode(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func encodeYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func encodeRaw(w io.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case []byte:
		_, err = w.Write(v)
	case string:
		_, err = io.WriteString(w, v)
	default:
		err = encodeYAML(w, v)
	}
	return err
}

// Stdout and Stderr are the destinations of the Print helpers.
var (
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

func printLine(w io.Writer, prefix, format string, args []any) {
	fmt.Fprintf(w, prefix+format+"\n", args...)
}

// PrintSuccess prints a message prefixed with a checkmark.
func PrintSuccess(format string, args ...any) { printLine(Stdout, "✓ ", format, args) }

// PrintInfo prints an informational message.
func PrintInfo(format string, args ...any) { printLine(Stdout, "ℹ ", format, args) }

// PrintWarning prints a warning.
func PrintWarning(format string, args ...any) { printLine(Stdout, "⚠ ", format, args) }

// PrintError prints an error to Stderr.
func PrintError(format string, args ...any) { printLine(Stderr, "Error: ", format, args) }
