package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/haivivi/soundclass/pkg/quant"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.scqm>",
	Short: "Show the header of a mobile model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, size, err := openMobileModel(args[0])
		if err != nil {
			return err
		}
		return output(describe(m, size))
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

type modelInfo struct {
	File       string         `json:"file" yaml:"file"`
	Bytes      int64          `json:"bytes" yaml:"bytes"`
	Mode       quant.Mode     `json:"mode" yaml:"mode"`
	RunID      string         `json:"run_id" yaml:"run_id"`
	InputShape []int          `json:"input_shape" yaml:"input_shape"`
	FixedTime  int            `json:"fixed_time" yaml:"fixed_time"`
	Classes    []string       `json:"classes" yaml:"classes"`
	Input      *quant.QParams `json:"input,omitempty" yaml:"input,omitempty"`
	Output     *quant.QParams `json:"output,omitempty" yaml:"output,omitempty"`
	Ops        []opInfo       `json:"ops" yaml:"ops"`
}

type opInfo struct {
	Name    string       `json:"name" yaml:"name"`
	Kind    quant.OpKind `json:"kind" yaml:"kind"`
	Output  []int        `json:"output" yaml:"output"`
	Weights int          `json:"weights,omitempty" yaml:"weights,omitempty"`
}

func describe(m *quant.MobileModel, size int64) modelInfo {
	info := modelInfo{
		Bytes:      size,
		Mode:       m.Mode,
		RunID:      m.RunID,
		InputShape: append([]int{1}, m.InputShape...),
		FixedTime:  m.FixedTime,
		Classes:    m.Classes,
		Input:      m.Input,
		Output:     m.Output,
	}
	for _, op := range m.Ops {
		info.Ops = append(info.Ops, opInfo{Name: op.Name, Kind: op.Kind, Output: op.OutShape, Weights: len(op.Weights)})
	}
	return info
}

func openMobileModel(path string) (*quant.MobileModel, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	m, err := quant.Load(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", path, err)
	}
	return m, st.Size(), nil
}
