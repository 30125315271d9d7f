package train

import (
	"os"

	"github.com/goccy/go-yaml"
)

// HistoryFile is the name of the saved training history.
const HistoryFile = "history.yaml"

// EpochLogs holds the metrics of one epoch. LearningRate is the rate the
// epoch was trained with.
type EpochLogs struct {
	Epoch        int     `yaml:"epoch"`
	Loss         float64 `yaml:"loss"`
	Accuracy     float64 `yaml:"accuracy"`
	ValLoss      float64 `yaml:"val_loss"`
	ValAccuracy  float64 `yaml:"val_accuracy"`
	LearningRate float64 `yaml:"learning_rate"`
}

// History records every completed epoch.
type History struct {
	Epochs []EpochLogs `yaml:"epochs"`
}

// Last returns the final epoch, or the zero value if none ran.
func (h *History) Last() EpochLogs {
	if len(h.Epochs) == 0 {
		return EpochLogs{}
	}
	return h.Epochs[len(h.Epochs)-1]
}

// Best returns the epoch with the highest validation accuracy.
func (h *History) Best() EpochLogs {
	var best EpochLogs
	for i, e := range h.Epochs {
		if i == 0 || e.ValAccuracy > best.ValAccuracy {
			best = e
		}
	}
	return best
}

// Save writes the history as YAML.
func (h *History) Save(path string) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadHistory reads a history written by Save.
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var h History
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
