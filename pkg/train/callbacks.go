package train

import (
	"math"
	"path/filepath"
)

// Callback hooks into the training loop.
type Callback interface {
	OnTrainBegin(t *Trainer) error
	OnEpochEnd(t *Trainer, logs EpochLogs) error
	OnTrainEnd(t *Trainer) error
}

// Monitor names a quantity of EpochLogs.
type Monitor string

const (
	MonitorLoss        Monitor = "loss"
	MonitorAccuracy    Monitor = "accuracy"
	MonitorValLoss     Monitor = "val_loss"
	MonitorValAccuracy Monitor = "val_accuracy"
)

func (m Monitor) value(l EpochLogs) float64 {
	switch m {
	case MonitorLoss:
		return l.Loss
	case MonitorAccuracy:
		return l.Accuracy
	case MonitorValAccuracy:
		return l.ValAccuracy
	default:
		return l.ValLoss
	}
}

// higherIsBetter reports whether the monitor is maximized.
func (m Monitor) higherIsBetter() bool {
	return m == MonitorAccuracy || m == MonitorValAccuracy
}

// BestModelDir is the checkpoint subdirectory inside the model dir.
const BestModelDir = "best_model"

// Checkpoint saves the model whenever the monitored quantity improves.
type Checkpoint struct {
	Dir     string  // the model is saved to Dir/best_model
	Monitor Monitor // default val_accuracy

	best float64
}

func (c *Checkpoint) monitor() Monitor {
	if c.Monitor == "" {
		return MonitorValAccuracy
	}
	return c.Monitor
}

// Path returns the checkpoint directory.
func (c *Checkpoint) Path() string { return filepath.Join(c.Dir, BestModelDir) }

func (c *Checkpoint) OnTrainBegin(*Trainer) error {
	c.best = math.Inf(-1)
	if !c.monitor().higherIsBetter() {
		c.best = math.Inf(1)
	}
	return nil
}

func (c *Checkpoint) OnEpochEnd(t *Trainer, logs EpochLogs) error {
	m := c.monitor()
	v := m.value(logs)
	improved := v > c.best
	if !m.higherIsBetter() {
		improved = v < c.best
	}
	if !improved {
		return nil
	}
	t.Logger().Info("checkpoint improved", "monitor", m, "from", c.best, "to", v, "path", c.Path())
	c.best = v
	return t.Model().Save(c.Path())
}

func (c *Checkpoint) OnTrainEnd(*Trainer) error { return nil }

// EarlyStopping stops training once the monitored quantity has not
// improved for Patience epochs. With RestoreBest set, the weights of the
// best epoch are restored when training ends, whether it stopped early or
// ran all epochs.
type EarlyStopping struct {
	Monitor     Monitor // default val_loss
	Patience    int
	MinDelta    float64
	RestoreBest bool

	best        float64
	bestWeights [][]float64
	wait        int

	// StoppedEpoch is the epoch at which training was stopped, or 0.
	StoppedEpoch int
	// BestEpoch is the epoch with the best monitored value.
	BestEpoch int
}

func (e *EarlyStopping) monitor() Monitor {
	if e.Monitor == "" {
		return MonitorValLoss
	}
	return e.Monitor
}

func (e *EarlyStopping) OnTrainBegin(*Trainer) error {
	e.wait, e.StoppedEpoch, e.BestEpoch, e.bestWeights = 0, 0, 0, nil
	e.best = math.Inf(1)
	if e.monitor().higherIsBetter() {
		e.best = math.Inf(-1)
	}
	return nil
}

func (e *EarlyStopping) OnEpochEnd(t *Trainer, logs EpochLogs) error {
	m := e.monitor()
	v := m.value(logs)
	e.wait++
	if improves(m, v, e.best, e.MinDelta) {
		e.best, e.BestEpoch, e.wait = v, logs.Epoch, 0
		if e.RestoreBest {
			e.bestWeights = t.Model().Weights()
		}
		return nil
	}
	if e.wait < e.Patience || logs.Epoch <= 1 {
		return nil
	}
	e.StoppedEpoch = logs.Epoch
	t.StopTraining()
	t.Logger().Info("early stopping", "epoch", logs.Epoch, "best_epoch", e.BestEpoch, "monitor", m, "best", e.best)
	return nil
}

func (e *EarlyStopping) OnTrainEnd(t *Trainer) error {
	if !e.RestoreBest || e.bestWeights == nil {
		return nil
	}
	t.Logger().Info("restoring model weights from the end of the best epoch", "epoch", e.BestEpoch)
	return t.Model().SetWeights(e.bestWeights)
}

// ReduceLROnPlateau multiplies the learning rate by Factor once the
// monitored quantity has not improved by MinDelta for Patience epochs,
// never going below MinLR.
type ReduceLROnPlateau struct {
	Monitor  Monitor // default val_loss
	Factor   float64
	Patience int
	MinLR    float64
	MinDelta float64

	best float64
	wait int
}

func (r *ReduceLROnPlateau) monitor() Monitor {
	if r.Monitor == "" {
		return MonitorValLoss
	}
	return r.Monitor
}

func (r *ReduceLROnPlateau) OnTrainBegin(*Trainer) error {
	r.wait = 0
	r.best = math.Inf(1)
	if r.monitor().higherIsBetter() {
		r.best = math.Inf(-1)
	}
	return nil
}

func (r *ReduceLROnPlateau) OnEpochEnd(t *Trainer, logs EpochLogs) error {
	m := r.monitor()
	v := m.value(logs)
	if improves(m, v, r.best, r.MinDelta) {
		r.best, r.wait = v, 0
		return nil
	}
	r.wait++
	if r.wait < r.Patience {
		return nil
	}
	r.wait = 0
	old := t.LearningRate()
	if old <= r.MinLR {
		return nil
	}
	lr := math.Max(old*r.Factor, r.MinLR)
	t.SetLearningRate(lr)
	t.Logger().Info("reducing learning rate", "epoch", logs.Epoch, "from", old, "to", lr)
	return nil
}

func (r *ReduceLROnPlateau) OnTrainEnd(*Trainer) error { return nil }

func improves(m Monitor, v, best, delta float64) bool {
	if m.higherIsBetter() {
		return v > best+delta
	}
	return v < best-delta
}
