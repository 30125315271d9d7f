// Package train fits an nn.Model with mini-batch Adam. Epoch callbacks
// handle checkpointing, early stopping and learning-rate decay.
package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/metrics"
	"github.com/haivivi/soundclass/pkg/nn"
)

// ErrNoValidation is returned when Fit is called without validation data.
var ErrNoValidation = errors.New("train: no validation data")

// Options configures a Trainer.
type Options struct {
	BatchSize    int     // default 32
	Epochs       int     // default 50
	LearningRate float64 // default 1e-4
	Seed         uint64  // shuffle seed

	Callbacks []Callback

	// Logger receives per-epoch progress. If nil, uses slog.Default().
	Logger *slog.Logger

	// Metrics receives per-epoch gauges. May be nil.
	Metrics *metrics.Metrics
}

// Trainer owns the optimizer state of one training run.
type Trainer struct {
	model *nn.Model
	opt   *nn.Adam
	opts  Options
	log   *slog.Logger

	stop bool
}

// New creates a trainer for model.
func New(model *nn.Model, opts Options) *Trainer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.Epochs <= 0 {
		opts.Epochs = 50
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 1e-4
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Trainer{model: model, opt: nn.NewAdam(opts.LearningRate), opts: opts, log: log}
}

// Model returns the model being trained.
func (t *Trainer) Model() *nn.Model { return t.model }

// LearningRate returns the current learning rate.
func (t *Trainer) LearningRate() float64 { return t.opt.LearningRate }

// SetLearningRate changes the learning rate for subsequent steps.
func (t *Trainer) SetLearningRate(lr float64) { t.opt.LearningRate = lr }

// StopTraining ends Fit after the current epoch's callbacks.
func (t *Trainer) StopTraining() { t.stop = true }

// Logger returns the trainer's logger.
func (t *Trainer) Logger() *slog.Logger { return t.log }

// Fit trains on (x, y) for up to Options.Epochs epochs, evaluating on
// (xVal, yVal) after each one. The training set is reshuffled every
// epoch with a generator seeded from Options.Seed. A cancelled ctx stops
// training between batches and returns the history so far with ctx.Err().
func (t *Trainer) Fit(ctx context.Context, x *dataset.Tensor, y []int, xVal *dataset.Tensor, yVal []int) (*History, error) {
	if xVal == nil || xVal.N == 0 {
		return nil, ErrNoValidation
	}
	if x.N != len(y) || xVal.N != len(yVal) {
		return nil, fmt.Errorf("%w: %d/%d samples, %d/%d labels", nn.ErrShape, x.N, xVal.N, len(y), len(yVal))
	}

	hist := &History{}
	t.stop = false
	for _, cb := range t.opts.Callbacks {
		if err := cb.OnTrainBegin(t); err != nil {
			return nil, err
		}
	}

	rng := rand.New(rand.NewPCG(t.opts.Seed, t.opts.Seed^0x5851f42d4c957f2d))
	order := make([]int, x.N)
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= t.opts.Epochs && !t.stop; epoch++ {
		start := time.Now()
		lr := t.opt.LearningRate
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var lossSum, accSum float64
		for b := 0; b < len(order); b += t.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return hist, err
			}
			idx := order[b:min(b+t.opts.BatchSize, len(order))]
			batch, err := Input(x.Subset(idx))
			if err != nil {
				return hist, err
			}
			loss, acc, err := t.step(batch, pick(y, idx))
			if err != nil {
				return hist, err
			}
			lossSum += loss * float64(len(idx))
			accSum += acc * float64(len(idx))
		}

		valLoss, valAcc, err := Evaluate(t.model, xVal, yVal, t.opts.BatchSize)
		if err != nil {
			return hist, err
		}
		logs := EpochLogs{
			Epoch:        epoch,
			Loss:         lossSum / float64(x.N),
			Accuracy:     accSum / float64(x.N),
			ValLoss:      valLoss,
			ValAccuracy:  valAcc,
			LearningRate: lr,
		}
		hist.Epochs = append(hist.Epochs, logs)
		t.opts.Metrics.RecordEpoch(epoch, logs.Loss, logs.Accuracy, logs.ValLoss, logs.ValAccuracy, lr)
		t.log.Info("epoch",
			"epoch", fmt.Sprintf("%d/%d", epoch, t.opts.Epochs),
			"loss", round4(logs.Loss), "accuracy", round4(logs.Accuracy),
			"val_loss", round4(valLoss), "val_accuracy", round4(valAcc),
			"lr", lr, "took", time.Since(start).Round(time.Millisecond))

		for _, cb := range t.opts.Callbacks {
			if err := cb.OnEpochEnd(t, logs); err != nil {
				return hist, err
			}
		}
	}

	for _, cb := range t.opts.Callbacks {
		if err := cb.OnTrainEnd(t); err != nil {
			return hist, err
		}
	}
	return hist, nil
}

func (t *Trainer) step(x *nn.Tensor, y []int) (loss, acc float64, err error) {
	t.model.ZeroGrad()
	probs, err := t.model.Forward(x, true)
	if err != nil {
		return 0, 0, err
	}
	loss, dy, err := nn.SparseCrossEntropy(probs, y)
	if err != nil {
		return 0, 0, err
	}
	acc = nn.Accuracy(probs, y)
	loss += t.model.L2Penalty()
	t.model.Backward(dy)
	t.model.AddL2Grad()
	t.opt.Step(t.model.Params())
	return loss, acc, nil
}

// Evaluate returns the regularized loss and accuracy of model on (x, y)
// in inference mode.
func Evaluate(model *nn.Model, x *dataset.Tensor, y []int, batchSize int) (loss, acc float64, err error) {
	probs, err := Predict(model, x, batchSize)
	if err != nil {
		return 0, 0, err
	}
	loss, _, err = nn.SparseCrossEntropy(probs, y)
	if err != nil {
		return 0, 0, err
	}
	return loss + model.L2Penalty(), nn.Accuracy(probs, y), nil
}

// Predict returns class probabilities for every sample of x, converting
// one batch at a time to keep float64 copies small.
func Predict(model *nn.Model, x *dataset.Tensor, batchSize int) (*nn.Tensor, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	classes := model.Arch.Classes
	out := nn.NewTensor(x.N, classes)
	idx := make([]int, 0, batchSize)
	for start := 0; start < x.N; start += batchSize {
		idx = idx[:0]
		for i := start; i < min(start+batchSize, x.N); i++ {
			idx = append(idx, i)
		}
		in, err := Input(x.Subset(idx))
		if err != nil {
			return nil, err
		}
		probs, err := model.Predict(in, len(idx))
		if err != nil {
			return nil, err
		}
		copy(out.Data[start*classes:], probs.Data)
	}
	return out, nil
}

// Input converts an assembled dataset tensor into a model input shaped
// (n, time, coeffs, 1).
func Input(x *dataset.Tensor) (*nn.Tensor, error) {
	return nn.FromFloat32(x.Data, x.N, x.T, x.C, 1)
}

func pick(y []int, idx []int) []int {
	out := make([]int, len(idx))
	for i, j := range idx {
		out[i] = y[j]
	}
	return out
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
