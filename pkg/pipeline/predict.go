package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/haivivi/soundclass/pkg/audio/clip"
	"github.com/haivivi/soundclass/pkg/audio/mfcc"
	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/quant"
)

// Prediction is the classification of one clip.
type Prediction struct {
	File          string             `yaml:"file" json:"file"`
	Class         string             `yaml:"class" json:"class"`
	Index         int                `yaml:"index" json:"index"`
	Confidence    float32            `yaml:"confidence" json:"confidence"`
	Probabilities map[string]float32 `yaml:"probabilities" json:"probabilities"`
}

// Predictor classifies audio files with a mobile model, preparing each
// clip exactly the way training did.
type Predictor struct {
	model     *quant.MobileModel
	it        *quant.Interpreter
	loader    *clip.Loader
	extractor *mfcc.Extractor
	fixedTime int

	loadErr error
}

// NewPredictor checks that m matches the feature settings of cfg.
func NewPredictor(cfg Config, m *quant.MobileModel, log *slog.Logger) (*Predictor, error) {
	if len(m.InputShape) != 3 || m.InputShape[1] != cfg.Features.NMFCC {
		return nil, fmt.Errorf("%w: model input %v does not take %d coefficients", nn.ErrShape, m.InputShape, cfg.Features.NMFCC)
	}
	it, err := quant.NewInterpreter(m)
	if err != nil {
		return nil, err
	}
	p := &Predictor{
		model:     m,
		it:        it,
		extractor: mfcc.New(cfg.MFCC()),
		fixedTime: m.FixedTime,
	}
	if p.fixedTime == 0 {
		p.fixedTime = m.InputShape[0]
	}
	p.loader = clip.New(clip.Options{
		SampleRate: cfg.Audio.SampleRate,
		Duration:   cfg.Audio.Duration,
		Logger:     log,
		OnFallback: func(_ string, err error) { p.loadErr = err },
	})
	return p, nil
}

// Predict classifies the clip at path. Unlike training, an unreadable file
// is an error.
func (p *Predictor) Predict(path string) (*Prediction, error) {
	p.loadErr = nil
	wave := p.loader.Load(path)
	if p.loadErr != nil {
		return nil, fmt.Errorf("pipeline: predict %s: %w", path, p.loadErr)
	}
	x := dataset.FixLength(p.extractor.Extract(wave), p.fixedTime)
	probs, err := p.it.Invoke(x.Data)
	if err != nil {
		return nil, err
	}
	pred := &Prediction{File: path, Probabilities: make(map[string]float32, len(probs))}
	for i, v := range probs {
		if v > probs[pred.Index] {
			pred.Index = i
		}
		pred.Probabilities[p.className(i)] = v
	}
	pred.Class = p.className(pred.Index)
	pred.Confidence = probs[pred.Index]
	return pred, nil
}

func (p *Predictor) className(i int) string {
	if i < len(p.model.Classes) {
		return p.model.Classes[i]
	}
	return fmt.Sprintf("class_%d", i)
}
