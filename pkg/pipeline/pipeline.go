// Package pipeline runs the training pipeline end to end:
//
//	metadata → fold split → features (train, test) → train/val split
//	→ training → evaluation → model export → quantization
//
// Every stage consumes the complete output of the previous one. Only the
// model weights are checkpointed; an interrupted run starts over, reusing
// the feature cache when one is configured.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/soundclass/pkg/audio/clip"
	"github.com/haivivi/soundclass/pkg/audio/mfcc"
	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/eval"
	"github.com/haivivi/soundclass/pkg/metrics"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/quant"
	"github.com/haivivi/soundclass/pkg/storage"
	"github.com/haivivi/soundclass/pkg/train"
)

// LabelMapFile is the label encoder written next to the model and the
// mobile model.
const LabelMapFile = "label_encoder.json"

// Deps are the collaborators of a Pipeline. All fields are optional.
type Deps struct {
	// Store receives the mobile model and label map. If nil, the store is
	// opened from Paths.ArtifactStore, or the directory of
	// Paths.MobileModel.
	Store storage.FileStore

	// Cache skips audio decoding for clips seen by an earlier run.
	Cache *dataset.FeatureCache

	// Metrics collects run metrics. If nil, a fresh set is created.
	Metrics *metrics.Metrics

	// Logger is optional. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Result summarizes a completed run.
type Result struct {
	RunID     string
	Classes   []string
	FixedTime int

	TrainSize int
	ValSize   int
	TestSize  int

	// Skipped counts test clips whose class never occurs in training.
	Skipped int
	// Fallbacks counts clips replaced by silence.
	Fallbacks int

	History *train.History
	Report  *eval.Report
	Export  *quant.Result
}

// Pipeline executes one training run.
type Pipeline struct {
	cfg     Config
	deps    Deps
	log     *slog.Logger
	metrics *metrics.Metrics
	runID   string

	loader    *clip.Loader
	extractor *mfcc.Extractor

	stage     Stage
	fallbacks int
}

// New validates cfg and prepares a run.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	runID := uuid.NewString()
	m := deps.Metrics
	if m == nil {
		m = metrics.New(runID)
	}
	p := &Pipeline{
		cfg:       cfg,
		deps:      deps,
		log:       log.With("run_id", runID),
		metrics:   m,
		runID:     runID,
		extractor: mfcc.New(cfg.MFCC()),
	}
	p.loader = clip.New(clip.Options{
		SampleRate: cfg.Audio.SampleRate,
		Duration:   cfg.Audio.Duration,
		Logger:     p.log,
		OnFallback: func(string, error) {
			p.fallbacks++
			p.metrics.RecordFallback()
		},
	})
	return p, nil
}

// RunID returns the identifier stamped on every artifact of this run.
func (p *Pipeline) RunID() string { return p.runID }

// Stage returns the last completed stage.
func (p *Pipeline) Stage() Stage { return p.stage }

// Metrics returns the run metrics.
func (p *Pipeline) Metrics() *metrics.Metrics { return p.metrics }

// Run executes every stage in order.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	cfg := p.cfg
	res := &Result{RunID: p.runID}
	start := time.Now()

	records, err := dataset.LoadMetadata(cfg.Paths.MetadataPath())
	if err != nil {
		return nil, err
	}
	p.advance(StageMetadataLoaded, &start, "records", len(records))

	trainRecs, testRecs := dataset.SplitByFold(records, cfg.Train.TestFold)
	if n := cfg.MaxSamples(); n > 0 {
		trainRecs = dataset.Limit(trainRecs, n)
		testRecs = dataset.Limit(testRecs, n)
	}
	if len(trainRecs) == 0 || len(testRecs) == 0 {
		return nil, fmt.Errorf("%w: test fold %d leaves %d train and %d test clips",
			dataset.ErrEmptyPartition, cfg.Train.TestFold, len(trainRecs), len(testRecs))
	}
	enc := dataset.Fit(dataset.Classes(trainRecs))
	testRecs, res.Skipped = p.knownClasses(testRecs, enc)
	if len(testRecs) == 0 {
		return nil, fmt.Errorf("%w: no test clip belongs to a training class", dataset.ErrEmptyPartition)
	}
	p.advance(StageSplit, &start, "train", len(trainRecs), "test", len(testRecs), "classes", enc.Len())

	trainMats, err := p.extract(ctx, trainRecs, "train")
	if err != nil {
		return nil, err
	}
	yAll, err := enc.EncodeRecords(trainRecs)
	if err != nil {
		return nil, err
	}
	enc.FixedTime = dataset.MedianLength(trainMats)
	xAll, _, err := dataset.Assemble(trainMats, yAll, enc, enc.FixedTime)
	if err != nil {
		return nil, err
	}
	p.advance(StageTrainFeatures, &start, "shape", xAll.Shape(), "fixed_time", enc.FixedTime)

	testMats, err := p.extract(ctx, testRecs, "test")
	if err != nil {
		return nil, err
	}
	yTest, err := enc.EncodeRecords(testRecs)
	if err != nil {
		return nil, err
	}
	xTest, _, err := dataset.Assemble(testMats, yTest, enc, enc.FixedTime)
	if err != nil {
		return nil, err
	}
	p.advance(StageTestFeatures, &start, "shape", xTest.Shape())

	trIdx, valIdx := dataset.StratifiedSplit(yAll, cfg.Train.ValidationSplit, cfg.Train.Seed)
	xTrain, yTrain := xAll.Subset(trIdx), pick(yAll, trIdx)
	xVal, yVal := xAll.Subset(valIdx), pick(yAll, valIdx)
	p.advance(StageTrainValSplit, &start, "train", xTrain.N, "val", xVal.N)

	model, history, err := p.fit(ctx, enc, xTrain, yTrain, xVal, yVal)
	if err != nil {
		return nil, err
	}
	p.advance(StageTrained, &start, "epochs", len(history.Epochs))

	report, err := eval.Evaluate(model, xTest, yTest, enc)
	if err != nil {
		return nil, err
	}
	p.metrics.RecordTest(report.Loss, report.Accuracy)
	p.log.Info(report.Summary())
	p.advance(StageEvaluated, &start, "accuracy", report.Accuracy)

	dir := cfg.Paths.ModelDir
	if err := model.Save(dir); err != nil {
		return nil, err
	}
	if err := history.Save(filepath.Join(dir, train.HistoryFile)); err != nil {
		return nil, err
	}
	if err := report.Save(filepath.Join(dir, eval.ReportFile)); err != nil {
		return nil, err
	}
	if err := enc.Save(filepath.Join(dir, LabelMapFile)); err != nil {
		return nil, err
	}
	p.advance(StageExported, &start, "dir", dir)

	exp, err := p.quantize(ctx, enc, xTrain)
	if err != nil {
		return nil, err
	}
	p.advance(StageQuantized, &start, "mode", exp.Mode, "bytes", exp.Bytes)

	if err := p.writeMetrics(); err != nil {
		return nil, err
	}

	res.Classes = enc.Classes()
	res.FixedTime = enc.FixedTime
	res.TrainSize, res.ValSize, res.TestSize = xTrain.N, xVal.N, xTest.N
	res.Fallbacks = p.fallbacks
	res.History = history
	res.Report = report
	res.Export = exp
	return res, nil
}

// Export re-quantizes the model saved in Paths.ModelDir. Full integer
// export calibrates on the first training-fold clips of the dataset.
func (p *Pipeline) Export(ctx context.Context) (*quant.Result, error) {
	dir := p.cfg.Paths.ModelDir
	meta, err := nn.LoadMeta(dir)
	if err != nil {
		return nil, err
	}
	enc, err := dataset.LoadLabelEncoder(filepath.Join(dir, LabelMapFile))
	if err != nil {
		return nil, err
	}
	if enc.FixedTime == 0 {
		if len(meta.Architecture.InputShape) == 0 {
			return nil, fmt.Errorf("pipeline: %s: saved model has no input shape", dir)
		}
		enc.FixedTime = meta.Architecture.InputShape[0]
	}
	p.log.Info("exporting saved model", "dir", dir, "run_id", meta.RunID, "saved_at", meta.SavedAt)

	var rep *dataset.Tensor
	if p.cfg.Quant.FullInteger {
		records, err := dataset.LoadMetadata(p.cfg.Paths.MetadataPath())
		if err != nil {
			return nil, err
		}
		trainRecs, _ := dataset.SplitByFold(records, p.cfg.Train.TestFold)
		trainRecs = dataset.Limit(trainRecs, p.cfg.Quant.CalibrationSamples)
		if len(trainRecs) == 0 {
			return nil, quant.ErrNoCalibration
		}
		mats, err := p.extract(ctx, trainRecs, "calibration")
		if err != nil {
			return nil, err
		}
		if rep, _, err = dataset.Assemble(mats, make([]int, len(mats)), nil, enc.FixedTime); err != nil {
			return nil, err
		}
	}
	exp, err := p.quantize(ctx, enc, rep)
	if err != nil {
		return nil, err
	}
	return exp, p.writeMetrics()
}

func (p *Pipeline) advance(s Stage, start *time.Time, args ...any) {
	d := time.Since(*start)
	p.stage = s
	p.metrics.RecordStage(s.String(), d)
	p.log.Info("stage complete", append([]any{"stage", s.String(), "elapsed", d.Round(time.Millisecond)}, args...)...)
	*start = time.Now()
}

// knownClasses drops records whose class the encoder has never seen.
func (p *Pipeline) knownClasses(records []dataset.Record, enc *dataset.LabelEncoder) ([]dataset.Record, int) {
	out := make([]dataset.Record, 0, len(records))
	for _, r := range records {
		if _, err := enc.Encode(r.Class); err != nil {
			p.log.Warn("skipping clip of unseen class", "file", r.File, "class", r.Class)
			continue
		}
		out = append(out, r)
	}
	return out, len(records) - len(out)
}

// extract returns the MFCC matrix of every record, reading the cache
// first when one is configured.
func (p *Pipeline) extract(ctx context.Context, records []dataset.Record, partition string) ([]mfcc.Matrix, error) {
	mats := make([]mfcc.Matrix, len(records))
	cache := p.deps.Cache
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if i > 0 && i%500 == 0 {
			p.log.Info("extracting features", "partition", partition, "done", i, "total", len(records))
		}
		p.metrics.RecordClip(partition)
		if cache != nil {
			m, ok, err := cache.Get(ctx, r)
			if err != nil {
				return nil, err
			}
			p.metrics.RecordCache(ok)
			if ok {
				mats[i] = m
				continue
			}
		}
		mats[i] = p.extractor.Extract(p.loader.Load(r.Path(p.cfg.Paths.DatasetRoot)))
		if cache != nil {
			if err := cache.Put(ctx, r, mats[i]); err != nil {
				return nil, err
			}
		}
	}
	return mats, nil
}

func (p *Pipeline) fit(ctx context.Context, enc *dataset.LabelEncoder, xTrain *dataset.Tensor, yTrain []int, xVal *dataset.Tensor, yVal []int) (*nn.Model, *train.History, error) {
	tc := p.cfg.Train
	model, err := nn.BuildClassifier(nn.Architecture{
		InputShape:  nn.Shape{enc.FixedTime, p.cfg.Features.NMFCC, 1},
		Classes:     enc.Len(),
		L2:          tc.L2,
		ConvDropout: tc.ConvDropout,
		Dropout:     tc.Dropout,
		Seed:        tc.Seed,
	})
	if err != nil {
		return nil, nil, err
	}
	model.RunID = p.runID
	trainable, frozen := model.CountParams()
	p.log.Info("model built", "trainable_params", trainable, "non_trainable_params", frozen, "cpu", nn.CPUInfo())
	p.log.Debug("model summary\n" + model.Summary())

	t := train.New(model, train.Options{
		BatchSize:    tc.BatchSize,
		Epochs:       tc.Epochs,
		LearningRate: tc.LearningRate,
		Seed:         tc.Seed,
		Callbacks:    p.callbacks(),
		Logger:       p.log,
		Metrics:      p.metrics,
	})
	history, err := t.Fit(ctx, xTrain, yTrain, xVal, yVal)
	if err != nil {
		return nil, nil, err
	}
	return model, history, nil
}

// callbacks returns the epoch callbacks: best-val_accuracy checkpointing,
// early stopping and learning-rate decay on val_loss.
func (p *Pipeline) callbacks() []train.Callback {
	tc := p.cfg.Train
	return []train.Callback{
		&train.Checkpoint{Dir: p.cfg.Paths.ModelDir, Monitor: train.MonitorValAccuracy},
		&train.EarlyStopping{Monitor: train.MonitorValLoss, Patience: tc.EarlyStopPatience, RestoreBest: true},
		&train.ReduceLROnPlateau{
			Monitor:  train.MonitorValLoss,
			Factor:   tc.LRFactor,
			Patience: tc.LRPatience,
			MinDelta: tc.LRMinDelta,
			MinLR:    tc.MinLR,
		},
	}
}

// quantize converts the model saved in Paths.ModelDir and writes the mobile
// model and the label map to the artifact store. rep supplies calibration
// samples in full integer mode.
func (p *Pipeline) quantize(ctx context.Context, enc *dataset.LabelEncoder, rep *dataset.Tensor) (*quant.Result, error) {
	store, err := p.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	opts := quant.Options{
		ModelDir:    p.cfg.Paths.ModelDir,
		Classes:     enc.Classes(),
		FixedTime:   enc.FixedTime,
		RunID:       p.runID,
		FullInteger: p.cfg.Quant.FullInteger,
		Store:       store,
		Path:        filepath.Base(p.cfg.Paths.MobileModel),
		Logger:      p.log,
	}
	if opts.FullInteger && rep != nil {
		opts.Representative = quant.RepresentativeDataset(rep, p.cfg.Quant.CalibrationSamples)
	}
	res, err := quant.Export(ctx, opts)
	if err != nil {
		return nil, err
	}
	labels, err := json.Marshal(enc)
	if err != nil {
		return nil, err
	}
	if err := storage.WriteFile(ctx, store, LabelMapFile, labels); err != nil {
		return nil, err
	}
	p.metrics.RecordModelSize(string(res.Mode), res.Bytes)
	return res, nil
}

func (p *Pipeline) artifactStore(ctx context.Context) (storage.FileStore, error) {
	if p.deps.Store != nil {
		return p.deps.Store, nil
	}
	uri := p.cfg.Paths.ArtifactStore
	if uri == "" {
		uri = filepath.Dir(p.cfg.Paths.MobileModel)
	}
	return storage.Open(ctx, uri)
}

func (p *Pipeline) writeMetrics() error {
	if p.cfg.Paths.MetricsFile == "" {
		return nil
	}
	return p.metrics.WriteTextfile(p.cfg.Paths.MetricsFile)
}

func pick(y, idx []int) []int {
	out := make([]int, len(idx))
	for j, i := range idx {
		out[j] = y[i]
	}
	return out
}
