package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/haivivi/soundclass/pkg/audio/wavfile"
	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/kv"
	"github.com/haivivi/soundclass/pkg/quant"
	"github.com/haivivi/soundclass/pkg/storage"
	"github.com/haivivi/soundclass/pkg/train"
)

const (
	testRate     = 8000
	testDuration = 0.5
	clipsPerFold = 3 // per class
)

var testClasses = map[string]float64{"dog_bark": 300, "siren": 1200}

// writeDataset creates a 10-fold dataset of pure tones, one frequency per
// class, and returns its root.
func writeDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	var csv strings.Builder
	csv.WriteString("slice_file_name,fsID,start,end,salience,fold,classID,class\n")
	id := 0
	for fold := 1; fold <= 10; fold++ {
		dir := filepath.Join(root, fmt.Sprintf("fold%d", fold))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := range clipsPerFold {
			for classID, class := range []string{"dog_bark", "siren"} {
				id++
				name := fmt.Sprintf("%d-%d-0-%d.wav", id, classID, i)
				// Lengths vary so both padding and truncation occur.
				n := int(testRate * testDuration * (0.6 + 0.2*float64(i)))
				samples := make([]float32, n)
				freq := testClasses[class] * (1 + 0.05*float64(i))
				for k := range samples {
					samples[k] = float32(0.4 * math.Sin(2*math.Pi*freq*float64(k)/testRate))
				}
				require.NoError(t, wavfile.WriteFile(filepath.Join(dir, name),
					&wavfile.Audio{SampleRate: testRate, Channels: 1, Samples: samples}))
				fmt.Fprintf(&csv, "%s,%d,0,%.1f,1,%d,%d,%s\n", name, id, float64(n)/testRate, fold, classID, class)
			}
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "UrbanSound8K.csv"), []byte(csv.String()), 0o644))
	return root
}

func testConfig(t *testing.T, root string) Config {
	t.Helper()
	out := t.TempDir()
	cfg := DefaultConfig()
	cfg.Paths.DatasetRoot = root
	cfg.Paths.ModelDir = filepath.Join(out, "model")
	cfg.Paths.MobileModel = filepath.Join(out, "mobile", "classifier.scqm")
	cfg.Paths.MetricsFile = filepath.Join(out, "soundclass.prom")
	cfg.Audio = AudioConfig{SampleRate: testRate, Duration: testDuration}
	cfg.Features = FeaturesConfig{NMFCC: 40, NFFT: 512, HopLength: 256, NMels: 64}
	cfg.Train.Epochs = 2
	cfg.Train.BatchSize = 8
	cfg.Train.LearningRate = 1e-3
	return cfg
}

func loadMobile(t *testing.T, path string) *quant.MobileModel {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	m, err := quant.Load(f)
	require.NoError(t, err)
	return m
}

func TestStageString(t *testing.T) {
	tests := []struct {
		s    Stage
		want string
	}{
		{StageNone, "none"},
		{StageMetadataLoaded, "metadata_loaded"},
		{StageTrainFeatures, "features_extracted(train)"},
		{StageTestFeatures, "features_extracted(test)"},
		{StageQuantized, "quantized"},
		{Stage(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("Stage(%d) = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 10, cfg.Train.TestFold)
	require.Equal(t, 50, cfg.Train.Epochs)
	require.True(t, cfg.Quant.FullInteger)
	require.Equal(t, filepath.Join("datasets/UrbanSound8K", "UrbanSound8K.csv"), cfg.Paths.MetadataPath())
	require.Equal(t, 88200, cfg.Audio.ClipLength())
	require.Zero(t, cfg.MaxSamples())

	m := cfg.MFCC()
	require.Equal(t, 22050, m.SampleRate)
	require.Equal(t, 40, m.NMFCC)
	require.Equal(t, 128, m.NMels)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"sample rate", func(c *Config) { c.Audio.SampleRate = 0 }, "audio.sample_rate"},
		{"epochs", func(c *Config) { c.Train.Epochs = -1 }, "train.epochs"},
		{"validation split", func(c *Config) { c.Train.ValidationSplit = 1 }, "train.validation_split"},
		{"dropout", func(c *Config) { c.Train.Dropout = 1.5 }, "train.dropout"},
		{"mfcc above mels", func(c *Config) { c.Features.NMFCC = 200 }, "exceeds"},
		{"calibration", func(c *Config) { c.Quant.CalibrationSamples = 0 }, "calibration_samples"},
		{"paths", func(c *Config) { c.Paths.ModelDir = "" }, "paths.model_dir"},
		{"lr min delta", func(c *Config) { c.Train.LRMinDelta = -1 }, "train.lr_min_delta"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}

	// An out-of-range test fold is accepted.
	cfg := DefaultConfig()
	cfg.Train.TestFold = 42
	require.NoError(t, cfg.Validate())
}

func TestCallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Paths.ModelDir = t.TempDir()
	p, err := New(cfg, Deps{})
	require.NoError(t, err)

	cbs := p.callbacks()
	require.Len(t, cbs, 3)

	cp, ok := cbs[0].(*train.Checkpoint)
	require.True(t, ok, "callback 0 is %T", cbs[0])
	require.Equal(t, cfg.Paths.ModelDir, cp.Dir)
	require.Equal(t, train.MonitorValAccuracy, cp.Monitor)

	es, ok := cbs[1].(*train.EarlyStopping)
	require.True(t, ok, "callback 1 is %T", cbs[1])
	require.Equal(t, train.MonitorValLoss, es.Monitor)
	require.Equal(t, 10, es.Patience)
	require.True(t, es.RestoreBest)

	lr, ok := cbs[2].(*train.ReduceLROnPlateau)
	require.True(t, ok, "callback 2 is %T", cbs[2])
	require.Equal(t, train.MonitorValLoss, lr.Monitor)
	require.Equal(t, 0.5, lr.Factor)
	require.Equal(t, 5, lr.Patience)
	require.Equal(t, 1e-4, lr.MinDelta)
	require.Equal(t, 1e-7, lr.MinLR)
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soundclass.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
paths:
  dataset_root: /data/us8k
  artifact_store: s3://models/soundclass
train:
  epochs: 3
  test_fold: 4
  lr_min_delta: 0.001
quant:
  full_integer: false
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "/data/us8k", cfg.Paths.DatasetRoot)
	require.Equal(t, "s3://models/soundclass", cfg.Paths.ArtifactStore)
	require.Equal(t, "models/audio_classifier", cfg.Paths.ModelDir)
	require.Equal(t, 3, cfg.Train.Epochs)
	require.Equal(t, 4, cfg.Train.TestFold)
	require.Equal(t, 32, cfg.Train.BatchSize)
	require.Equal(t, 0.001, cfg.Train.LRMinDelta)
	require.False(t, cfg.Quant.FullInteger)
	require.Equal(t, 100, cfg.Quant.CalibrationSamples)
	require.Equal(t, 22050, cfg.Audio.SampleRate)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyQuick(t *testing.T) {
	for _, epochs := range []int{50, 3, 200} {
		cfg := DefaultConfig()
		cfg.Train.Epochs = epochs
		cfg.ApplyQuick()
		require.Equal(t, 5, cfg.Train.Epochs, "configured %d epochs", epochs)
		require.Equal(t, 1000, cfg.MaxSamples())
	}
}

func TestRunDynamicRange(t *testing.T) {
	root := writeDataset(t)
	cfg := testConfig(t, root)
	cfg.Quant.FullInteger = false

	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, StageQuantized, p.Stage())

	total := 10 * clipsPerFold * len(testClasses)
	foldRows := clipsPerFold * len(testClasses)
	require.Equal(t, total-foldRows, res.TrainSize+res.ValSize)
	require.Equal(t, foldRows, res.TestSize)
	require.Equal(t, []string{"dog_bark", "siren"}, res.Classes)
	require.Equal(t, 16, res.FixedTime)
	require.Zero(t, res.Fallbacks)
	require.Zero(t, res.Skipped)
	require.Len(t, res.History.Epochs, 2)
	require.Equal(t, res.TestSize, res.Report.Support)

	for _, name := range []string{"model.msgpack", "meta.yaml", train.HistoryFile, "report.yaml", LabelMapFile} {
		require.FileExists(t, filepath.Join(cfg.Paths.ModelDir, name))
	}
	require.DirExists(t, filepath.Join(cfg.Paths.ModelDir, train.BestModelDir))
	require.FileExists(t, cfg.Paths.MetricsFile)

	enc, err := dataset.LoadLabelEncoder(filepath.Join(cfg.Paths.ModelDir, LabelMapFile))
	require.NoError(t, err)
	require.Equal(t, res.FixedTime, enc.FixedTime)
	for i, c := range res.Classes {
		got, err := enc.Decode(i)
		require.NoError(t, err)
		require.Equal(t, c, got)
	}

	m := loadMobile(t, cfg.Paths.MobileModel)
	require.Equal(t, quant.DynamicRange, m.Mode)
	require.Equal(t, []int{res.FixedTime, 40, 1}, m.InputShape)
	require.Equal(t, res.RunID, m.RunID)
	it, err := quant.NewInterpreter(m)
	require.NoError(t, err)
	probs, err := it.Invoke(make([]float32, res.FixedTime*40))
	require.NoError(t, err)
	require.Len(t, probs, len(res.Classes))
	var sum float64
	for _, v := range probs {
		sum += float64(v)
	}
	require.InDelta(t, 1, sum, 1e-4)

	// The mobile model is converted from the saved model directory.
	saved, err := quant.Export(context.Background(), quant.Options{
		ModelDir:  cfg.Paths.ModelDir,
		Classes:   res.Classes,
		FixedTime: res.FixedTime,
		RunID:     res.RunID,
	})
	require.NoError(t, err)
	want, err := quant.NewInterpreter(saved.Model)
	require.NoError(t, err)
	input := make([]float32, res.FixedTime*40)
	for i := range input {
		input[i] = float32(math.Sin(float64(i))) * 10
	}
	wantProbs, err := want.Invoke(input)
	require.NoError(t, err)
	gotProbs, err := it.Invoke(input)
	require.NoError(t, err)
	require.Equal(t, wantProbs, gotProbs)
	require.Equal(t, saved.Bytes, res.Export.Bytes)

	require.FileExists(t, filepath.Join(filepath.Dir(cfg.Paths.MobileModel), LabelMapFile))

	pr, err := NewPredictor(cfg, m, nil)
	require.NoError(t, err)
	clips, err := filepath.Glob(filepath.Join(root, "fold10", "*.wav"))
	require.NoError(t, err)
	require.Len(t, clips, 2*clipsPerFold)
	require.FileExists(t, filepath.Join(root, "fold10", "55-0-0-0.wav"))
	pred, err := pr.Predict(filepath.Join(root, "fold10", "55-0-0-0.wav"))
	require.NoError(t, err)
	require.Contains(t, res.Classes, pred.Class)
	require.Len(t, pred.Probabilities, 2)
	require.Equal(t, pred.Probabilities[pred.Class], pred.Confidence)

	_, err = pr.Predict(filepath.Join(root, "missing.wav"))
	require.Error(t, err)
}

func TestRunFullIntegerWithCache(t *testing.T) {
	root := writeDataset(t)
	cfg := testConfig(t, root)
	cfg.Quant.CalibrationSamples = 20
	cache := dataset.NewFeatureCache(kv.NewMemory(nil), cfg.Audio.SampleRate, cfg.Audio.Duration, cfg.MFCC())
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	p, err := New(cfg, Deps{Cache: cache, Store: store})
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, quant.FullInt8, res.Export.Mode)
	require.Equal(t, 20, res.Export.CalibrationSamples)

	n, err := cache.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10*clipsPerFold*len(testClasses), n)

	data, err := storage.ReadFile(context.Background(), store, filepath.Base(cfg.Paths.MobileModel))
	require.NoError(t, err)
	m, err := quant.Load(strings.NewReader(string(data)))
	require.NoError(t, err)
	require.NotNil(t, m.Input)
	require.Equal(t, quant.QParams{Scale: 1.0 / 256, ZeroPoint: -128}, *m.Output)
	it, err := quant.NewInterpreter(m)
	require.NoError(t, err)
	q, err := it.InvokeInt8(make([]int8, m.InputSize()))
	require.NoError(t, err)
	require.Len(t, q, 2)
	var sum float64
	for _, v := range it.DequantizeOutput(q) {
		sum += float64(v)
	}
	require.InDelta(t, 1, sum, 0.1)

	// With the audio gone, re-export calibrates from cached features.
	for fold := 1; fold <= 10; fold++ {
		require.NoError(t, os.RemoveAll(filepath.Join(root, fmt.Sprintf("fold%d", fold))))
	}
	p2, err := New(cfg, Deps{Cache: cache, Store: store})
	require.NoError(t, err)
	exp, err := p2.Export(context.Background())
	require.NoError(t, err)
	require.Equal(t, quant.FullInt8, exp.Mode)
	require.Zero(t, testutil.ToFloat64(p2.Metrics().AudioFallbacks))
	require.Equal(t, float64(20), testutil.ToFloat64(p2.Metrics().CacheLookups.WithLabelValues("hit")))
}

func TestRunQuick(t *testing.T) {
	root := writeDataset(t)
	cfg := testConfig(t, root)
	cfg.Train.Epochs = 50
	cfg.Quant.FullInteger = false
	cfg.Quick.MaxSamples = 20
	cfg.ApplyQuick()

	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	res, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 20, res.TrainSize+res.ValSize)
	require.Len(t, res.History.Epochs, 5)
}

func TestRunEmptyTestFold(t *testing.T) {
	root := writeDataset(t)
	cfg := testConfig(t, root)
	cfg.Train.TestFold = 11

	p, err := New(cfg, Deps{})
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, dataset.ErrEmptyPartition)
	require.Equal(t, StageMetadataLoaded, p.Stage())
}

func TestRunCancelled(t *testing.T) {
	root := writeDataset(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := New(testConfig(t, root), Deps{})
	require.NoError(t, err)
	_, err = p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, StageSplit, p.Stage())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Train.BatchSize = 0
	_, err := New(cfg, Deps{})
	require.Error(t, err)
}
