package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/soundclass/pkg/audio/mfcc"
)

// Config is the complete configuration of a training run. It is built once
// by DefaultConfig, optionally overlaid from YAML, adjusted by flags and
// then handed to New. Stages read it and never modify it.
type Config struct {
	Paths    PathsConfig    `yaml:"paths"`
	Audio    AudioConfig    `yaml:"audio"`
	Features FeaturesConfig `yaml:"features"`
	Train    TrainConfig    `yaml:"train"`
	Quant    QuantConfig    `yaml:"quant"`
	Quick    QuickConfig    `yaml:"quick"`
}

// PathsConfig locates inputs and outputs.
type PathsConfig struct {
	// DatasetRoot holds fold1 .. fold10.
	DatasetRoot string `yaml:"dataset_root"`

	// Metadata is the metadata CSV. Empty means
	// <DatasetRoot>/UrbanSound8K.csv.
	Metadata string `yaml:"metadata,omitempty"`

	// ModelDir receives the full-precision model and its side files.
	ModelDir string `yaml:"model_dir"`

	// MobileModel is the path of the quantized model file.
	MobileModel string `yaml:"mobile_model"`

	// CacheDir holds the badger feature cache. Empty disables caching.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// LogFile receives a rotated copy of the log. Optional.
	LogFile string `yaml:"log_file,omitempty"`

	// MetricsFile receives the run metrics in textfile format. Optional.
	MetricsFile string `yaml:"metrics_file,omitempty"`

	// ArtifactStore, when set to s3://bucket/prefix, receives the mobile
	// model and the label map instead of the local filesystem.
	ArtifactStore string `yaml:"artifact_store,omitempty"`
}

// MetadataPath returns the effective metadata CSV path.
func (p PathsConfig) MetadataPath() string {
	if p.Metadata != "" {
		return p.Metadata
	}
	return filepath.Join(p.DatasetRoot, "UrbanSound8K.csv")
}

// AudioConfig controls clip normalization.
type AudioConfig struct {
	SampleRate int     `yaml:"sample_rate"`
	Duration   float64 `yaml:"duration"`
}

// ClipLength is the number of samples of every normalized clip.
func (a AudioConfig) ClipLength() int {
	return int(float64(a.SampleRate) * a.Duration)
}

// FeaturesConfig controls MFCC extraction.
type FeaturesConfig struct {
	NMFCC     int `yaml:"n_mfcc"`
	NFFT      int `yaml:"n_fft"`
	HopLength int `yaml:"hop_length"`
	NMels     int `yaml:"n_mels"`
}

// TrainConfig controls model construction and fitting.
type TrainConfig struct {
	BatchSize         int     `yaml:"batch_size"`
	Epochs            int     `yaml:"epochs"`
	LearningRate      float64 `yaml:"learning_rate"`
	ValidationSplit   float64 `yaml:"validation_split"`
	Seed              uint64  `yaml:"seed"`
	TestFold          int     `yaml:"test_fold"`
	Dropout           float64 `yaml:"dropout"`
	ConvDropout       float64 `yaml:"conv_dropout"`
	L2                float64 `yaml:"l2"`
	EarlyStopPatience int     `yaml:"early_stop_patience"`
	LRPatience        int     `yaml:"lr_patience"`
	LRFactor          float64 `yaml:"lr_factor"`
	LRMinDelta        float64 `yaml:"lr_min_delta"`
	MinLR             float64 `yaml:"min_lr"`
}

// QuantConfig controls mobile model export.
type QuantConfig struct {
	// FullInteger selects full int8 quantization; false keeps float
	// activations with int8 weights.
	FullInteger        bool `yaml:"full_integer"`
	CalibrationSamples int  `yaml:"calibration_samples"`
}

// QuickConfig holds the limits of quick mode.
type QuickConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxSamples int  `yaml:"max_samples"`
	Epochs     int  `yaml:"epochs"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			DatasetRoot: "datasets/UrbanSound8K",
			ModelDir:    "models/audio_classifier",
			MobileModel: "models/audio_classifier.scqm",
		},
		Audio: AudioConfig{SampleRate: 22050, Duration: 4.0},
		Features: FeaturesConfig{
			NMFCC:     40,
			NFFT:      2048,
			HopLength: 512,
			NMels:     128,
		},
		Train: TrainConfig{
			BatchSize:         32,
			Epochs:            50,
			LearningRate:      1e-4,
			ValidationSplit:   0.2,
			Seed:              42,
			TestFold:          10,
			Dropout:           0.5,
			ConvDropout:       0.2,
			L2:                1e-4,
			EarlyStopPatience: 10,
			LRPatience:        5,
			LRFactor:          0.5,
			LRMinDelta:        1e-4,
			MinLR:             1e-7,
		},
		Quant: QuantConfig{FullInteger: true, CalibrationSamples: 100},
		Quick: QuickConfig{MaxSamples: 1000, Epochs: 5},
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Keys absent from the
// file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("pipeline: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("pipeline: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyQuick switches on quick mode: at most Quick.MaxSamples clips per
// partition and exactly Quick.Epochs epochs, whatever Train.Epochs says.
func (c *Config) ApplyQuick() {
	if c.Quick.MaxSamples <= 0 {
		c.Quick.MaxSamples = 1000
	}
	if c.Quick.Epochs <= 0 {
		c.Quick.Epochs = 5
	}
	c.Quick.Enabled = true
	c.Train.Epochs = c.Quick.Epochs
}

// MaxSamples returns the per-partition clip limit, or 0 for none.
func (c *Config) MaxSamples() int {
	if c.Quick.Enabled {
		return c.Quick.MaxSamples
	}
	return 0
}

// MFCC returns the feature extractor configuration.
func (c *Config) MFCC() mfcc.Config {
	m := mfcc.DefaultConfig()
	m.SampleRate = c.Audio.SampleRate
	m.NFFT = c.Features.NFFT
	m.HopLength = c.Features.HopLength
	m.NMels = c.Features.NMels
	m.NMFCC = c.Features.NMFCC
	return m
}

// Validate checks that numeric settings are usable. The test fold is not
// checked against the data.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %g", name, v))
		}
	}
	positive("audio.sample_rate", float64(c.Audio.SampleRate))
	positive("audio.duration", c.Audio.Duration)
	positive("features.n_mfcc", float64(c.Features.NMFCC))
	positive("features.n_fft", float64(c.Features.NFFT))
	positive("features.hop_length", float64(c.Features.HopLength))
	positive("features.n_mels", float64(c.Features.NMels))
	positive("train.batch_size", float64(c.Train.BatchSize))
	positive("train.epochs", float64(c.Train.Epochs))
	positive("train.learning_rate", c.Train.LearningRate)
	positive("train.lr_factor", c.Train.LRFactor)
	if c.Features.NMFCC > c.Features.NMels {
		errs = append(errs, fmt.Errorf("features.n_mfcc (%d) exceeds features.n_mels (%d)", c.Features.NMFCC, c.Features.NMels))
	}
	if s := c.Train.ValidationSplit; s <= 0 || s >= 1 {
		errs = append(errs, fmt.Errorf("train.validation_split must be in (0, 1), got %g", s))
	}
	rate := func(name string, v float64) {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %g", name, v))
		}
	}
	rate("train.dropout", c.Train.Dropout)
	rate("train.conv_dropout", c.Train.ConvDropout)
	if c.Train.LRMinDelta < 0 {
		errs = append(errs, fmt.Errorf("train.lr_min_delta must not be negative, got %g", c.Train.LRMinDelta))
	}
	if c.Quant.FullInteger && c.Quant.CalibrationSamples <= 0 {
		errs = append(errs, fmt.Errorf("quant.calibration_samples must be positive for full integer export"))
	}
	if c.Paths.ModelDir == "" || c.Paths.MobileModel == "" {
		errs = append(errs, errors.New("paths.model_dir and paths.mobile_model are required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline: invalid config: %w", err)
	}
	return nil
}
