package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/haivivi/soundclass/pkg/audio/mfcc"
	"github.com/haivivi/soundclass/pkg/audio/wavfile"
	"github.com/haivivi/soundclass/pkg/cli"
	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/pipeline"
	"github.com/haivivi/soundclass/pkg/quant"
	"github.com/haivivi/soundclass/pkg/storage"
)

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	oldStdout, oldStderr := os.Stdout, os.Stderr
	oldCliOut, oldCliErr := cli.Stdout, cli.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()
	os.Stdout, os.Stderr = wOut, wErr
	cli.Stdout, cli.Stderr = wOut, wErr

	rootCmd.SetArgs(args)
	err := Execute()

	wOut.Close()
	wErr.Close()
	os.Stdout, os.Stderr = oldStdout, oldStderr
	cli.Stdout, cli.Stderr = oldCliOut, oldCliErr

	var outBuf, errBuf bytes.Buffer
	outBuf.ReadFrom(rOut)
	errBuf.ReadFrom(rErr)

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		exitCode = 1
		stderr += err.Error()
	}

	resetFlags(rootCmd)
	return
}

func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Changed = false
		f.Value.Set(f.DefValue)
	})
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writeTestYAML(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// writeMobileModel exports an untrained model taking the default
// (173, 40, 1) input.
func writeMobileModel(t *testing.T) string {
	t.Helper()
	model, err := nn.BuildClassifier(nn.Architecture{
		InputShape: nn.Shape{173, 40, 1},
		Classes:    3,
		Filters:    []int{2, 2, 2},
		Hidden:     4,
		Seed:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	store, err := storage.NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	_, err = quant.Export(context.Background(), quant.Options{
		Model:     model,
		Classes:   []string{"air_conditioner", "dog_bark", "siren"},
		FixedTime: 173,
		Store:     store,
		Path:      "test.scqm",
	})
	if err != nil {
		t.Fatal(err)
	}
	return filepath.Join(dir, "test.scqm")
}

func TestVersion(t *testing.T) {
	stdout, _, code := runCmd(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, "soundclass") {
		t.Fatalf("expected 'soundclass', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	stdout, _, code := runCmd(t, "version", "--format", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

func TestConfigDefaults(t *testing.T) {
	stdout, stderr, code := runCmd(t, "config")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"test_fold: 10", "sample_rate: 22050", "full_integer: true"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("missing %q in:\n%s", want, stdout)
		}
	}
}

func TestConfigFile(t *testing.T) {
	path := writeTestYAML(t, "soundclass.yaml", "train:\n  epochs: 7\n")
	stdout, stderr, code := runCmd(t, "config", "--config", path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "epochs: 7") {
		t.Errorf("config file not applied:\n%s", stdout)
	}

	_, stderr, code = runCmd(t, "config", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if code == 0 {
		t.Fatal("expected failure for missing config file")
	}
	if !strings.Contains(stderr, "config not available") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestInspect(t *testing.T) {
	path := writeMobileModel(t)
	stdout, stderr, code := runCmd(t, "inspect", path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, want := range []string{"mode: dynamic_range", "fixed_time: 173", "dog_bark", "kind: softmax"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("missing %q in:\n%s", want, stdout)
		}
	}

	_, _, code = runCmd(t, "inspect", filepath.Join(t.TempDir(), "none.scqm"))
	if code == 0 {
		t.Error("expected failure for missing file")
	}
}

func TestPredict(t *testing.T) {
	model := writeMobileModel(t)
	wav := filepath.Join(t.TempDir(), "clip.wav")
	samples := make([]float32, 22050)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/22050))
	}
	if err := wavfile.WriteFile(wav, &wavfile.Audio{SampleRate: 22050, Channels: 1, Samples: samples}); err != nil {
		t.Fatal(err)
	}

	stdout, stderr, code := runCmd(t, "predict", "--model", model, "--format", "json", wav)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	var preds []pipeline.Prediction
	if err := json.Unmarshal([]byte(stdout), &preds); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if len(preds) != 1 || len(preds[0].Probabilities) != 3 {
		t.Fatalf("predictions = %+v", preds)
	}

	_, _, code = runCmd(t, "predict", wav)
	if code == 0 {
		t.Error("expected failure without --model")
	}
}

func TestTrainMissingMetadata(t *testing.T) {
	out := t.TempDir()
	_, stderr, code := runCmd(t, "train", "--dataset", t.TempDir(), "--out", out, "--quick")
	if code == 0 {
		t.Fatal("expected failure for missing metadata")
	}
	if !strings.Contains(stderr, "metadata") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestPurgeCache(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	cfg.Paths.CacheDir = t.TempDir()
	deps, closeDeps, err := openDeps(cfg)
	if err != nil {
		t.Fatalf("openDeps: %v", err)
	}
	defer closeDeps()

	ctx := context.Background()
	for i, file := range []string{"1-0-0-0.wav", "2-1-0-0.wav"} {
		r := dataset.Record{File: file, Fold: i + 1}
		if err := deps.Cache.Put(ctx, r, mfcc.NewMatrix(2, 3)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	n, err := purgeCache(ctx, deps.Cache)
	if err != nil {
		t.Fatalf("purgeCache: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d entries, want 2", n)
	}
	if left, err := deps.Cache.Len(ctx); err != nil || left != 0 {
		t.Errorf("Len after purge = %d, %v", left, err)
	}
}

func TestTrainPurgeCacheFlag(t *testing.T) {
	cfgPath := writeTestYAML(t, "soundclass.yaml", "paths:\n  cache_dir: "+t.TempDir()+"\n")
	stdout, _, code := runCmd(t, "--config", cfgPath, "train", "--dataset", t.TempDir(), "--out", t.TempDir(), "--purge-cache")
	if code == 0 {
		t.Fatal("expected failure for missing metadata")
	}
	if !strings.Contains(stdout, "Purged feature cache (0 entries") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestSetOutputDir(t *testing.T) {
	cfg := pipeline.DefaultConfig()
	setOutputDir(&cfg, "/tmp/run")
	if cfg.Paths.ModelDir != filepath.Join("/tmp/run", "audio_classifier") {
		t.Errorf("ModelDir = %q", cfg.Paths.ModelDir)
	}
	if cfg.Paths.MobileModel != filepath.Join("/tmp/run", "audio_classifier.scqm") {
		t.Errorf("MobileModel = %q", cfg.Paths.MobileModel)
	}
}
