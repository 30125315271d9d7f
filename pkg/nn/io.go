package nn

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// WeightsFile holds the architecture and every parameter.
	WeightsFile = "model.msgpack"
	// MetaFile is a human-readable description of the saved model.
	MetaFile = "meta.yaml"

	formatVersion = 1
)

type savedParam struct {
	Name  string    `msgpack:"name"`
	Shape []int     `msgpack:"shape"`
	Value []float64 `msgpack:"value"`
}

type savedModel struct {
	Version int          `msgpack:"version"`
	RunID   string       `msgpack:"run_id"`
	Arch    Architecture `msgpack:"arch"`
	Params  []savedParam `msgpack:"params"`
}

// Meta is the content of meta.yaml.
type Meta struct {
	Format          int          `yaml:"format"`
	RunID           string       `yaml:"run_id,omitempty"`
	SavedAt         time.Time    `yaml:"saved_at"`
	Architecture    Architecture `yaml:"architecture"`
	TrainableParams int          `yaml:"trainable_params"`
	FrozenParams    int          `yaml:"non_trainable_params"`
	Layers          []MetaLayer  `yaml:"layers"`
}

// MetaLayer describes one layer in meta.yaml.
type MetaLayer struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	Output []int  `yaml:"output"`
}

// Save writes model.msgpack and meta.yaml into dir, creating it.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("nn: save: %w", err)
	}
	sm := savedModel{Version: formatVersion, RunID: m.RunID, Arch: m.Arch}
	for _, p := range m.Params() {
		sm.Params = append(sm.Params, savedParam{Name: p.Name, Shape: p.Shape, Value: p.Value})
	}
	if err := writeFile(filepath.Join(dir, WeightsFile), func(w *bufio.Writer) error {
		return msgpack.NewEncoder(w).Encode(&sm)
	}); err != nil {
		return fmt.Errorf("nn: save weights: %w", err)
	}

	tr, fr := m.CountParams()
	meta := Meta{
		Format: formatVersion, RunID: m.RunID, SavedAt: time.Now().UTC(),
		Architecture: m.Arch, TrainableParams: tr, FrozenParams: fr,
	}
	for _, l := range m.Layers {
		meta.Layers = append(meta.Layers, MetaLayer{Name: l.Name(), Kind: l.Kind(), Output: l.OutputShape()})
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("nn: save meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, MetaFile), data, 0o644); err != nil {
		return fmt.Errorf("nn: save meta: %w", err)
	}
	return nil
}

// Load restores a model saved by Save.
func Load(dir string) (*Model, error) {
	f, err := os.Open(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, fmt.Errorf("nn: load: %w", err)
	}
	defer f.Close()

	var sm savedModel
	if err := msgpack.NewDecoder(bufio.NewReader(f)).Decode(&sm); err != nil {
		return nil, fmt.Errorf("nn: load %s: %w", dir, err)
	}
	if sm.Version != formatVersion {
		return nil, fmt.Errorf("nn: load %s: unsupported format version %d", dir, sm.Version)
	}
	m, err := BuildClassifier(sm.Arch)
	if err != nil {
		return nil, fmt.Errorf("nn: load %s: %w", dir, err)
	}
	m.RunID = sm.RunID

	byName := make(map[string]savedParam, len(sm.Params))
	for _, p := range sm.Params {
		byName[p.Name] = p
	}
	for _, p := range m.Params() {
		sp, ok := byName[p.Name]
		if !ok {
			return nil, fmt.Errorf("nn: load %s: missing parameter %s", dir, p.Name)
		}
		if len(sp.Value) != len(p.Value) {
			return nil, fmt.Errorf("%w: parameter %s has %d values, want %d", ErrShape, p.Name, len(sp.Value), len(p.Value))
		}
		copy(p.Value, sp.Value)
	}
	return m, nil
}

// LoadMeta reads meta.yaml from dir.
func LoadMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetaFile))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("nn: parse meta: %w", err)
	}
	return &meta, nil
}

func writeFile(path string, fn func(*bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fn(w); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
