package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
)

// LabelEncoder maps class names to dense integer labels in sorted order.
// It is fitted once on the training partition and reused for every other
// partition and for on-device decoding.
type LabelEncoder struct {
	classes []string
	index   map[string]int

	// FixedTime is the feature time length every sample is padded or
	// truncated to. It travels with the encoder so inference reproduces
	// training's input shape.
	FixedTime int
}

// NewLabelEncoder returns an encoder for the given classes, which must
// already be unique.
func NewLabelEncoder(classes []string) *LabelEncoder {
	e := &LabelEncoder{classes: slices.Clone(classes), index: make(map[string]int, len(classes))}
	for i, c := range e.classes {
		e.index[c] = i
	}
	return e
}

// Fit builds an encoder from the sorted unique values of labels.
func Fit(labels []string) *LabelEncoder {
	seen := make(map[string]struct{}, 16)
	var uniq []string
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		uniq = append(uniq, l)
	}
	sort.Strings(uniq)
	return NewLabelEncoder(uniq)
}

// Encode returns the integer label of class.
func (e *LabelEncoder) Encode(class string) (int, error) {
	i, ok := e.index[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownLabel, class)
	}
	return i, nil
}

// Decode returns the class name of label i.
func (e *LabelEncoder) Decode(i int) (string, error) {
	if i < 0 || i >= len(e.classes) {
		return "", fmt.Errorf("%w: index %d of %d", ErrUnknownLabel, i, len(e.classes))
	}
	return e.classes[i], nil
}

// EncodeRecords sets Label on every record and returns the labels.
func (e *LabelEncoder) EncodeRecords(records []Record) ([]int, error) {
	labels := make([]int, len(records))
	for i := range records {
		l, err := e.Encode(records[i].Class)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", records[i].File, err)
		}
		records[i].Label = l
		labels[i] = l
	}
	return labels, nil
}

// Classes returns a copy of the class names in label order.
func (e *LabelEncoder) Classes() []string { return slices.Clone(e.classes) }

// Len returns the number of classes.
func (e *LabelEncoder) Len() int { return len(e.classes) }

type labelEncoderJSON struct {
	Classes   []string `json:"classes"`
	FixedTime int      `json:"fixed_time,omitempty"`
}

func (e *LabelEncoder) MarshalJSON() ([]byte, error) {
	return json.Marshal(labelEncoderJSON{Classes: e.classes, FixedTime: e.FixedTime})
}

func (e *LabelEncoder) UnmarshalJSON(data []byte) error {
	var v labelEncoderJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = *NewLabelEncoder(v.Classes)
	e.FixedTime = v.FixedTime
	return nil
}

// Save writes the encoder as indented JSON.
func (e *LabelEncoder) Save(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// LoadLabelEncoder reads an encoder written by Save.
func LoadLabelEncoder(path string) (*LabelEncoder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dataset: load label encoder: %w", err)
	}
	var e LabelEncoder
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("dataset: parse label encoder: %w", err)
	}
	return &e, nil
}
