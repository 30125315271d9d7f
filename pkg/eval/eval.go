// Package eval scores a trained classifier on a held-out partition: loss,
// accuracy, per-class precision/recall/F1 and a confusion matrix.
package eval

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/train"
)

// ReportFile is the name of the saved evaluation report.
const ReportFile = "report.yaml"

// ClassScore holds the scores of one class.
type ClassScore struct {
	Class     string  `yaml:"class"`
	Precision float64 `yaml:"precision"`
	Recall    float64 `yaml:"recall"`
	F1        float64 `yaml:"f1"`
	Support   int     `yaml:"support"`
}

// Report is the result of Evaluate.
type Report struct {
	Loss     float64      `yaml:"loss"`
	Accuracy float64      `yaml:"accuracy"`
	Classes  []ClassScore `yaml:"classes"`
	Macro    ClassScore   `yaml:"macro_avg"`
	Weighted ClassScore   `yaml:"weighted_avg"`
	Support  int          `yaml:"support"`

	// Confusion[i][j] counts samples of class i predicted as class j.
	Confusion [][]int `yaml:"confusion"`
}

// Evaluate runs model over x in inference mode and scores it against y.
// Classes follow encoder order. The model is not modified.
func Evaluate(model *nn.Model, x *dataset.Tensor, y []int, enc *dataset.LabelEncoder) (*Report, error) {
	if x.N != len(y) {
		return nil, fmt.Errorf("%w: %d samples, %d labels", nn.ErrShape, x.N, len(y))
	}
	if x.N == 0 {
		return nil, dataset.ErrEmptyPartition
	}
	probs, err := train.Predict(model, x, 32)
	if err != nil {
		return nil, err
	}
	loss, _, err := nn.SparseCrossEntropy(probs, y)
	if err != nil {
		return nil, err
	}
	pred := make([]int, x.N)
	for i := range pred {
		pred[i] = nn.Argmax(probs.Row(i))
	}
	r, err := Score(y, pred, enc.Classes())
	if err != nil {
		return nil, err
	}
	r.Loss = loss + model.L2Penalty()
	return r, nil
}

// Score builds a report from true and predicted labels. Precision or
// recall with a zero denominator is reported as 0.
func Score(truth, pred []int, classes []string) (*Report, error) {
	if len(truth) != len(pred) {
		return nil, fmt.Errorf("eval: %d labels, %d predictions", len(truth), len(pred))
	}
	k := len(classes)
	conf := make([][]int, k)
	for i := range conf {
		conf[i] = make([]int, k)
	}
	correct := 0
	for i, t := range truth {
		p := pred[i]
		if t < 0 || t >= k || p < 0 || p >= k {
			return nil, fmt.Errorf("eval: label pair (%d, %d) outside %d classes", t, p, k)
		}
		conf[t][p]++
		if t == p {
			correct++
		}
	}

	r := &Report{Confusion: conf, Support: len(truth), Macro: ClassScore{Class: "macro avg"}, Weighted: ClassScore{Class: "weighted avg"}}
	if len(truth) > 0 {
		r.Accuracy = float64(correct) / float64(len(truth))
	}
	for c, name := range classes {
		tp := conf[c][c]
		support, predicted := 0, 0
		for j := 0; j < k; j++ {
			support += conf[c][j]
			predicted += conf[j][c]
		}
		s := ClassScore{Class: name, Support: support}
		if predicted > 0 {
			s.Precision = float64(tp) / float64(predicted)
		}
		if support > 0 {
			s.Recall = float64(tp) / float64(support)
		}
		if s.Precision+s.Recall > 0 {
			s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
		}
		r.Classes = append(r.Classes, s)

		r.Macro.Precision += s.Precision / float64(k)
		r.Macro.Recall += s.Recall / float64(k)
		r.Macro.F1 += s.F1 / float64(k)
		if r.Support > 0 {
			w := float64(support) / float64(r.Support)
			r.Weighted.Precision += s.Precision * w
			r.Weighted.Recall += s.Recall * w
			r.Weighted.F1 += s.F1 * w
		}
	}
	r.Macro.Support, r.Weighted.Support = r.Support, r.Support
	return r, nil
}

// Save writes the report as YAML.
func (r *Report) Save(path string) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
