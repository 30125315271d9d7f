package nn

import (
	"fmt"
	"math"
)

// probEpsilon clips probabilities away from 0 and 1 before the log.
const probEpsilon = 1e-7

// SparseCrossEntropy returns the mean negative log-likelihood of labels
// under probs, shaped (n, classes), and its gradient w.r.t. probs.
func SparseCrossEntropy(probs *Tensor, labels []int) (float64, *Tensor, error) {
	n := probs.Batch()
	if len(labels) != n {
		return 0, nil, fmt.Errorf("%w: %d labels for batch of %d", ErrShape, len(labels), n)
	}
	k := probs.SampleShape().Size()
	grad := NewTensor(n, k)
	loss := 0.0
	for i, y := range labels {
		if y < 0 || y >= k {
			return 0, nil, fmt.Errorf("nn: label %d outside [0, %d)", y, k)
		}
		p := probs.Data[i*k+y]
		clipped := math.Min(math.Max(p, probEpsilon), 1-probEpsilon)
		loss -= math.Log(clipped)
		if p == clipped {
			grad.Data[i*k+y] = -1 / (p * float64(n))
		}
	}
	return loss / float64(n), grad, nil
}

// Accuracy returns the fraction of rows whose argmax equals the label.
func Accuracy(probs *Tensor, labels []int) float64 {
	if len(labels) == 0 {
		return 0
	}
	correct := 0
	for i, y := range labels {
		if Argmax(probs.Row(i)) == y {
			correct++
		}
	}
	return float64(correct) / float64(len(labels))
}
