// Package nn implements the convolutional classifier: a small set of
// layers with forward and backward passes, the fixed classifier topology,
// the Adam optimizer, and model persistence.
//
// Tensors are float64 and laid out NHWC. Convolutions and dense layers
// lower to a single blas64.Gemm per batch (im2col); per-sample work such
// as im2col, col2im and pooling fans out over Workers() goroutines.
package nn

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sync/errgroup"
)

// ErrShape is returned when a tensor does not match the shape a model or
// layer expects.
var ErrShape = errors.New("nn: shape mismatch")

// Workers returns the goroutine limit for per-sample fan-out: the number
// of physical cores, or GOMAXPROCS when cpuid cannot tell.
func Workers() int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	return min(n, runtime.GOMAXPROCS(0))
}

// CPUInfo describes the processor the numeric backend runs on.
func CPUInfo() string {
	return fmt.Sprintf("%s (%d physical cores, avx2=%t, fma3=%t)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores,
		cpuid.CPU.Supports(cpuid.AVX2), cpuid.CPU.Supports(cpuid.FMA3))
}

// parallel calls fn(i) for i in [0, n) on at most Workers() goroutines.
func parallel(n int, fn func(i int)) {
	if n == 1 {
		fn(0)
		return
	}
	var g errgroup.Group
	g.SetLimit(Workers())
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}
