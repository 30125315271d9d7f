package fbank

import "math"

// hannWindow generates a periodic Hann window of the given length.
func hannWindow(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
	}
	return w
}

const (
	slaneyMinLogHz  = 1000.0
	slaneyStep      = 200.0 / 3
	slaneyMinLogMel = slaneyMinLogHz / slaneyStep
)

var slaneyLogStep = math.Log(6.4) / 27.0

// hzToMel converts frequency in Hz to the Slaney (Auditory Toolbox) mel
// scale: linear below 1 kHz, logarithmic above.
func hzToMel(hz float64) float64 {
	if hz >= slaneyMinLogHz {
		return slaneyMinLogMel + math.Log(hz/slaneyMinLogHz)/slaneyLogStep
	}
	return hz / slaneyStep
}

// melToHz converts a mel value back to Hz.
func melToHz(mel float64) float64 {
	if mel >= slaneyMinLogMel {
		return slaneyMinLogHz * math.Exp(slaneyLogStep*(mel-slaneyMinLogMel))
	}
	return slaneyStep * mel
}

// melFilterBank creates the mel filterbank matrix.
// Returns [numMels][halfFFT] where halfFFT = fftSize/2 + 1. Filters are
// triangles between adjacent mel points evaluated at the exact FFT bin
// frequencies and scaled to unit area (2 / bandwidth).
func melFilterBank(numMels, fftSize, sampleRate int, lowFreq, highFreq float64) [][]float64 {
	halfFFT := fftSize/2 + 1
	binHz := make([]float64, halfFFT)
	for k := range binHz {
		binHz[k] = float64(k) * float64(sampleRate) / float64(fftSize)
	}

	// numMels + 2 equally spaced mel points, in Hz
	lowMel := hzToMel(lowFreq)
	highMel := hzToMel(highFreq)
	points := make([]float64, numMels+2)
	step := (highMel - lowMel) / float64(numMels+1)
	for i := range points {
		points[i] = melToHz(lowMel + float64(i)*step)
	}

	bank := make([][]float64, numMels)
	for m := 0; m < numMels; m++ {
		left, center, right := points[m], points[m+1], points[m+2]
		norm := 2.0 / (right - left)
		filter := make([]float64, halfFFT)
		for k, f := range binHz {
			lower := (f - left) / (center - left)
			upper := (right - f) / (right - center)
			if w := math.Min(lower, upper); w > 0 {
				filter[k] = w * norm
			}
		}
		bank[m] = filter
	}
	return bank
}
