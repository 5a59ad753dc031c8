package audio

import "math"

// SilenceDBFS is reported by [DBFS] for an empty or all-zero buffer.
const SilenceDBFS = -120.0

// RMS returns the root-mean-square level of samples normalised to [0, 1].
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS returns the RMS level of samples in decibels relative to full scale.
// A full-scale square wave is 0 dBFS; silence is [SilenceDBFS].
func DBFS(samples []int16) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return SilenceDBFS
	}
	db := 20 * math.Log10(rms)
	if db < SilenceDBFS {
		return SilenceDBFS
	}
	return db
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. Zero is treated as positive. Buffers shorter than two samples
// yield 0.
func ZeroCrossingRate[T int16 | float32 | float64](samples []T) float64 {
	if len(samples) < 2 {
		return 0
	}
	crossings := 0
	prevNeg := samples[0] < 0
	for _, s := range samples[1:] {
		neg := s < 0
		if neg != prevNeg {
			crossings++
		}
		prevNeg = neg
	}
	return float64(crossings) / float64(len(samples)-1)
}

// HighPass is a single-pole IIR high-pass filter:
//
//	y[n] = a * (y[n-1] + x[n] - x[n-1]),  a = RC / (RC + dt)
//
// Filter state carries across calls to [HighPass.Process] so consecutive
// frames are filtered as one continuous signal. Not safe for concurrent use.
type HighPass struct {
	alpha float64
	prevX float64
	prevY float64
}

// NewHighPass returns a filter with the given cutoff. A cutoff <= 0 yields a
// pass-through filter.
func NewHighPass(cutoffHz float64, sampleRate int) *HighPass {
	if cutoffHz <= 0 || sampleRate <= 0 {
		return &HighPass{alpha: 1}
	}
	rc := 1 / (2 * math.Pi * cutoffHz)
	dt := 1 / float64(sampleRate)
	return &HighPass{alpha: rc / (rc + dt)}
}

// Alpha returns the filter coefficient.
func (h *HighPass) Alpha() float64 { return h.alpha }

// Process filters samples and returns the output normalised to [-1, 1].
func (h *HighPass) Process(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		x := float64(s) / 32768.0
		y := h.alpha * (h.prevY + x - h.prevX)
		out[i] = y
		h.prevX = x
		h.prevY = y
	}
	return out
}

// Reset clears the filter history.
func (h *HighPass) Reset() {
	h.prevX = 0
	h.prevY = 0
}
