// Package audio defines the PCM types, capture queue, DSP helpers and device
// interfaces shared by the hark audio front-end.
//
// All audio inside hark is 16-bit signed mono PCM. A [Frame] is the fixed
// 10/20/30 ms block produced by a capture device; a [Clip] is a contiguous
// buffer of arbitrary length (a captured utterance or a synthesized reply
// chunk).
//
// This package lives under pkg/ because device adapters and providers outside
// this module are expected to produce and consume these types.
package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// ValidFrameMillis lists the frame durations accepted by the VAD backends.
var ValidFrameMillis = []int{10, 20, 30}

// Frame is a single fixed-duration block of mono PCM audio.
type Frame struct {
	// Samples holds signed 16-bit PCM samples.
	Samples []int16

	// SampleRate in Hz (e.g., 16000).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame.
func (f Frame) Duration() time.Duration {
	return samplesDuration(len(f.Samples), f.SampleRate)
}

// Clip is a contiguous buffer of mono PCM audio.
type Clip struct {
	Samples    []int16
	SampleRate int
}

// Duration returns total samples divided by the sample rate.
func (c Clip) Duration() time.Duration {
	return samplesDuration(len(c.Samples), c.SampleRate)
}

// Seconds is Duration expressed in fractional seconds.
func (c Clip) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Empty reports whether the clip holds no samples.
func (c Clip) Empty() bool { return len(c.Samples) == 0 }

// PCM returns the clip as little-endian 16-bit PCM bytes.
func (c Clip) PCM() []byte { return SamplesToPCM(c.Samples) }

// SamplesPerFrame returns the number of samples in a frame of frameMs
// milliseconds at sampleRate.
func SamplesPerFrame(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000
}

// ValidateFrameMillis returns an error unless ms is one of [ValidFrameMillis].
func ValidateFrameMillis(ms int) error {
	for _, v := range ValidFrameMillis {
		if ms == v {
			return nil
		}
	}
	return fmt.Errorf("audio: frame duration %dms is invalid; must be 10, 20 or 30", ms)
}

// SamplesToPCM encodes samples as little-endian 16-bit PCM.
func SamplesToPCM(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// PCMToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func PCMToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// Float32ToSamples converts normalised [-1, 1] float samples to int16,
// clamping out-of-range values.
func Float32ToSamples(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767)
	}
	return out
}

// SamplesToFloat32 converts int16 samples to float32 normalised to [-1, 1).
func SamplesToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

func samplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
