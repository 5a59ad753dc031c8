package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes raw PCM handed back by a provider: a WAV payload or a
// websocket stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 0, 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// ClipConverter turns provider PCM into mono clips at TargetRate (zero
// keeps the source rate). Each kind of problem is logged once per
// converter, so create one per provider. Safe for concurrent use.
type ClipConverter struct {
	TargetRate int
	Logger     *slog.Logger

	mismatch sync.Once
	corrupt  sync.Once
}

// Convert decodes little-endian int16 pcm in format src. Input with a torn
// final sample frame is dropped whole.
func (c *ClipConverter) Convert(pcm []byte, src Format) Clip {
	log := c.Logger
	if log == nil {
		log = slog.Default()
	}
	target := c.TargetRate
	if target <= 0 {
		target = src.SampleRate
	}
	channels := max(src.Channels, 1)

	if len(pcm)%(2*channels) != 0 {
		c.corrupt.Do(func() {
			log.Warn("audio: dropping clip with a partial sample frame", "bytes", len(pcm), "format", src)
		})
		return Clip{SampleRate: target}
	}
	if src.SampleRate != target || channels > 1 {
		c.mismatch.Do(func() {
			log.Debug("audio: converting provider output", "from", src, "to", Format{SampleRate: target, Channels: 1})
		})
	}

	samples := Downmix(PCMToSamples(pcm), channels)
	return Clip{Samples: ResampleLinear(samples, src.SampleRate, target), SampleRate: target}
}

// Resample returns c at sampleRate, or c itself when nothing changes.
func Resample(c Clip, sampleRate int) Clip {
	if c.SampleRate == sampleRate || sampleRate <= 0 {
		return c
	}
	return Clip{Samples: ResampleLinear(c.Samples, c.SampleRate, sampleRate), SampleRate: sampleRate}
}

// Silence returns ms milliseconds of digital silence at sampleRate.
func Silence(sampleRate int, ms int) Clip {
	return Clip{Samples: make([]int16, SamplesPerFrame(sampleRate, ms)), SampleRate: sampleRate}
}

// Downmix averages interleaved samples of the given channel count into mono.
// Mono input is returned as is; a trailing partial frame is dropped.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	out := make([]int16, len(samples)/channels)
	for i := range out {
		var sum int32
		for _, s := range samples[i*channels : (i+1)*channels] {
			sum += int32(s)
		}
		// The mean of int16 values always fits in int16.
		out[i] = int16(sum / int32(channels))
	}
	return out
}

// ResampleLinear converts mono samples from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return the input unchanged.
func ResampleLinear(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]int16, n)
	step := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}
