package audio

import (
	"encoding/binary"
	"math"
)

// Downmix collapses an interleaved clip to mono by averaging all channels per
// frame. A mono clip is returned as a copy of its samples.
func Downmix(c Clip) []float32 {
	if c.Channels <= 1 {
		out := make([]float32, len(c.Samples))
		copy(out, c.Samples)
		return out
	}
	frames := c.Frames()
	mono := make([]float32, frames)
	inv := 1 / float32(c.Channels)
	for i := range frames {
		var sum float32
		base := i * c.Channels
		for ch := range c.Channels {
			sum += c.Samples[base+ch]
		}
		mono[i] = sum * inv
	}
	return mono
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// normalised to [-1.0, 1.0]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		samples[i] = float32(s) / 32768.0
	}
	return samples
}

// Int16ToFloat32 converts int16 samples to float32 in [-1.0, 1.0].
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts float32 samples to 16-bit signed little-endian PCM.
// Values outside [-1.0, 1.0] are clamped.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := math.Round(float64(s) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Peak returns the maximum absolute sample value.
func Peak(samples []float32) float32 {
	var peak float32
	for _, s := range samples {
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return peak
}
