// Package audio decodes recorded speech into PCM samples and provides the
// sample-level conversions the evaluation pipeline needs.
//
// The two central types are:
//
//   - [Clip]: decoded, interleaved samples exactly as found in the container.
//   - [Waveform]: mono samples at a known sample rate, ready for ASR.
//
// Container support is split across decoders: RIFF/WAVE is parsed natively,
// Ogg Opus is demuxed natively and decoded with libopus, and anything else
// can be routed through an external ffmpeg binary (see [FFmpegDecoder]).
package audio

import "time"

// Clip is a decoded audio container. Samples are interleaved float32 in the
// range [-1.0, 1.0]; one frame holds Channels consecutive samples.
type Clip struct {
	// Samples holds interleaved sample data.
	Samples []float32

	// SampleRate in Hz as declared by the container.
	SampleRate int

	// Channels is the number of interleaved channels (>= 1).
	Channels int
}

// Frames returns the number of sample frames in the clip.
func (c Clip) Frames() int {
	if c.Channels <= 0 {
		return 0
	}
	return len(c.Samples) / c.Channels
}

// Waveform is a mono sequence of samples at a known sample rate.
type Waveform struct {
	// Samples holds mono float32 samples.
	Samples []float32

	// SampleRate in Hz (16000 after preprocessing).
	SampleRate int
}

// Len returns the number of samples.
func (w Waveform) Len() int { return len(w.Samples) }

// Duration returns the playback length of the waveform. Returns zero when the
// sample rate is unknown.
func (w Waveform) Duration() time.Duration {
	if w.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(w.Samples)) * time.Second / time.Duration(w.SampleRate)
}

// Seconds returns the playback length in seconds as a float.
func (w Waveform) Seconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}
