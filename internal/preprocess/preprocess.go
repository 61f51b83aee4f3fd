// Package preprocess turns an uploaded recording into the normalized mono
// waveform every recognizer expects.
//
// [Preprocessor.Prepare] decodes the container, downmixes to mono, resamples
// to the target rate, peak-normalizes, trims leading and trailing silence
// (keeping a padding margin) and rejects clips that are still too short.
// It keeps no state between calls.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/pronounce/pkg/audio"
)

// Sentinel errors. Use errors.Is to test for them; the concrete types below
// carry extra detail.
var (
	// ErrNoAudio means the payload was absent or below Config.MinInputBytes.
	ErrNoAudio = errors.New("preprocess: no audio")

	// ErrDecode means the payload could not be decoded into samples.
	ErrDecode = errors.New("preprocess: cannot decode audio")

	// ErrTooShort means the trimmed waveform has fewer than
	// Config.MinSamples samples.
	ErrTooShort = errors.New("preprocess: audio too short")
)

// DecodeError wraps the decoder failure behind [ErrDecode].
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("%v: %v", ErrDecode, e.Err) }

// Is reports a match against [ErrDecode].
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// TooShortError reports how many samples survived trimming.
type TooShortError struct {
	Samples int
	Min     int
}

func (e *TooShortError) Error() string {
	return fmt.Sprintf("%v: %d samples, need %d", ErrTooShort, e.Samples, e.Min)
}

// Is reports a match against [ErrTooShort].
func (e *TooShortError) Is(target error) bool { return target == ErrTooShort }

// Config holds the preprocessing parameters. Zero fields take the defaults
// from [DefaultConfig].
type Config struct {
	// MinInputBytes is the smallest payload treated as a recording.
	MinInputBytes int

	// TargetSampleRate is the output rate in Hz.
	TargetSampleRate int

	// SilenceThreshold is the normalized amplitude a sample must strictly
	// exceed to count as sound.
	SilenceThreshold float64

	// SilencePadding is the number of samples kept on either side of the
	// sounding region.
	SilencePadding int

	// MinSamples is the shortest acceptable result (800 samples is 50 ms at
	// 16 kHz).
	MinSamples int
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		MinInputBytes:    100,
		TargetSampleRate: 16000,
		SilenceThreshold: 0.02,
		SilencePadding:   500,
		MinSamples:       800,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinInputBytes <= 0 {
		c.MinInputBytes = d.MinInputBytes
	}
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = d.TargetSampleRate
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = d.SilenceThreshold
	}
	if c.SilencePadding < 0 {
		c.SilencePadding = d.SilencePadding
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	return c
}

// ArtifactSink receives intermediate waveforms for debugging. stage is
// "decoded" (mono, resampled) or "prepared" (normalized, trimmed).
type ArtifactSink func(ctx context.Context, stage string, w audio.Waveform)

// Option configures a [Preprocessor].
type Option func(*Preprocessor)

// WithDecoder replaces the default container decoder.
func WithDecoder(d *audio.Decoder) Option {
	return func(p *Preprocessor) { p.decoder = d }
}

// WithArtifactSink installs a debug sink. Default: none.
func WithArtifactSink(s ArtifactSink) Option {
	return func(p *Preprocessor) { p.sink = s }
}

// Preprocessor implements the audio normalization stage. It is safe for
// concurrent use.
type Preprocessor struct {
	cfg     Config
	decoder *audio.Decoder
	sink    ArtifactSink
}

// New returns a [Preprocessor].
func New(cfg Config, opts ...Option) *Preprocessor {
	p := &Preprocessor{cfg: cfg.withDefaults()}
	for _, o := range opts {
		o(p)
	}
	if p.decoder == nil {
		p.decoder = audio.NewDecoder()
	}
	return p
}

// Config returns the effective configuration.
func (p *Preprocessor) Config() Config { return p.cfg }

// Prepare converts raw container bytes into a mono, normalized, trimmed
// waveform at the target rate.
func (p *Preprocessor) Prepare(ctx context.Context, raw []byte) (audio.Waveform, error) {
	if len(raw) < p.cfg.MinInputBytes {
		return audio.Waveform{}, ErrNoAudio
	}

	clip, err := p.decoder.Decode(ctx, raw)
	if err != nil {
		return audio.Waveform{}, &DecodeError{Err: err}
	}

	samples := audio.Downmix(clip)
	if clip.SampleRate != p.cfg.TargetSampleRate {
		samples, err = audio.Resample(samples, clip.SampleRate, p.cfg.TargetSampleRate)
		if err != nil {
			return audio.Waveform{}, &DecodeError{Err: err}
		}
	}
	if p.sink != nil {
		p.sink(ctx, "decoded", audio.Waveform{Samples: samples, SampleRate: p.cfg.TargetSampleRate})
	}

	Normalize(samples)
	samples = TrimSilence(samples, p.cfg.SilenceThreshold, p.cfg.SilencePadding)

	w := audio.Waveform{Samples: samples, SampleRate: p.cfg.TargetSampleRate}
	if p.sink != nil {
		p.sink(ctx, "prepared", w)
	}
	slog.Debug("preprocess: waveform ready",
		"input_bytes", len(raw),
		"source_rate", clip.SampleRate,
		"source_channels", clip.Channels,
		"samples", w.Len())

	if w.Len() < p.cfg.MinSamples {
		return audio.Waveform{}, &TooShortError{Samples: w.Len(), Min: p.cfg.MinSamples}
	}
	return w, nil
}

// Normalize scales samples in place so the peak magnitude is just under 1.
// An all-zero slice is left untouched.
func Normalize(samples []float32) {
	peak := float64(audio.Peak(samples))
	if peak == 0 {
		return
	}
	scale := 1 / (peak + 1e-8)
	for i, s := range samples {
		samples[i] = float32(float64(s) * scale)
	}
}

// TrimSilence returns samples[first-padding : last+padding], clamped to the
// input, where first and last are the indices of the first and last sample
// whose magnitude strictly exceeds threshold. Without any such sample the
// input is returned unchanged. For padding > 0 the operation is idempotent.
func TrimSilence(samples []float32, threshold float64, padding int) []float32 {
	first, last := -1, -1
	for i, s := range samples {
		if math.Abs(float64(s)) > threshold {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	if first < 0 {
		return samples
	}
	start := max(0, first-padding)
	end := min(len(samples), last+padding)
	if end <= start {
		end = start + 1
	}
	return samples[start:end]
}
