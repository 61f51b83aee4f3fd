// Package asr defines the Provider interface for batch speech recognition
// backends.
//
// An ASR provider turns one complete, already-preprocessed utterance into text.
// Unlike a streaming STT session there is no partial/final split: the caller
// hands over the whole waveform and receives a single transcript. Backends may
// run inference in-process (whisper.cpp) or perform a network round-trip
// (whisper server, Deepgram, OpenAI).
//
// Implementations must be safe for concurrent use. Backends wrapping a
// non-reentrant model handle serialise access internally.
package asr

import (
	"context"
	"errors"

	"github.com/MrWong99/pronounce/pkg/audio"
)

// ErrEmptyAudio is returned by providers asked to transcribe a waveform with
// no samples.
var ErrEmptyAudio = errors.New("asr: empty waveform")

// Provider is the abstraction over any speech-to-text backend.
type Provider interface {
	// Transcribe returns the recognised text for w. The waveform is mono; its
	// SampleRate field states the rate, normally 16 kHz. An empty string with a
	// nil error means the backend heard nothing intelligible.
	//
	// Implementations must honour ctx cancellation and deadlines.
	Transcribe(ctx context.Context, w audio.Waveform) (string, error)
}

// Named is implemented by providers that report a human-readable backend
// name (e.g. "whisper-native/ggml-base.en"). Used for diagnostics only.
type Named interface {
	Name() string
}

// NameOf returns p's name when it implements [Named], and fallback otherwise.
func NameOf(p Provider, fallback string) string {
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fallback
}
