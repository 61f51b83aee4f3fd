// Package mock provides a test double for the asr.Provider interface.
//
// Configure Text/Err for a fixed response, or Fn for per-call behaviour:
//
//	p := &mock.Provider{Text: "hello world"}
//	text, _ := p.Transcribe(ctx, w)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Samples is the number of samples in the waveform passed to Transcribe.
	Samples int
	// SampleRate is the waveform's sample rate.
	SampleRate int
}

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Empty means "mock".
	ProviderName string

	// Text is returned by Transcribe when Fn is nil.
	Text string

	// Err, if non-nil, is returned by Transcribe when Fn is nil.
	Err error

	// Delay blocks each call for this long or until ctx is done, whichever is
	// first. A cancelled context returns ctx.Err().
	Delay time.Duration

	// Fn, if set, overrides Text and Err.
	Fn func(ctx context.Context, w audio.Waveform) (string, error)

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the configured response.
func (p *Provider) Transcribe(ctx context.Context, w audio.Waveform) (string, error) {
	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Samples: len(w.Samples), SampleRate: w.SampleRate})
	delay, fn, text, err := p.Delay, p.Fn, p.Text, p.Err
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if fn != nil {
		return fn(ctx, w)
	}
	return text, err
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
