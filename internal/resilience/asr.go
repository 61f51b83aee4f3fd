package resilience

import (
	"context"
	"strings"
	"time"

	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
)

// ASRFallback implements [asr.Provider] over an ordered set of recognizers,
// each behind its own circuit breaker.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary as the preferred
// backend.
func NewASRFallback(primary asr.Provider, primaryName string, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another recognizer, tried after all existing ones.
func (f *ASRFallback) AddFallback(name string, p asr.Provider) {
	f.group.AddFallback(name, p)
}

// Name joins the backend names with "|".
func (f *ASRFallback) Name() string {
	return strings.Join(f.group.Names(), "|")
}

// Breaker exposes the breaker of the named backend, mainly for health checks.
func (f *ASRFallback) Breaker(name string) *CircuitBreaker {
	return f.group.Breaker(name)
}

// Transcribe returns the text of the first backend that succeeds.
func (f *ASRFallback) Transcribe(ctx context.Context, w audio.Waveform) (string, error) {
	text, _, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p asr.Provider) (string, error) {
		return p.Transcribe(ctx, w)
	})
	return text, err
}

// TranscribeEach is Transcribe with every backend bounded by its own
// timeout.
func (f *ASRFallback) TranscribeEach(ctx context.Context, w audio.Waveform, timeout time.Duration) (string, error) {
	text, _, err := ExecuteEach(ctx, f.group, timeout, func(ctx context.Context, p asr.Provider) (string, error) {
		return p.Transcribe(ctx, w)
	})
	return text, err
}

// Guard wraps a single recognizer with a circuit breaker so that a backend
// that keeps failing is rejected immediately instead of being waited on.
type Guard struct {
	provider asr.Provider
	breaker  *CircuitBreaker
}

var _ asr.Provider = (*Guard)(nil)

// NewGuard wraps p. cfg.Name defaults to the provider's name.
func NewGuard(p asr.Provider, cfg CircuitBreakerConfig) *Guard {
	if cfg.Name == "" {
		cfg.Name = asr.NameOf(p, "asr")
	}
	return &Guard{provider: p, breaker: NewCircuitBreaker(cfg)}
}

// Name reports the wrapped provider's name.
func (g *Guard) Name() string { return asr.NameOf(g.provider, g.breaker.Name()) }

// Breaker returns the guarding breaker.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Transcribe forwards to the wrapped provider unless the breaker is open.
func (g *Guard) Transcribe(ctx context.Context, w audio.Waveform) (string, error) {
	var text string
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		text, err = g.provider.Transcribe(ctx, w)
		return err
	})
	return text, err
}
