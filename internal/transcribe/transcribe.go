// Package transcribe runs speech recognition with a primary recognizer and,
// when the primary transcript is missing or suspiciously short relative to
// the expected sentence, a single escalation to a fallback recognizer.
//
// Recognizer failures never escape [Orchestrator.Transcribe]: an error or
// timeout is treated as an empty transcript and kept on the returned
// [Attempt] for diagnostics.
package transcribe

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
)

// Source records which recognizer produced the final text.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceFallback Source = "fallback"
)

// Attempt is the outcome of one recognizer call.
type Attempt struct {
	Provider string
	Text     string
	Err      error
	Duration time.Duration
}

// Result is the orchestrated transcription.
type Result struct {
	// Text is lower-cased and trimmed. Empty when nothing usable was heard.
	Text   string
	Source Source

	Primary  Attempt
	Fallback *Attempt
}

// FallbackUsed reports whether the fallback recognizer was called.
func (r Result) FallbackUsed() bool { return r.Fallback != nil }

// Config controls timeouts and the escalation rules.
type Config struct {
	PrimaryTimeout time.Duration

	// FallbackTimeout bounds the fallback call. A fallback implementing
	// [Chain] applies it to each of its backends separately.
	FallbackTimeout time.Duration

	// FallbackTriggerRatio: the fallback runs when the primary transcript is
	// empty or shorter than this fraction of the expected text (in runes).
	FallbackTriggerRatio float64

	// FallbackAdoptRatio: the fallback transcript replaces the primary one
	// only when it is longer than this multiple of the primary length.
	FallbackAdoptRatio float64
}

// DefaultConfig returns the stock escalation parameters.
func DefaultConfig() Config {
	return Config{
		PrimaryTimeout:       30 * time.Second,
		FallbackTimeout:      15 * time.Second,
		FallbackTriggerRatio: 0.3,
		FallbackAdoptRatio:   1.2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PrimaryTimeout <= 0 {
		c.PrimaryTimeout = d.PrimaryTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = d.FallbackTimeout
	}
	if c.FallbackTriggerRatio <= 0 {
		c.FallbackTriggerRatio = d.FallbackTriggerRatio
	}
	if c.FallbackAdoptRatio <= 0 {
		c.FallbackAdoptRatio = d.FallbackAdoptRatio
	}
	return c
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithFallback sets the escalation recognizer. Without one the primary
// transcript is always final.
func WithFallback(p asr.Provider) Option {
	return func(o *Orchestrator) { o.fallback = p }
}

// WithMetrics records provider and fallback metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator implements the primary/fallback transcription policy. It is
// safe for concurrent use; [Orchestrator.SetConfig] may be called while
// transcriptions are in flight.
type Orchestrator struct {
	primary  asr.Provider
	fallback asr.Provider
	metrics  *observe.Metrics
	cfg      atomic.Pointer[Config]
}

// New creates an [Orchestrator] around primary.
func New(primary asr.Provider, cfg Config, opts ...Option) (*Orchestrator, error) {
	if primary == nil {
		return nil, errors.New("transcribe: primary recognizer is required")
	}
	o := &Orchestrator{primary: primary}
	for _, opt := range opts {
		opt(o)
	}
	o.SetConfig(cfg)
	return o, nil
}

// SetConfig replaces the configuration for subsequent calls.
func (o *Orchestrator) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	o.cfg.Store(&cfg)
}

// Config returns the configuration currently in effect.
func (o *Orchestrator) Config() Config { return *o.cfg.Load() }

// PrimaryName returns the primary recognizer's diagnostic name.
func (o *Orchestrator) PrimaryName() string { return asr.NameOf(o.primary, "primary") }

// FallbackName returns the fallback recognizer's diagnostic name, or "" when
// none is configured.
func (o *Orchestrator) FallbackName() string {
	if o.fallback == nil {
		return ""
	}
	return asr.NameOf(o.fallback, "fallback")
}

// ModelUsed describes the recognizer setup, e.g.
// "whisper-native/ggml-base.en with openai/whisper-1 fallback".
func (o *Orchestrator) ModelUsed() string {
	if fb := o.FallbackName(); fb != "" {
		return o.PrimaryName() + " with " + fb + " fallback"
	}
	return o.PrimaryName()
}

// Transcribe recognizes w. expected is only used to judge whether the
// primary transcript is plausibly complete.
func (o *Orchestrator) Transcribe(ctx context.Context, w audio.Waveform, expected string) Result {
	cfg := o.Config()
	log := observe.Logger(ctx)

	primary := o.attempt(ctx, o.primary, o.PrimaryName(), w, cfg.PrimaryTimeout)
	res := Result{
		Text:    primary.Text,
		Source:  SourcePrimary,
		Primary: primary,
	}

	primaryLen := utf8.RuneCountInString(primary.Text)
	expectedLen := utf8.RuneCountInString(expected)
	if o.fallback == nil || !NeedsFallback(primaryLen, expectedLen, cfg.FallbackTriggerRatio) {
		res.Text = normalizeText(res.Text)
		return res
	}

	log.Info("transcribe: escalating to fallback",
		"primary", primary.Provider,
		"primary_chars", primaryLen,
		"expected_chars", expectedLen,
		"primary_err", primary.Err)

	fb := o.attempt(ctx, o.fallback, o.FallbackName(), w, cfg.FallbackTimeout)
	res.Fallback = &fb

	adopt := AdoptFallback(utf8.RuneCountInString(fb.Text), primaryLen, cfg.FallbackAdoptRatio)
	if adopt {
		res.Text = fb.Text
		res.Source = SourceFallback
	}
	if o.metrics != nil {
		o.metrics.RecordFallback(ctx, adopt)
	}
	log.Debug("transcribe: fallback finished", "fallback", fb.Provider, "adopted", adopt)

	res.Text = normalizeText(res.Text)
	return res
}

// NeedsFallback reports whether a primary transcript of primaryLen runes
// warrants escalation for an expected text of expectedLen runes.
func NeedsFallback(primaryLen, expectedLen int, triggerRatio float64) bool {
	return primaryLen == 0 || float64(primaryLen) < triggerRatio*float64(expectedLen)
}

// AdoptFallback reports whether a fallback transcript of fallbackLen runes
// should replace a primary transcript of primaryLen runes.
func AdoptFallback(fallbackLen, primaryLen int, adoptRatio float64) bool {
	return float64(fallbackLen) > adoptRatio*float64(primaryLen)
}

func (o *Orchestrator) attempt(ctx context.Context, p asr.Provider, name string, w audio.Waveform, timeout time.Duration) Attempt {
	ctx, span := observe.StartSpan(ctx, "asr "+name)
	defer span.End()

	start := time.Now()
	text, err := transcribeWithin(ctx, p, w, timeout)
	a := Attempt{
		Provider: name,
		Text:     strings.TrimSpace(text),
		Err:      err,
		Duration: time.Since(start),
	}
	if err != nil {
		a.Text = ""
		span.RecordError(err)
		observe.Logger(ctx).Warn("transcribe: recognizer failed",
			"provider", name, "err", err, "duration", a.Duration)
	}
	span.SetAttributes(
		attribute.Int("asr.text_length", utf8.RuneCountInString(a.Text)),
		attribute.Bool("asr.error", err != nil),
	)

	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			o.metrics.RecordProviderError(ctx, name, observe.KindASR)
		}
		o.metrics.RecordProviderRequest(ctx, name, observe.KindASR, status)
	}
	return a
}

// Chain is a recognizer made of several backends tried in turn. The
// orchestrator hands it the timeout to apply to each backend instead of
// bounding the whole chain with it.
type Chain interface {
	TranscribeEach(ctx context.Context, w audio.Waveform, timeout time.Duration) (string, error)
}

func transcribeWithin(ctx context.Context, p asr.Provider, w audio.Waveform, timeout time.Duration) (string, error) {
	if c, ok := p.(Chain); ok {
		return c.TranscribeEach(ctx, w, timeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Transcribe(ctx, w)
}

func normalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
