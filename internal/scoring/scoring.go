// Package scoring compares an expected sentence with what was actually
// transcribed and produces a similarity score in [0, 1] plus the phoneme
// sequences of both sides.
//
// The score blends three text signals computed on normalized strings:
//
//   - Sequence: the gestalt matching ratio over the full strings.
//   - Word: per-word credit (1 for an exact hit anywhere, 0.5 for the first
//     substring relation, else 0) averaged over expected words.
//   - Character: the matching ratio with all whitespace removed.
//
// Phonemes are computed for feedback only; they do not affect the score.
package scoring

import (
	"context"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

// nonWord matches every rune that is not a letter, digit, underscore or
// whitespace.
var nonWord = regexp.MustCompile(`[^\p{L}\p{N}_\s\p{Z}]`)

// Weights are the blend factors for the three text signals. They are used
// as given; they are not renormalized.
type Weights struct {
	Sequence  float64
	Word      float64
	Character float64
}

// Config tunes the engine. Zero fields take the defaults from
// [DefaultConfig], except MinPartialWordLen where zero means "no minimum".
type Config struct {
	Weights Weights

	// MinPartialWordLen is the shortest word (in runes) that can earn
	// partial credit by being contained in the other word. 0 disables the
	// check.
	MinPartialWordLen int

	// PhonemizeTimeout bounds each phonemizer call.
	PhonemizeTimeout time.Duration
}

// DefaultConfig returns the stock weights (0.3 / 0.4 / 0.3).
func DefaultConfig() Config {
	return Config{
		Weights:          Weights{Sequence: 0.3, Word: 0.4, Character: 0.3},
		PhonemizeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.PhonemizeTimeout <= 0 {
		c.PhonemizeTimeout = d.PhonemizeTimeout
	}
	if c.MinPartialWordLen < 0 {
		c.MinPartialWordLen = 0
	}
	return c
}

// Signals are the raw text similarities behind a score.
type Signals struct {
	Sequence  float64 `json:"sequence"`
	Word      float64 `json:"word"`
	Character float64 `json:"character"`
	Blended   bool    `json:"blended"`
}

// Result is the outcome of [Engine.Score]. Phoneme slices are never nil.
type Result struct {
	Score            float64
	ExpectedPhonemes []string
	SpokenPhonemes   []string
	Signals          Signals
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records phonemizer calls to m.
func WithMetrics(m *observe.Metrics, providerName string) Option {
	return func(e *Engine) {
		e.metrics = m
		e.phonemizerName = providerName
	}
}

// Engine scores transcriptions. It is safe for concurrent use.
type Engine struct {
	phonemizer     phonemizer.Provider
	phonemizerName string
	metrics        *observe.Metrics
	cfg            atomic.Pointer[Config]
}

// New creates an [Engine]. A nil phonemizer yields empty phoneme sequences.
func New(p phonemizer.Provider, cfg Config, opts ...Option) *Engine {
	e := &Engine{phonemizer: p, phonemizerName: "phonemizer"}
	for _, o := range opts {
		o(e)
	}
	e.SetConfig(cfg)
	return e
}

// SetConfig replaces the configuration for subsequent calls.
func (e *Engine) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
}

// Config returns the configuration currently in effect.
func (e *Engine) Config() Config { return *e.cfg.Load() }

// Score compares expected with spoken.
func (e *Engine) Score(ctx context.Context, expected, spoken string) Result {
	empty := Result{ExpectedPhonemes: []string{}, SpokenPhonemes: []string{}}
	if expected == "" || spoken == "" {
		return empty
	}

	cleanExp, cleanSpk := Normalize(expected), Normalize(spoken)
	if cleanExp == cleanSpk {
		empty.Score = 1
		return empty
	}

	cfg := e.Config()
	sig := Signals{Sequence: Ratio(cleanExp, cleanSpk)}
	score := sig.Sequence

	expWords, spkWords := strings.Fields(cleanExp), strings.Fields(cleanSpk)
	if len(expWords) > 0 && len(spkWords) > 0 {
		sig.Word = wordAccuracy(expWords, spkWords, cfg.MinPartialWordLen)
		sig.Character = Ratio(stripSpace(cleanExp), stripSpace(cleanSpk))
		sig.Blended = true
		w := cfg.Weights
		score = w.Sequence*sig.Sequence + w.Word*sig.Word + w.Character*sig.Character
	}

	res := Result{
		Score:   round2(score),
		Signals: sig,
	}
	res.ExpectedPhonemes, res.SpokenPhonemes = e.phonemizeBoth(ctx, expected, spoken, cfg.PhonemizeTimeout)

	observe.Logger(ctx).Debug("scoring: scored",
		"expected", cleanExp,
		"spoken", cleanSpk,
		"sequence", sig.Sequence,
		"word", sig.Word,
		"character", sig.Character,
		"score", res.Score)
	return res
}

// phonemizeBoth runs both phonemizations concurrently. A failing side yields
// an empty sequence.
func (e *Engine) phonemizeBoth(ctx context.Context, expected, spoken string, timeout time.Duration) ([]string, []string) {
	exp, spk := []string{}, []string{}
	if e.phonemizer == nil {
		return exp, spk
	}

	var g errgroup.Group
	g.Go(func() error {
		exp = e.phonemize(ctx, expected, timeout)
		return nil
	})
	g.Go(func() error {
		spk = e.phonemize(ctx, spoken, timeout)
		return nil
	})
	_ = g.Wait()
	return exp, spk
}

func (e *Engine) phonemize(ctx context.Context, text string, timeout time.Duration) []string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ph, err := e.phonemizer.Phonemize(ctx, text)
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			e.metrics.RecordProviderError(ctx, e.phonemizerName, observe.KindPhonemizer)
		}
		e.metrics.RecordProviderRequest(ctx, e.phonemizerName, observe.KindPhonemizer, status)
	}
	if err != nil {
		observe.Logger(ctx).Warn("scoring: phonemization failed", "text", text, "err", err)
		return []string{}
	}
	if ph == nil {
		return []string{}
	}
	return ph
}

// Normalize lower-cases s, removes every rune that is not a letter, digit,
// underscore or whitespace, and trims surrounding whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), ""))
}

// WordAccuracy is the word-level signal for two already normalized strings.
// It returns 0 when expected has no words.
func WordAccuracy(expected, spoken string, minPartialLen int) float64 {
	return wordAccuracy(strings.Fields(expected), strings.Fields(spoken), minPartialLen)
}

func wordAccuracy(expWords, spkWords []string, minPartialLen int) float64 {
	if len(expWords) == 0 {
		return 0
	}
	credit := 0.0
	for _, ew := range expWords {
		credit += wordCredit(ew, spkWords, minPartialLen)
	}
	return credit / float64(len(expWords))
}

func wordCredit(ew string, spkWords []string, minPartialLen int) float64 {
	for _, sw := range spkWords {
		if ew == sw {
			return 1
		}
	}
	for _, sw := range spkWords {
		if partialMatch(ew, sw, minPartialLen) {
			return 0.5
		}
	}
	return 0
}

// partialMatch reports whether one word contains the other, with the
// contained word at least minLen runes long.
func partialMatch(a, b string, minLen int) bool {
	switch {
	case strings.Contains(b, a):
		return utf8.RuneCountInString(a) >= minLen
	case strings.Contains(a, b):
		return utf8.RuneCountInString(b) >= minLen
	default:
		return false
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// round2 rounds half away from zero to two decimals and clamps to [0, 1].
func round2(x float64) float64 {
	x = math.Round(x*100) / 100
	return min(1, max(0, x))
}
