// Package feedback turns a pronunciation score into a discrete status and a
// learner-facing message.
//
// The threshold table is evaluated top-down and the first match wins. Every
// bound is inclusive on its lower end, so a score of exactly 0.85 is
// [StatusExcellent] while 0.849999 is [StatusGood].
package feedback

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
)

// Status is the discrete grade attached to an evaluation.
type Status string

const (
	StatusExcellent        Status = "excellent"
	StatusGood             Status = "good"
	StatusFair             Status = "fair"
	StatusNeedsImprovement Status = "needs_improvement"
	StatusMispronounced    Status = "mispronounced"

	// StatusError is used only when the audio could not be evaluated at all.
	StatusError Status = "error"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusExcellent, StatusGood, StatusFair, StatusNeedsImprovement, StatusMispronounced, StatusError:
		return true
	}
	return false
}

// IsCorrect reports whether s counts as a successful attempt.
func (s Status) IsCorrect() bool {
	return s == StatusExcellent || s == StatusGood
}

// Thresholds are the inclusive lower bounds of each status band.
type Thresholds struct {
	Excellent        float64 `yaml:"excellent"`
	Good             float64 `yaml:"good"`
	Fair             float64 `yaml:"fair"`
	NeedsImprovement float64 `yaml:"needs_improvement"`
}

// DefaultThresholds returns 0.85 / 0.70 / 0.50 / 0.30.
func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 0.85, Good: 0.70, Fair: 0.50, NeedsImprovement: 0.30}
}

// Validate checks that every bound lies in [0, 1] and that the bands are
// strictly descending.
func (t Thresholds) Validate() error {
	var errs []error
	bounds := []struct {
		name string
		v    float64
	}{
		{"excellent", t.Excellent},
		{"good", t.Good},
		{"fair", t.Fair},
		{"needs_improvement", t.NeedsImprovement},
	}
	for i, b := range bounds {
		if b.v < 0 || b.v > 1 {
			errs = append(errs, fmt.Errorf("feedback: threshold %s=%v outside [0, 1]", b.name, b.v))
		}
		if i > 0 && bounds[i-1].v <= b.v {
			errs = append(errs, fmt.Errorf("feedback: threshold %s=%v must be below %s=%v", b.name, b.v, bounds[i-1].name, bounds[i-1].v))
		}
	}
	return errors.Join(errs...)
}

// Classifier maps scores to statuses. The zero value is not usable; create
// one with [New]. Safe for concurrent use.
type Classifier struct {
	thresholds atomic.Pointer[Thresholds]
}

// New returns a Classifier using t. A zero t selects [DefaultThresholds].
func New(t Thresholds) (*Classifier, error) {
	c := &Classifier{}
	if err := c.SetThresholds(t); err != nil {
		return nil, err
	}
	return c, nil
}

// SetThresholds swaps the bands used by later calls. Invalid thresholds are
// rejected and the current ones kept.
func (c *Classifier) SetThresholds(t Thresholds) error {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	if err := t.Validate(); err != nil {
		return err
	}
	c.thresholds.Store(&t)
	return nil
}

// Thresholds returns the bands currently in effect.
func (c *Classifier) Thresholds() Thresholds { return *c.thresholds.Load() }

// Status returns the band score falls into.
func (c *Classifier) Status(score float64) Status {
	t := c.thresholds.Load()
	switch {
	case score >= t.Excellent:
		return StatusExcellent
	case score >= t.Good:
		return StatusGood
	case score >= t.Fair:
		return StatusFair
	case score >= t.NeedsImprovement:
		return StatusNeedsImprovement
	default:
		return StatusMispronounced
	}
}

// Classify grades score and renders the feedback message. When both phoneme
// sequences are non-empty and differ as a whole, a phoneme comparison line
// is appended.
func (c *Classifier) Classify(score float64, expected, spoken string, expectedPhonemes, spokenPhonemes []string) (Status, string) {
	status := c.Status(score)

	var msg string
	switch status {
	case StatusExcellent:
		msg = fmt.Sprintf("Perfect! You pronounced it correctly: '%s'", expected)
	case StatusGood:
		msg = fmt.Sprintf("Good job! You said: '%s'. Very close to: '%s'", spoken, expected)
	case StatusFair:
		msg = fmt.Sprintf("Almost there! You said: '%s'. Try to match: '%s'", spoken, expected)
	case StatusNeedsImprovement:
		msg = fmt.Sprintf("Getting closer. You said: '%s'. Listen to the example and repeat: '%s'", spoken, expected)
	default:
		msg = fmt.Sprintf("Let's try again. You said: '%s'. Please listen carefully and repeat: '%s'", spoken, expected)
	}

	if len(expectedPhonemes) > 0 && len(spokenPhonemes) > 0 && !slices.Equal(expectedPhonemes, spokenPhonemes) {
		msg += fmt.Sprintf("\nPhonemes: Expected [%s], Heard [%s]",
			strings.Join(expectedPhonemes, " "), strings.Join(spokenPhonemes, " "))
	}
	return status, msg
}

// Unintelligible is the message used when no transcription could be
// obtained from any recognizer.
func Unintelligible(expected string) string {
	return fmt.Sprintf("Could not understand your speech. Please speak clearly and try saying: '%s'", expected)
}
