// Package phonemizer defines the Provider interface for text-to-phoneme
// backends.
//
// Phoneme sequences are diagnostic only: they are shown next to the score so a
// learner can see which sounds differed. A failing phonemizer never fails an
// evaluation.
package phonemizer

import (
	"context"
	"strings"
)

// Provider converts text to an ordered sequence of phoneme tokens.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Phonemize returns the phoneme tokens for text. Tokens are the
	// whitespace-separated units of the backend's output (typically one token
	// per word). Empty input returns an empty, non-nil slice.
	Phonemize(ctx context.Context, text string) ([]string, error)
}

// Tokenize splits raw phonemizer output on whitespace, dropping empty tokens.
// The result is never nil.
func Tokenize(raw string) []string {
	fields := strings.Fields(raw)
	if fields == nil {
		return []string{}
	}
	return fields
}
