// Package mock provides a test double for the phonemizer.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

// Provider is a mock implementation of phonemizer.Provider.
//
// Lookup is consulted first; texts missing from it fall back to splitting the
// input on whitespace, so tests get deterministic, text-dependent output by
// default.
type Provider struct {
	mu sync.Mutex

	// Lookup maps input text to the tokens to return.
	Lookup map[string][]string

	// Err, if non-nil, is returned for every call.
	Err error

	// FailOn lists inputs for which FailErr is returned instead of tokens.
	FailOn map[string]bool

	// FailErr is the error used for FailOn inputs.
	FailErr error

	// Calls records the text of every Phonemize call in order.
	Calls []string
}

// Phonemize records the call and returns the configured response.
func (p *Provider) Phonemize(ctx context.Context, text string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	if p.FailOn[text] {
		return nil, p.FailErr
	}
	if toks, ok := p.Lookup[text]; ok {
		out := make([]string, len(toks))
		copy(out, toks)
		return out, nil
	}
	return phonemizer.Tokenize(text), nil
}

// CallCount returns the number of Phonemize calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Ensure Provider implements phonemizer.Provider at compile time.
var _ phonemizer.Provider = (*Provider)(nil)
