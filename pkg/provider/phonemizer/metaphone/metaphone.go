// Package metaphone provides a dependency-free phonemizer built on the Double
// Metaphone phonetic encoding. It is coarser than an IPA phonemizer but needs
// no external binary, which makes it a useful fallback and test backend.
//
// Each word of input maps to one token: its primary Double Metaphone code,
// or the alternate code when configured. Words with no encodable letters are
// skipped.
package metaphone

import (
	"context"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

// Compile-time assertion that Provider implements phonemizer.Provider.
var _ phonemizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a [Provider].
type Option func(*Provider)

// WithAlternate emits the secondary Double Metaphone code instead of the
// primary one when the two differ.
func WithAlternate(alt bool) Option {
	return func(p *Provider) { p.alternate = alt }
}

// Provider implements phonemizer.Provider. It is read-only after
// construction and safe for concurrent use.
type Provider struct {
	alternate bool
}

// New returns a new [Provider].
func New(opts ...Option) *Provider {
	p := &Provider{}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Phonemize returns one Double Metaphone code per word of text.
func (p *Provider) Phonemize(ctx context.Context, text string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := []string{}
	for _, w := range strings.Fields(text) {
		w = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) {
				return unicode.ToLower(r)
			}
			return -1
		}, w)
		if w == "" {
			continue
		}
		primary, secondary := matchr.DoubleMetaphone(w)
		code := primary
		if p.alternate && secondary != "" {
			code = secondary
		}
		if code != "" {
			out = append(out, code)
		}
	}
	return out, nil
}
