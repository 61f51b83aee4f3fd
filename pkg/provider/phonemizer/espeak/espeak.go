// Package espeak provides a phonemizer backed by the espeak-ng command-line
// synthesizer. Text is fed on stdin and the IPA transcription is read from
// stdout; each whitespace-separated word of output is one token.
package espeak

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

const (
	defaultBinary = "espeak-ng"
	defaultVoice  = "en-us"
)

// stressMarks are the IPA primary and secondary stress diacritics.
var stressMarks = strings.NewReplacer("ˈ", "", "ˌ", "")

// Compile-time assertion that Provider implements phonemizer.Provider.
var _ phonemizer.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithBinary sets the espeak executable (name or path). Default: "espeak-ng".
func WithBinary(path string) Option {
	return func(p *Provider) { p.binary = path }
}

// WithVoice sets the espeak voice/language (e.g., "en-us", "en-gb", "de").
// Default: "en-us".
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithStress keeps (true, the default) or strips stress marks in the output.
func WithStress(keep bool) Option {
	return func(p *Provider) { p.stress = keep }
}

// Provider implements phonemizer.Provider by running espeak-ng once per call.
// It holds no mutable state and is safe for concurrent use.
type Provider struct {
	binary string
	voice  string
	stress bool
}

// New creates a Provider and verifies the espeak binary is on $PATH. A
// missing binary is a hard error.
func New(opts ...Option) (*Provider, error) {
	p := &Provider{
		binary: defaultBinary,
		voice:  defaultVoice,
		stress: true,
	}
	for _, o := range opts {
		o(p)
	}
	resolved, err := exec.LookPath(p.binary)
	if err != nil {
		return nil, fmt.Errorf("espeak: binary %q not available: %w", p.binary, err)
	}
	p.binary = resolved
	return p, nil
}

// Phonemize returns the IPA tokens for text.
func (p *Provider) Phonemize(ctx context.Context, text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return []string{}, nil
	}

	cmd := exec.CommandContext(ctx, p.binary, "-q", "--ipa", "-v", p.voice, "--stdin")
	cmd.Stdin = strings.NewReader(text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("espeak: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("espeak: exited with %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("espeak: %w", err)
	}

	out := stdout.String()
	if !p.stress {
		out = stressMarks.Replace(out)
	}
	return phonemizer.Tokenize(out), nil
}

// Check runs a tiny phonemization to confirm the binary works. Suitable as a
// readiness probe.
func (p *Provider) Check(ctx context.Context) error {
	toks, err := p.Phonemize(ctx, "test")
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		return errors.New("espeak: empty output for probe text")
	}
	return nil
}
