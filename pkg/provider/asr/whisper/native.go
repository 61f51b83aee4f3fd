// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
)

// nativeSampleRate is the only input rate whisper.cpp accepts.
const nativeSampleRate = 16000

// Compile-time assertion that NativeProvider satisfies asr.Provider.
var _ asr.Provider = (*NativeProvider)(nil)

// NativeProvider implements asr.Provider using whisper.cpp Go bindings
// (CGO). The model is loaded once at construction and shared by all calls;
// every call gets its own whisper context.
type NativeProvider struct {
	model     whisperlib.Model
	modelPath string
	language  string
	maxActive int64
	sem       *semaphore.Weighted

	// run performs one inference. It is p.infer outside of tests.
	run func(samples []float32) (string, error)

	closeOnce sync.Once
	closed    bool // guarded by holding every sem slot
	closeErr  error
}

// ErrClosed is returned by Transcribe after Close.
var ErrClosed = errors.New("whisper: provider closed")

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription
// (e.g., "en", "de", "fr"). Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeMaxConcurrent bounds the number of inferences running at once.
// Each inference allocates its own context (several hundred MB for larger
// models), so the default is 1.
func WithNativeMaxConcurrent(n int) NativeOption {
	return func(p *NativeProvider) {
		if n > 0 {
			p.maxActive = int64(n)
		}
	}
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. A model that fails to load is a hard error: callers
// should abort startup. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:     model,
		modelPath: modelPath,
		language:  defaultLanguage,
		maxActive: 1,
	}
	for _, o := range opts {
		o(p)
	}
	p.sem = semaphore.NewWeighted(p.maxActive)
	p.run = p.infer
	return p, nil
}

// Name returns "whisper-native/<model file>".
func (p *NativeProvider) Name() string {
	return "whisper-native/" + strings.TrimSuffix(filepath.Base(p.modelPath), filepath.Ext(p.modelPath))
}

// Close waits for every running inference, including ones whose caller
// already gave up, and then releases the whisper model. Later calls to
// Transcribe fail with [ErrClosed].
func (p *NativeProvider) Close() error {
	p.closeOnce.Do(func() {
		_ = p.sem.Acquire(context.Background(), p.maxActive)
		defer p.sem.Release(p.maxActive)
		p.closed = true
		if p.model != nil {
			p.closeErr = p.model.Close()
		}
	})
	return p.closeErr
}

// Transcribe runs whisper.cpp inference on w. Waveforms not at 16 kHz are
// resampled first. Inference itself cannot be interrupted; when ctx ends
// first, Transcribe returns ctx.Err() and the result is discarded once the
// inference finishes.
func (p *NativeProvider) Transcribe(ctx context.Context, w audio.Waveform) (string, error) {
	if len(w.Samples) == 0 {
		return "", asr.ErrEmptyAudio
	}
	samples := w.Samples
	if w.SampleRate != nativeSampleRate {
		var err error
		samples, err = audio.Resample(w.Samples, w.SampleRate, nativeSampleRate)
		if err != nil {
			return "", fmt.Errorf("whisper: %w", err)
		}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("whisper: wait for inference slot: %w", err)
	}
	if p.closed {
		p.sem.Release(1)
		return "", ErrClosed
	}

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		text, err := p.run(samples)
		done <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("whisper: %w", ctx.Err())
	case r := <-done:
		return r.text, r.err
	}
}

// infer runs whisper.cpp inference using a fresh context and returns the
// concatenated segment text.
func (p *NativeProvider) infer(samples []float32) (string, error) {
	// Contexts are not thread-safe; the model is.
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", p.language, "error", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
