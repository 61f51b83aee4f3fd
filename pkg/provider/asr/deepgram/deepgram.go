// Package deepgram provides a Deepgram-backed ASR provider using the Deepgram
// streaming WebSocket API. A whole utterance is streamed as 16-bit PCM, the
// stream is closed, and the final results are concatenated.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// chunkSamples is the number of samples sent per binary frame (100 ms at
	// 16 kHz).
	chunkSamples = 1600
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and for
// self-hosted Deepgram deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "deepgram/<model>".
func (p *Provider) Name() string { return "deepgram/" + p.model }

// Transcribe streams w to Deepgram and returns the concatenated final
// transcripts.
func (p *Provider) Transcribe(ctx context.Context, w audio.Waveform) (string, error) {
	if len(w.Samples) == 0 {
		return "", asr.ErrEmptyAudio
	}
	wsURL, err := p.buildURL(w.SampleRate)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()

	pcm := audio.Float32ToPCM16(w.Samples)
	var finals []string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for off := 0; off < len(pcm); off += chunkSamples * 2 {
			end := min(off+chunkSamples*2, len(pcm))
			if err := conn.Write(gctx, websocket.MessageBinary, pcm[off:end]); err != nil {
				return fmt.Errorf("deepgram: write audio: %w", err)
			}
		}
		// Ask Deepgram to flush and close once all audio is processed.
		if err := conn.Write(gctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			return fmt.Errorf("deepgram: write CloseStream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.Read(gctx)
			if err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("deepgram: read: %w", err)
			}
			text, final, done := parseDeepgramResponse(msg)
			if final && text != "" {
				finals = append(finals, text)
			}
			if done {
				return nil
			}
		}
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	conn.Close(websocket.StatusNormalClosure, "transcription complete")
	return strings.Join(finals, " "), nil
}

// buildURL constructs the Deepgram streaming endpoint URL.
func (p *Provider) buildURL(sampleRate int) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "false")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results
// or Metadata event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parseDeepgramResponse extracts the top alternative from a Results message.
// done reports the Metadata message Deepgram sends after the last result.
func parseDeepgramResponse(data []byte) (text string, final, done bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", false, false
	}
	switch resp.Type {
	case "Metadata":
		return "", false, true
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return "", resp.IsFinal, false
		}
		return strings.TrimSpace(resp.Channel.Alternatives[0].Transcript), resp.IsFinal, false
	default:
		return "", false, false
	}
}
