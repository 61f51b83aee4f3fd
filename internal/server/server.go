// Package server exposes the evaluation pipeline over HTTP.
//
// Routes:
//
//	POST /v1/evaluate                           multipart: audio, text (or expected_text)
//	POST /api/practice/evaluate-pronunciation   multipart: audio, word
//	GET  /healthz, /readyz                      when a health handler is set
//	GET  /metrics                               when a metrics handler is set
//
// Evaluations are admitted through a weighted semaphore so at most
// MaxConcurrent run at once; further requests wait until their context
// expires and then get 503. An evaluation that outlives RequestTimeout
// gets 504.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/pronounce/internal/evaluation"
	"github.com/MrWong99/pronounce/internal/health"
	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/internal/scoring"
)

// CorrectScore is the score from which the legacy route reports
// is_correct=true.
const CorrectScore = 0.55

// MsgMissingInput is returned with 400 when the audio or the expected text
// is absent.
const MsgMissingInput = "audio and expected text are required"

// Evaluator runs one evaluation. [*evaluation.Pipeline] implements it.
type Evaluator interface {
	Run(ctx context.Context, raw []byte, expected string) *evaluation.Result
}

var _ Evaluator = (*evaluation.Pipeline)(nil)

// Config holds request admission limits.
type Config struct {
	// MaxUploadBytes caps the request body. Default: 10 MiB.
	MaxUploadBytes int64

	// MaxConcurrent bounds concurrently running evaluations. Default: 4.
	MaxConcurrent int

	// RequestTimeout bounds waiting for a slot plus the evaluation itself.
	// Zero disables the bound.
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// Option configures a [Server].
type Option func(*Server)

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithMetrics instruments every request with m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server is the HTTP front end.
type Server struct {
	eval           Evaluator
	cfg            Config
	sem            *semaphore.Weighted
	health         *health.Handler
	metricsHandler http.Handler
	metrics        *observe.Metrics
	handler        http.Handler
}

// New builds a Server around eval.
func New(eval Evaluator, cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		eval: eval,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/practice/evaluate-pronunciation", s.handleLegacyEvaluate)
	if s.health != nil {
		s.health.Register(mux)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	var h http.Handler = mux
	if s.metrics != nil {
		h = observe.Middleware(s.metrics)(h)
	}
	s.handler = h
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler { return s.handler }

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	raw, expected, err := s.readForm(w, r, "text", "expected_text")
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: messageFor(err)})
		return
	}

	res, err := s.run(r.Context(), raw, expected)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// legacyResponse is the envelope of the practice route.
type legacyResponse struct {
	Success      bool                   `json:"success"`
	Message      string                 `json:"message,omitempty"`
	IsCorrect    bool                   `json:"is_correct"`
	Score        float64                `json:"score"`
	Feedback     string                 `json:"feedback,omitempty"`
	WordFeedback []scoring.WordFeedback `json:"word_feedback,omitempty"`
	SpokenText   string                 `json:"spoken_text"`
	Result       *evaluation.Result     `json:"result,omitempty"`
}

func (s *Server) handleLegacyEvaluate(w http.ResponseWriter, r *http.Request) {
	raw, expected, err := s.readForm(w, r, "word")
	if err != nil {
		writeJSON(w, statusFor(err), legacyResponse{Message: messageFor(err)})
		return
	}

	res, err := s.run(r.Context(), raw, expected)
	if err != nil {
		writeJSON(w, statusFor(err), legacyResponse{Message: err.Error()})
		return
	}
	words := res.Words
	if words == nil {
		words = []scoring.WordFeedback{}
	}
	writeJSON(w, http.StatusOK, legacyResponse{
		Success:      true,
		IsCorrect:    res.Score >= CorrectScore,
		Score:        res.Score,
		Feedback:     res.Feedback,
		WordFeedback: words,
		SpokenText:   res.SpokenText,
		Result:       res,
	})
}

var (
	// errBusy is returned when no evaluation slot frees up in time.
	errBusy = errors.New("server busy, try again later")

	// errTimeout is returned when the evaluation outlived RequestTimeout.
	// Its result is discarded: providers cut off by the deadline make the
	// recording look unintelligible.
	errTimeout = errors.New("evaluation timed out, try again later")
)

// run waits for a slot and evaluates.
func (s *Server) run(ctx context.Context, raw []byte, expected string) (*evaluation.Result, error) {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		observe.Logger(ctx).Warn("server: no evaluation slot", "err", err)
		return nil, errBusy
	}
	defer s.sem.Release(1)
	res := s.eval.Run(ctx, raw, expected)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		observe.Logger(ctx).Warn("server: evaluation exceeded request timeout", "timeout", s.cfg.RequestTimeout)
		return nil, errTimeout
	}
	return res, nil
}

var (
	errMissingInput = errors.New(MsgMissingInput)
	errTooLarge     = errors.New("upload too large")
)

// readForm parses the multipart body and returns the audio part plus the
// first non-empty text field among textFields.
func (s *Server) readForm(w http.ResponseWriter, r *http.Request, textFields ...string) ([]byte, string, error) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		return nil, "", errTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, "", errTooLarge
		}
		slog.Debug("server: bad multipart body", "err", err)
		return nil, "", errMissingInput
	}

	var expected string
	for _, f := range textFields {
		if v := r.FormValue(f); v != "" {
			expected = v
			break
		}
	}

	f, _, err := r.FormFile("audio")
	if err != nil || expected == "" {
		return nil, "", errMissingInput
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return raw, expected, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errMissingInput):
		return http.StatusBadRequest
	case errors.Is(err, errBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, errTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(err error) string {
	if errors.Is(err, errMissingInput) {
		return MsgMissingInput
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: encode response", "err", err)
	}
}
