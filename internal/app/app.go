// Package app wires the evaluation subsystems into a running service.
//
// The App struct owns the full lifecycle: New builds the pipeline from the
// configured providers, Run serves HTTP until the context ends, and Shutdown
// releases provider resources in order.
//
// For testing, pass mock providers in [Providers] and inject metrics via
// [WithMetrics]. [App.Serve] accepts a prepared listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/pronounce/internal/config"
	"github.com/MrWong99/pronounce/internal/evaluation"
	"github.com/MrWong99/pronounce/internal/feedback"
	"github.com/MrWong99/pronounce/internal/health"
	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/internal/preprocess"
	"github.com/MrWong99/pronounce/internal/resilience"
	"github.com/MrWong99/pronounce/internal/scoring"
	"github.com/MrWong99/pronounce/internal/server"
	"github.com/MrWong99/pronounce/internal/transcribe"
	"github.com/MrWong99/pronounce/pkg/audio"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
)

// NamedASR is a recognizer plus the label used for its breaker, health
// check and metrics.
type NamedASR struct {
	Name     string
	Provider asr.Provider
}

// Providers holds the instantiated backends. Populated by main.go via the
// config registry.
type Providers struct {
	// ASR is the primary recognizer. Required.
	ASR NamedASR

	// FallbackASR is tried in order when the primary transcript looks
	// incomplete.
	FallbackASR []NamedASR

	// Phonemizer is optional; without it phoneme lists stay empty.
	Phonemizer     phonemizer.Provider
	PhonemizerName string
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems, initialised in New.
	preprocessor *preprocess.Preprocessor
	orchestrator *transcribe.Orchestrator
	scorer       *scoring.Engine
	classifier   *feedback.Classifier
	pipeline     *evaluation.Pipeline
	health       *health.Handler
	server       *server.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the level of the running logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already
// have defaults applied.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.ASR.Provider == nil {
		return nil, errors.New("app: a primary recognizer is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Preprocessor ──────────────────────────────────────────────────
	if err := a.initPreprocess(); err != nil {
		return nil, fmt.Errorf("app: init preprocess: %w", err)
	}

	// ── 2. Recognizers behind breakers ───────────────────────────────────
	checks, err := a.initTranscription()
	if err != nil {
		return nil, fmt.Errorf("app: init transcription: %w", err)
	}

	// ── 3. Scoring + feedback ────────────────────────────────────────────
	phName := providers.PhonemizerName
	if phName == "" {
		phName = "phonemizer"
	}
	a.scorer = scoring.New(providers.Phonemizer, cfg.Scoring.Scoring(), scoring.WithMetrics(a.metrics, phName))
	if providers.Phonemizer != nil {
		checks = append(checks, health.ProviderChecker("phonemizer", providers.Phonemizer))
	}

	a.classifier, err = feedback.New(cfg.Feedback)
	if err != nil {
		return nil, fmt.Errorf("app: init feedback: %w", err)
	}

	// ── 4. Pipeline ──────────────────────────────────────────────────────
	a.pipeline, err = evaluation.NewPipeline(a.preprocessor, a.orchestrator, a.scorer, a.classifier,
		evaluation.WithMetrics(a.metrics),
		evaluation.WithSampleRate(cfg.Audio.TargetSampleRate),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 5. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(checks...)
	srvOpts := []server.Option{server.WithHealth(a.health), server.WithMetrics(a.metrics)}
	if a.metricsHandler != nil {
		srvOpts = append(srvOpts, server.WithMetricsHandler(a.metricsHandler))
	}
	a.server = server.New(a.pipeline, server.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		MaxConcurrent:  cfg.Server.MaxConcurrent,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, srvOpts...)

	// ── 6. Closers ───────────────────────────────────────────────────────
	a.addCloser(providers.ASR.Provider)
	for _, fb := range providers.FallbackASR {
		a.addCloser(fb.Provider)
	}
	a.addCloser(providers.Phonemizer)

	slog.InfoContext(ctx, "app initialised",
		"asr", providers.ASR.Name,
		"fallbacks", len(providers.FallbackASR),
		"phonemizer", providers.PhonemizerName,
		"model_used", a.orchestrator.ModelUsed(),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initPreprocess builds the decoder chain and the preprocessor.
func (a *App) initPreprocess() error {
	var decOpts []audio.DecoderOption
	if path := a.cfg.Audio.FFmpegPath; path != "" {
		ff, err := audio.NewFFmpegDecoder(path)
		if err != nil {
			return err
		}
		decOpts = append(decOpts, audio.WithFFmpeg(ff))
	}
	a.preprocessor = preprocess.New(a.cfg.Audio.Preprocess(),
		preprocess.WithDecoder(audio.NewDecoder(decOpts...)))
	return nil
}

// initTranscription guards every recognizer with a circuit breaker and
// builds the orchestrator. It returns the readiness checks for them.
func (a *App) initTranscription() ([]health.Checker, error) {
	ps := a.providers

	primaryCfg := a.cfg.Resilience.Breaker(ps.ASR.Name)
	primaryCfg.OnStateChange = a.onBreakerChange
	primary := resilience.NewGuard(ps.ASR.Provider, primaryCfg)

	checks := []health.Checker{
		health.ProviderChecker("asr", ps.ASR.Provider),
		health.BreakerChecker("asr_breaker", primary.Breaker()),
	}

	opts := []transcribe.Option{transcribe.WithMetrics(a.metrics)}
	if len(ps.FallbackASR) > 0 {
		fbCfg := resilience.FallbackConfig{
			CircuitBreaker: a.cfg.Resilience.Breaker(""),
			OnFailover: func(served string) {
				slog.Info("fallback recognizer served", "provider", served)
			},
		}
		fbCfg.CircuitBreaker.OnStateChange = a.onBreakerChange

		first := ps.FallbackASR[0]
		group := resilience.NewASRFallback(first.Provider, first.Name, fbCfg)
		for _, fb := range ps.FallbackASR[1:] {
			group.AddFallback(fb.Name, fb.Provider)
		}
		for _, fb := range ps.FallbackASR {
			if b := group.Breaker(fb.Name); b != nil {
				checks = append(checks, health.BreakerChecker("fallback_breaker/"+fb.Name, b))
			}
		}
		opts = append(opts, transcribe.WithFallback(group))
	}

	orch, err := transcribe.New(primary, a.cfg.Transcription.Transcribe(), opts...)
	if err != nil {
		return nil, err
	}
	a.orchestrator = orch
	return checks, nil
}

func (a *App) onBreakerChange(name string, from, to resilience.State) {
	a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	slog.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
}

func (a *App) addCloser(p any) {
	if c, ok := p.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Pipeline returns the evaluation pipeline.
func (a *App) Pipeline() *evaluation.Pipeline { return a.pipeline }

// Handler returns the HTTP handler serving the API, health and metrics.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Evaluate runs one evaluation outside of HTTP.
func (a *App) Evaluate(ctx context.Context, raw []byte, expected string) *evaluation.Result {
	return a.pipeline.Run(ctx, raw, expected)
}

// ─── Live config ─────────────────────────────────────────────────────────────

// ApplyConfig applies the live-tunable differences between old and new.
// Sections that need a restart are logged and otherwise ignored. It is
// meant to be passed to [config.NewWatcher].
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TranscriptionChanged {
		a.orchestrator.SetConfig(new.Transcription.Transcribe())
		slog.Info("transcription settings reloaded")
	}
	if d.ScoringChanged {
		a.scorer.SetConfig(new.Scoring.Scoring())
		slog.Info("scoring settings reloaded")
	}
	if d.FeedbackChanged {
		if err := a.classifier.SetThresholds(new.Feedback); err != nil {
			slog.Error("feedback thresholds rejected", "err", err)
		} else {
			slog.Info("feedback thresholds reloaded")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled, then drains in-flight
// requests within the configured shutdown timeout. A clean stop returns nil.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	<-errCh
	return nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown releases provider resources in init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
