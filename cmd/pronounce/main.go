// Command pronounce is the entry point for the pronunciation evaluation
// service.
//
// Usage:
//
//	pronounce serve    [--config config.yaml]
//	pronounce evaluate [--config config.yaml] --audio recording.wav --text "Hello world"
//	pronounce version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MrWong99/pronounce/internal/app"
	"github.com/MrWong99/pronounce/internal/config"
	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/pkg/provider/asr"
	"github.com/MrWong99/pronounce/pkg/provider/asr/deepgram"
	oaasr "github.com/MrWong99/pronounce/pkg/provider/asr/openai"
	"github.com/MrWong99/pronounce/pkg/provider/asr/whisper"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer/espeak"
	"github.com/MrWong99/pronounce/pkg/provider/phonemizer/metaphone"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(os.Stdout)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pronounce: %v\n", err)
		return 1
	}
	return 0
}

// ── Commands ──────────────────────────────────────────────────────────────────

func newRootCmd(out io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pronounce",
		Short:         "Pronunciation evaluation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath),
		newEvaluateCmd(&configPath, out),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(out, "pronounce", version)
			},
		},
	)
	root.SetOut(out)
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP evaluation server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), *configPath)
		},
	}
}

func newEvaluateCmd(configPath *string, out io.Writer) *cobra.Command {
	var audioPath, text string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one recording and print the result as JSON",
		Long: `Evaluate one recording against the expected text and print the
evaluation as JSON. The exit code is 0 even for unusable recordings; the
result status is "error" in that case.

Example:
  pronounce evaluate -c config.yaml --audio hello.wav --text "Hello world"`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return evaluate(cmd.Context(), *configPath, audioPath, text, out)
		},
	}
	cmd.Flags().StringVar(&audioPath, "audio", "", "path to the recording (WAV, Ogg/Opus, or anything ffmpeg decodes)")
	cmd.Flags().StringVar(&text, "text", "", "the sentence the speaker was asked to say")
	_ = cmd.MarkFlagRequired("audio")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serve(ctx context.Context, configPath string) error {
	var (
		level   slog.LevelVar
		running atomic.Pointer[app.App]
	)

	watcher, err := config.NewWatcher(configPath, func(old, new *config.Config) {
		if a := running.Load(); a != nil {
			a.ApplyConfig(old, new)
		}
	})
	if err != nil {
		return configError(configPath, err)
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level, cfg.Server.LogFormat))

	slog.Info("pronounce starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "pronounce",
		ServiceVersion: version,
		Registry:       reg,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	registry := config.NewRegistry()
	registerBuiltinProviders(registry)

	providers, err := buildProviders(cfg, registry)
	if err != nil {
		return err
	}

	printStartupSummary(os.Stdout, cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetricsHandler(observe.MetricsHandler(reg)),
		app.WithLogLevel(&level),
	)
	if err != nil {
		return err
	}
	running.Store(application)

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := application.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
	}
	if runErr != nil {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── evaluate ──────────────────────────────────────────────────────────────────

func evaluate(ctx context.Context, configPath, audioPath, text string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return configError(configPath, err)
	}

	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level, cfg.Server.LogFormat))

	raw, err := os.ReadFile(audioPath)
	if err != nil {
		return fmt.Errorf("read audio: %w", err)
	}

	registry := config.NewRegistry()
	registerBuiltinProviders(registry)
	providers, err := buildProviders(cfg, registry)
	if err != nil {
		return err
	}

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = application.Shutdown(sctx)
	}()

	res := application.Evaluate(ctx, raw, text)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func configError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry) (asr.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n := optInt(entry.Options, "max_concurrent"); n > 0 {
			opts = append(opts, whisper.WithNativeMaxConcurrent(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterASR("openai", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []oaasr.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaasr.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaasr.WithOrganization(org))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaasr.WithLanguage(lang))
		}
		if prompt := optString(entry.Options, "prompt"); prompt != "" {
			opts = append(opts, oaasr.WithPrompt(prompt))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaasr.WithTimeout(d))
		}
		return oaasr.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Phonemizer ────────────────────────────────────────────────────────────

	reg.RegisterPhonemizer("espeak", func(entry config.ProviderEntry) (phonemizer.Provider, error) {
		var opts []espeak.Option
		if bin := optString(entry.Options, "binary"); bin != "" {
			opts = append(opts, espeak.WithBinary(bin))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, espeak.WithVoice(voice))
		}
		if v, ok := entry.Options["stress"].(bool); ok {
			opts = append(opts, espeak.WithStress(v))
		}
		return espeak.New(opts...)
	})

	reg.RegisterPhonemizer("metaphone", func(entry config.ProviderEntry) (phonemizer.Provider, error) {
		var opts []metaphone.Option
		if v, ok := entry.Options["alternate"].(bool); ok {
			opts = append(opts, metaphone.WithAlternate(v))
		}
		return metaphone.New(opts...), nil
	})

	for _, kind := range []string{"asr", "phonemizer"} {
		for _, name := range reg.Names(kind) {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	p, err := reg.CreateASR(cfg.Providers.ASR)
	if err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.Providers.ASR.Name, err)
	}
	ps.ASR = app.NamedASR{Name: providerLabel(cfg.Providers.ASR), Provider: p}
	slog.Info("provider created", "kind", "asr", "name", ps.ASR.Name)

	for _, entry := range cfg.Providers.FallbackASR {
		p, err := reg.CreateASR(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("fallback provider not registered, skipping", "name", entry.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create fallback asr provider %q: %w", entry.Name, err)
		}
		fb := app.NamedASR{Name: providerLabel(entry), Provider: p}
		ps.FallbackASR = append(ps.FallbackASR, fb)
		slog.Info("provider created", "kind", "fallback_asr", "name", fb.Name)
	}

	if name := cfg.Providers.Phonemizer.Name; name != "" {
		p, err := reg.CreatePhonemizer(cfg.Providers.Phonemizer)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("phonemizer not registered, phoneme comparison disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create phonemizer %q: %w", name, err)
		} else {
			ps.Phonemizer = p
			ps.PhonemizerName = name
			slog.Info("provider created", "kind", "phonemizer", "name", name)
		}
	}

	return ps, nil
}

// providerLabel names a recognizer for breakers, metrics and model_used.
func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	model := e.Model
	if i := strings.LastIndexAny(model, `/\`); i >= 0 {
		model = model[i+1:]
	}
	return e.Name + "/" + model
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        pronounce: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	for i, fb := range cfg.Providers.FallbackASR {
		printProvider(w, fmt.Sprintf("Fallback %d", i+1), fb.Name, fb.Model)
	}
	printProvider(w, "Phonemizer", cfg.Providers.Phonemizer.Name, "")
	fmt.Fprintf(w, "║  Max parallel    : %-19d ║\n", cfg.Server.MaxConcurrent)
	if cfg.Audio.FFmpegPath != "" {
		fmt.Fprintf(w, "║  ffmpeg          : %-19s ║\n", "enabled")
	} else {
		fmt.Fprintf(w, "║  ffmpeg          : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level *slog.LevelVar, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer option. YAML decodes plain numbers as int.
// optDuration accepts a Go duration string ("20s") or a number of seconds.
func optDuration(opts map[string]any, key string) time.Duration {
	switch v := opts[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("ignoring invalid duration option", "key", key, "value", v, "err", err)
			return 0
		}
		return d
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
