// Package config provides the configuration schema, loader, and provider registry
// for the pronunciation evaluation service.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/pronounce/internal/feedback"
	"github.com/MrWong99/pronounce/internal/preprocess"
	"github.com/MrWong99/pronounce/internal/resilience"
	"github.com/MrWong99/pronounce/internal/scoring"
	"github.com/MrWong99/pronounce/internal/transcribe"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Scoring       ScoringConfig       `yaml:"scoring"`
	Feedback      feedback.Thresholds `yaml:"feedback"`
	Resilience    ResilienceConfig    `yaml:"resilience"`
}

// ServerConfig holds network, logging and admission settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`

	// MaxUploadBytes caps the multipart request body.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`

	// MaxConcurrent bounds evaluations running at the same time. Requests
	// beyond it wait for a slot until their context ends.
	MaxConcurrent int `yaml:"max_concurrent"`

	// RequestTimeout bounds a whole evaluation request.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which recognizers and phonemizer to use. Each
// entry selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// ASR is the primary recognizer.
	ASR ProviderEntry `yaml:"asr"`

	// FallbackASR lists recognizers tried in order when the primary
	// transcript looks incomplete. Each sits behind its own circuit breaker.
	FallbackASR []ProviderEntry `yaml:"fallback_asr"`

	Phonemizer ProviderEntry `yaml:"phonemizer"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider, or a model file path for
	// local engines.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig tunes the preprocessor.
type AudioConfig struct {
	TargetSampleRate int     `yaml:"target_sample_rate"`
	MinInputBytes    int     `yaml:"min_input_bytes"`
	SilenceThreshold float64 `yaml:"silence_threshold"`
	SilencePadding   int     `yaml:"silence_padding"`
	MinSamples       int     `yaml:"min_samples"`

	// FFmpegPath enables decoding of containers other than WAV and Ogg/Opus.
	// Use "ffmpeg" to resolve it from PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`
}

// Preprocess converts c to a [preprocess.Config].
func (c AudioConfig) Preprocess() preprocess.Config {
	return preprocess.Config{
		MinInputBytes:    c.MinInputBytes,
		TargetSampleRate: c.TargetSampleRate,
		SilenceThreshold: c.SilenceThreshold,
		SilencePadding:   c.SilencePadding,
		MinSamples:       c.MinSamples,
	}
}

// TranscriptionConfig tunes primary/fallback escalation.
type TranscriptionConfig struct {
	PrimaryTimeout       time.Duration `yaml:"primary_timeout"`
	FallbackTimeout      time.Duration `yaml:"fallback_timeout"`
	FallbackTriggerRatio float64       `yaml:"fallback_trigger_ratio"`
	FallbackAdoptRatio   float64       `yaml:"fallback_adopt_ratio"`
}

// Transcribe converts c to a [transcribe.Config].
func (c TranscriptionConfig) Transcribe() transcribe.Config {
	return transcribe.Config(c)
}

// ScoringConfig tunes the scoring engine.
type ScoringConfig struct {
	Weights           WeightsConfig `yaml:"weights"`
	MinPartialWordLen int           `yaml:"min_partial_word_len"`
	PhonemizeTimeout  time.Duration `yaml:"phonemize_timeout"`
}

// WeightsConfig holds the blend factors of the three text signals.
type WeightsConfig struct {
	Sequence  float64 `yaml:"sequence"`
	Word      float64 `yaml:"word"`
	Character float64 `yaml:"character"`
}

// Scoring converts c to a [scoring.Config].
func (c ScoringConfig) Scoring() scoring.Config {
	return scoring.Config{
		Weights:           scoring.Weights(c.Weights),
		MinPartialWordLen: c.MinPartialWordLen,
		PhonemizeTimeout:  c.PhonemizeTimeout,
	}
}

// ResilienceConfig configures the circuit breakers guarding each recognizer.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// Breaker returns a [resilience.CircuitBreakerConfig] named name.
func (c ResilienceConfig) Breaker(name string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Name:         name,
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
		HalfOpenMax:  c.HalfOpenMax,
	}
}

// ApplyDefaults fills every unset tunable with its documented default.
// Provider selections are left alone.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = ":8080"
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}
	if s.MaxUploadBytes == 0 {
		s.MaxUploadBytes = 10 << 20
	}
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = 4
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 2 * time.Minute
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 15 * time.Second
	}

	pd := preprocess.DefaultConfig()
	a := &cfg.Audio
	if a.TargetSampleRate == 0 {
		a.TargetSampleRate = pd.TargetSampleRate
	}
	if a.MinInputBytes == 0 {
		a.MinInputBytes = pd.MinInputBytes
	}
	if a.SilenceThreshold == 0 {
		a.SilenceThreshold = pd.SilenceThreshold
	}
	if a.SilencePadding == 0 {
		a.SilencePadding = pd.SilencePadding
	}
	if a.MinSamples == 0 {
		a.MinSamples = pd.MinSamples
	}

	td := transcribe.DefaultConfig()
	tc := &cfg.Transcription
	if tc.PrimaryTimeout == 0 {
		tc.PrimaryTimeout = td.PrimaryTimeout
	}
	if tc.FallbackTimeout == 0 {
		tc.FallbackTimeout = td.FallbackTimeout
	}
	if tc.FallbackTriggerRatio == 0 {
		tc.FallbackTriggerRatio = td.FallbackTriggerRatio
	}
	if tc.FallbackAdoptRatio == 0 {
		tc.FallbackAdoptRatio = td.FallbackAdoptRatio
	}

	sd := scoring.DefaultConfig()
	if cfg.Scoring.Weights == (WeightsConfig{}) {
		cfg.Scoring.Weights = WeightsConfig(sd.Weights)
	}
	if cfg.Scoring.PhonemizeTimeout == 0 {
		cfg.Scoring.PhonemizeTimeout = sd.PhonemizeTimeout
	}

	if cfg.Feedback == (feedback.Thresholds{}) {
		cfg.Feedback = feedback.DefaultThresholds()
	}

	r := &cfg.Resilience
	if r.MaxFailures == 0 {
		r.MaxFailures = 5
	}
	if r.ResetTimeout == 0 {
		r.ResetTimeout = 30 * time.Second
	}
	if r.HalfOpenMax == 0 {
		r.HalfOpenMax = 3
	}
}
