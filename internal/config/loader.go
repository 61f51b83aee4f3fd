package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/pronounce/internal/feedback"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":        {"whisper", "whisper-native", "deepgram", "openai"},
	"phonemizer": {"espeak", "metaphone"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	s := cfg.Server
	if s.LogLevel != "" && !s.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", s.LogLevel))
	}
	if s.LogFormat != "" && !s.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", s.LogFormat))
	}
	if s.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", s.MaxUploadBytes))
	}
	if s.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("server.max_concurrent %d must not be negative", s.MaxConcurrent))
	}
	if s.TLS != nil && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	validateProviderName("asr", cfg.Providers.ASR.Name)
	seen := map[string]int{}
	for i, fb := range cfg.Providers.FallbackASR {
		prefix := fmt.Sprintf("providers.fallback_asr[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := fb.Name + "/" + fb.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s %q is a duplicate of providers.fallback_asr[%d]", prefix, key, prev))
		}
		seen[key] = i
		validateProviderName("asr", fb.Name)
	}
	if cfg.Providers.Phonemizer.Name == "" {
		slog.Warn("providers.phonemizer is not configured; phoneme sequences will be empty")
	}
	validateProviderName("phonemizer", cfg.Providers.Phonemizer.Name)

	// Audio
	a := cfg.Audio
	if a.TargetSampleRate < 0 || a.MinInputBytes < 0 || a.SilencePadding < 0 || a.MinSamples < 0 {
		errs = append(errs, errors.New("audio: sizes and rates must not be negative"))
	}
	if a.SilenceThreshold < 0 || a.SilenceThreshold >= 1 {
		errs = append(errs, fmt.Errorf("audio.silence_threshold %.3f is out of range [0, 1)", a.SilenceThreshold))
	}

	// Transcription
	t := cfg.Transcription
	if t.FallbackTriggerRatio < 0 || t.FallbackTriggerRatio > 1 {
		errs = append(errs, fmt.Errorf("transcription.fallback_trigger_ratio %.2f is out of range [0, 1]", t.FallbackTriggerRatio))
	}
	if t.FallbackAdoptRatio < 0 {
		errs = append(errs, fmt.Errorf("transcription.fallback_adopt_ratio %.2f must not be negative", t.FallbackAdoptRatio))
	}
	if t.PrimaryTimeout < 0 || t.FallbackTimeout < 0 {
		errs = append(errs, errors.New("transcription: timeouts must not be negative"))
	}

	// Scoring
	w := cfg.Scoring.Weights
	if w.Sequence < 0 || w.Word < 0 || w.Character < 0 {
		errs = append(errs, errors.New("scoring.weights must not be negative"))
	} else if sum := w.Sequence + w.Word + w.Character; sum > 0 && (sum < 0.99 || sum > 1.01) {
		slog.Warn("scoring weights do not sum to 1; scores may leave [0, 1] and will be clamped", "sum", sum)
	}
	if cfg.Scoring.MinPartialWordLen < 0 {
		errs = append(errs, fmt.Errorf("scoring.min_partial_word_len %d must not be negative", cfg.Scoring.MinPartialWordLen))
	}

	// Feedback
	if cfg.Feedback != (feedback.Thresholds{}) {
		if err := cfg.Feedback.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.ResetTimeout < 0 {
		errs = append(errs, errors.New("resilience: values must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a custom registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
