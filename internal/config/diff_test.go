package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/pronounce/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return mustLoad(t, sampleYAML)
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig(t)
	d := config.Diff(cfg, baseConfig(t))
	if d.Live() {
		t.Errorf("expected no live changes, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart-required sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig(t)
	new := baseConfig(t)
	new.Server.LogLevel = config.LogWarn

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogWarn {
		t.Errorf("expected NewLogLevel=warn, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_Tunables(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"transcription ratio", func(c *config.Config) { c.Transcription.FallbackAdoptRatio = 1.5 }, func(d config.ConfigDiff) bool { return d.TranscriptionChanged }},
		{"transcription timeout", func(c *config.Config) { c.Transcription.FallbackTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.TranscriptionChanged }},
		{"scoring weight", func(c *config.Config) { c.Scoring.Weights.Word = 0.4 }, func(d config.ConfigDiff) bool { return d.ScoringChanged }},
		{"partial word length", func(c *config.Config) { c.Scoring.MinPartialWordLen = 0 }, func(d config.ConfigDiff) bool { return d.ScoringChanged }},
		{"feedback threshold", func(c *config.Config) { c.Feedback.Good = 0.72 }, func(d config.ConfigDiff) bool { return d.FeedbackChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(t), baseConfig(t)
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) || !d.Live() {
				t.Errorf("change not detected: %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("tunable change should not require restart, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Server.ListenAddr = ":7070"
	new.Providers.FallbackASR[0].Model = "gpt-4o-transcribe"
	new.Audio.MinSamples = 1600
	new.Resilience.MaxFailures = 10

	d := config.Diff(old, new)
	want := []string{"server", "providers", "audio", "resilience"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, want)
	}
	if d.Live() {
		t.Errorf("no live tunable changed, got %+v", d)
	}
}

func TestDiff_ProviderOptions(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(t), baseConfig(t)
	new.Providers.Phonemizer.Options["voice"] = "en-us"

	d := config.Diff(old, new)
	if !slices.Contains(d.RestartRequired, "providers") {
		t.Errorf("option change should require restart, got %v", d.RestartRequired)
	}
}
