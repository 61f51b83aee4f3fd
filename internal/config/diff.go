package config

import "reflect"

// ConfigDiff describes what changed between two configs.
//
// Tunables (log level, transcription ratios and timeouts, scoring weights,
// feedback thresholds) can be applied to a running service. Everything else
// is listed in RestartRequired and only takes effect after a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	TranscriptionChanged bool
	ScoringChanged       bool
	FeedbackChanged      bool

	// RestartRequired names the top-level sections whose changes cannot be
	// applied live.
	RestartRequired []string
}

// Live reports whether any hot-reloadable tunable changed.
func (d ConfigDiff) Live() bool {
	return d.LogLevelChanged || d.TranscriptionChanged || d.ScoringChanged || d.FeedbackChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TranscriptionChanged = old.Transcription != new.Transcription
	d.ScoringChanged = old.Scoring != new.Scoring
	d.FeedbackChanged = old.Feedback != new.Feedback

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	return d
}
