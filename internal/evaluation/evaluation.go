// Package evaluation runs one pronunciation evaluation end to end:
// preprocess, transcribe, score and classify, in that order.
//
// [Pipeline.Run] never returns an error. Unusable audio produces a result
// with [feedback.StatusError] and a message asking the learner to record
// again; an empty transcription produces [feedback.StatusMispronounced].
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pronounce/internal/feedback"
	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/internal/preprocess"
	"github.com/MrWong99/pronounce/internal/scoring"
	"github.com/MrWong99/pronounce/internal/transcribe"
	"github.com/MrWong99/pronounce/pkg/audio"
)

// User-facing messages for audio that cannot be evaluated.
const (
	MsgNoAudio  = "No audio recorded. Please click the record button and speak clearly."
	MsgTooShort = "Audio recording was too short. Please speak for at least 1-2 seconds."
	MsgDecode   = "Could not read the audio recording. Please record again."
)

// Stage names used for spans, logs and the stage latency histogram.
const (
	StagePreprocess = "preprocess"
	StageTranscribe = "transcribe"
	StageScore      = "score"
	StageClassify   = "classify"
)

// Preprocessor turns raw container bytes into a model-ready waveform.
type Preprocessor interface {
	Prepare(ctx context.Context, raw []byte) (audio.Waveform, error)
}

// Transcriber recognizes speech in a waveform.
type Transcriber interface {
	Transcribe(ctx context.Context, w audio.Waveform, expected string) transcribe.Result
	ModelUsed() string
}

// Scorer compares expected and spoken text.
type Scorer interface {
	Score(ctx context.Context, expected, spoken string) scoring.Result
}

// Classifier grades a score.
type Classifier interface {
	Classify(score float64, expected, spoken string, expectedPhonemes, spokenPhonemes []string) (feedback.Status, string)
}

var (
	_ Preprocessor = (*preprocess.Preprocessor)(nil)
	_ Transcriber  = (*transcribe.Orchestrator)(nil)
	_ Scorer       = (*scoring.Engine)(nil)
	_ Classifier   = (*feedback.Classifier)(nil)
)

// DebugInfo carries diagnostic metadata about the processed audio.
type DebugInfo struct {
	AudioSamples        int    `json:"audio_samples"`
	AudioDuration       string `json:"audio_duration"`
	SampleRate          int    `json:"sample_rate"`
	ModelUsed           string `json:"model_used,omitempty"`
	TranscriptionSource string `json:"transcription_source,omitempty"`
}

// Result is the outcome of one evaluation. Phoneme fields are omitted from
// JSON for error results and are empty arrays otherwise.
type Result struct {
	ID               string          `json:"id,omitempty"`
	ExpectedSentence string          `json:"expected_sentence"`
	SpokenText       string          `json:"spoken_text"`
	Score            float64         `json:"score"`
	Status           feedback.Status `json:"status"`
	ExpectedPhonemes []string        `json:"expected_phonemes,omitzero"`
	SpokenPhonemes   []string        `json:"spoken_phonemes,omitzero"`
	Feedback         string          `json:"feedback"`
	DebugInfo        DebugInfo       `json:"debug_info"`

	// Words is the word-level alignment of expected and spoken text. It is
	// nil for error results.
	Words []scoring.WordFeedback `json:"-"`

	// Err is the input error behind a StatusError result.
	Err error `json:"-"`
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics records stage and evaluation metrics to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithSampleRate sets the rate reported in debug info for inputs that never
// produced a waveform. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Pipeline) { p.sampleRate = rate }
}

// Pipeline wires the four stages together. It holds no per-call state and
// is safe for concurrent use as long as its collaborators are.
type Pipeline struct {
	pre        Preprocessor
	asr        Transcriber
	scorer     Scorer
	classifier Classifier
	metrics    *observe.Metrics
	sampleRate int
	now        func() time.Time
}

// NewPipeline builds a Pipeline. Every collaborator is required.
func NewPipeline(pre Preprocessor, asr Transcriber, scorer Scorer, classifier Classifier, opts ...Option) (*Pipeline, error) {
	var errs []error
	if pre == nil {
		errs = append(errs, errors.New("evaluation: preprocessor is required"))
	}
	if asr == nil {
		errs = append(errs, errors.New("evaluation: transcriber is required"))
	}
	if scorer == nil {
		errs = append(errs, errors.New("evaluation: scorer is required"))
	}
	if classifier == nil {
		errs = append(errs, errors.New("evaluation: classifier is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	p := &Pipeline{
		pre:        pre,
		asr:        asr,
		scorer:     scorer,
		classifier: classifier,
		sampleRate: 16000,
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Run evaluates raw audio against expected. The returned result is never
// nil and is not modified afterwards.
func (p *Pipeline) Run(ctx context.Context, raw []byte, expected string) *Result {
	start := p.now()
	ctx, span := observe.StartSpan(ctx, "evaluation",
		trace.WithAttributes(attribute.Int("audio.bytes", len(raw))))
	defer span.End()

	if p.metrics != nil {
		p.metrics.InFlight.Add(ctx, 1)
		defer p.metrics.InFlight.Add(ctx, -1)
	}

	res := p.run(ctx, raw, expected)
	res.ID = observe.RequestID(ctx)

	span.SetAttributes(
		attribute.String("evaluation.status", string(res.Status)),
		attribute.Float64("evaluation.score", res.Score))
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	elapsed := p.now().Sub(start)
	if p.metrics != nil {
		p.metrics.RecordEvaluation(ctx, string(res.Status), elapsed)
	}
	observe.Logger(ctx).Info("evaluation: finished",
		"status", res.Status,
		"score", res.Score,
		"source", res.DebugInfo.TranscriptionSource,
		"duration", elapsed)
	return res
}

func (p *Pipeline) run(ctx context.Context, raw []byte, expected string) *Result {
	log := observe.Logger(ctx)

	var w audio.Waveform
	var err error
	p.stage(ctx, StagePreprocess, func(ctx context.Context) {
		w, err = p.pre.Prepare(ctx, raw)
	})
	if err != nil {
		log.Warn("evaluation: audio rejected", "err", err)
		return p.inputError(expected, err)
	}
	log.Debug("evaluation: preprocess done", "samples", w.Len(), "sample_rate", w.SampleRate)

	debug := DebugInfo{
		AudioSamples:  w.Len(),
		AudioDuration: fmt.Sprintf("%.2fs", w.Seconds()),
		SampleRate:    w.SampleRate,
		ModelUsed:     p.asr.ModelUsed(),
	}

	var tr transcribe.Result
	p.stage(ctx, StageTranscribe, func(ctx context.Context) {
		tr = p.asr.Transcribe(ctx, w, expected)
	})
	debug.TranscriptionSource = string(tr.Source)
	log.Debug("evaluation: transcribed", "text", tr.Text, "source", tr.Source, "primary_err", tr.Primary.Err)

	if tr.Text == "" {
		return &Result{
			ExpectedSentence: expected,
			Score:            0,
			Status:           feedback.StatusMispronounced,
			ExpectedPhonemes: []string{},
			SpokenPhonemes:   []string{},
			Feedback:         feedback.Unintelligible(expected),
			DebugInfo:        debug,
			Words:            scoring.AlignWords(expected, ""),
		}
	}

	var sc scoring.Result
	p.stage(ctx, StageScore, func(ctx context.Context) {
		sc = p.scorer.Score(ctx, expected, tr.Text)
	})
	log.Debug("evaluation: scored", "score", sc.Score, "blended", sc.Signals.Blended)

	res := &Result{
		ExpectedSentence: expected,
		SpokenText:       tr.Text,
		Score:            sc.Score,
		ExpectedPhonemes: nonNil(sc.ExpectedPhonemes),
		SpokenPhonemes:   nonNil(sc.SpokenPhonemes),
		DebugInfo:        debug,
	}
	p.stage(ctx, StageClassify, func(context.Context) {
		res.Status, res.Feedback = p.classifier.Classify(sc.Score, expected, tr.Text, res.ExpectedPhonemes, res.SpokenPhonemes)
		res.Words = scoring.AlignWords(expected, tr.Text)
	})
	log.Debug("evaluation: classified", "status", res.Status)
	return res
}

// stage runs fn inside a span and records its latency.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := observe.StartSpan(ctx, name)
	defer span.End()
	start := p.now()
	fn(ctx)
	if p.metrics != nil {
		p.metrics.RecordStage(ctx, name, p.now().Sub(start))
	}
}

func (p *Pipeline) inputError(expected string, err error) *Result {
	msg := MsgDecode
	switch {
	case errors.Is(err, preprocess.ErrNoAudio):
		msg = MsgNoAudio
	case errors.Is(err, preprocess.ErrTooShort):
		msg = MsgTooShort
	}
	debug := DebugInfo{AudioDuration: "0.00s", SampleRate: p.sampleRate}
	// A clip rejected after trimming still reports what survived.
	var short *preprocess.TooShortError
	if errors.As(err, &short) {
		debug.AudioSamples = short.Samples
		if p.sampleRate > 0 {
			debug.AudioDuration = fmt.Sprintf("%.2fs", float64(short.Samples)/float64(p.sampleRate))
		}
	}
	return &Result{
		ExpectedSentence: expected,
		Status:           feedback.StatusError,
		Feedback:         msg,
		DebugInfo:        debug,
		Err:              err,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
