package app

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/pronounce/internal/config"
	"github.com/MrWong99/pronounce/internal/feedback"
	"github.com/MrWong99/pronounce/internal/observe"
	"github.com/MrWong99/pronounce/pkg/audio"
	asrmock "github.com/MrWong99/pronounce/pkg/provider/asr/mock"
	phmock "github.com/MrWong99/pronounce/pkg/provider/phonemizer/mock"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
  shutdown_timeout: 2s
providers:
  asr:
    name: whisper
  fallback_asr:
    - name: openai
resilience:
  max_failures: 1
  reset_timeout: 1h
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// closingASR counts Close calls.
type closingASR struct {
	asrmock.Provider
	closed atomic.Int32
}

func (c *closingASR) Close() error {
	c.closed.Add(1)
	return nil
}

type testProviders struct {
	primary  *closingASR
	fallback *asrmock.Provider
	ph       *phmock.Provider
}

func (tp *testProviders) providers() *Providers {
	return &Providers{
		ASR:            NamedASR{Name: "whisper", Provider: tp.primary},
		FallbackASR:    []NamedASR{{Name: "openai", Provider: tp.fallback}},
		Phonemizer:     tp.ph,
		PhonemizerName: "metaphone",
	}
}

func newTestApp(t *testing.T, opts ...Option) (*App, *testProviders) {
	t.Helper()
	tp := &testProviders{
		primary:  &closingASR{Provider: asrmock.Provider{ProviderName: "whisper"}},
		fallback: &asrmock.Provider{ProviderName: "openai"},
		ph:       &phmock.Provider{},
	}
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	a, err := New(context.Background(), testConfig(t), tp.providers(), opts...)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return a, tp
}

// speech returns a WAV with one second of tone.
func speech(t *testing.T) []byte {
	t.Helper()
	const rate = 16000
	samples := make([]float32, rate)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	b, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return b
}

func TestNew_RequiresPrimary(t *testing.T) {
	t.Parallel()
	if _, err := New(context.Background(), testConfig(t), &Providers{}); err == nil {
		t.Error("expected error without a primary recognizer")
	}
	if _, err := New(context.Background(), testConfig(t), nil); err == nil {
		t.Error("expected error for nil providers")
	}
}

func TestNew_BadFFmpegPath(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Audio.FFmpegPath = "/nonexistent/ffmpeg-binary"
	_, err := New(context.Background(), cfg, &Providers{
		ASR: NamedASR{Name: "whisper", Provider: &asrmock.Provider{}},
	}, WithMetrics(testMetrics(t)))
	if err == nil || !strings.Contains(err.Error(), "preprocess") {
		t.Errorf("expected preprocess init error, got %v", err)
	}
}

func TestApp_Evaluate(t *testing.T) {
	t.Parallel()
	a, tp := newTestApp(t)
	tp.primary.Text = "Hello world"

	res := a.Evaluate(context.Background(), speech(t), "Hello world")
	if res.Status != feedback.StatusExcellent || res.Score != 1 {
		t.Errorf("result = %+v", res)
	}
	if got, want := res.DebugInfo.ModelUsed, "whisper with openai fallback"; got != want {
		t.Errorf("model_used = %q, want %q", got, want)
	}
	if tp.fallback.CallCount() != 0 {
		t.Error("complete primary transcript should not escalate")
	}
}

func TestApp_FallbackOnShortTranscript(t *testing.T) {
	t.Parallel()
	a, tp := newTestApp(t)
	tp.primary.Text = "the"
	tp.fallback.Text = "the quick brown fox"

	res := a.Evaluate(context.Background(), speech(t), "The quick brown fox")
	if res.SpokenText != "the quick brown fox" {
		t.Errorf("spoken = %q, want fallback transcript", res.SpokenText)
	}
	if res.DebugInfo.TranscriptionSource != "fallback" {
		t.Errorf("source = %q, want fallback", res.DebugInfo.TranscriptionSource)
	}
}

func TestApp_ReadinessTracksPrimaryBreaker(t *testing.T) {
	t.Parallel()
	a, tp := newTestApp(t)

	get := func() int {
		rec := &recorder{header: http.Header{}}
		req, _ := http.NewRequest(http.MethodGet, "/readyz", nil)
		a.Handler().ServeHTTP(rec, req)
		return rec.code
	}
	if code := get(); code != http.StatusOK {
		t.Fatalf("initial readyz = %d, want 200", code)
	}

	tp.primary.Err = errors.New("server unreachable")
	_ = a.Evaluate(context.Background(), speech(t), "hello")

	if code := get(); code != http.StatusServiceUnavailable {
		t.Errorf("readyz after primary failure = %d, want 503", code)
	}
}

// recorder is a minimal http.ResponseWriter.
type recorder struct {
	header http.Header
	code   int
	body   strings.Builder
}

func (r *recorder) Header() http.Header { return r.header }
func (r *recorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.body.Write(b)
}
func (r *recorder) WriteHeader(code int) { r.code = code }

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	a, _ := newTestApp(t, WithLogLevel(&level))
	old := testConfig(t)
	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Transcription.FallbackAdoptRatio = 1.5
	next.Scoring.Weights.Word = 0.5
	next.Feedback.Excellent = 0.9

	a.ApplyConfig(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", level.Level())
	}
	if got := a.orchestrator.Config().FallbackAdoptRatio; got != 1.5 {
		t.Errorf("adopt ratio = %v, want 1.5", got)
	}
	if got := a.scorer.Config().Weights.Word; got != 0.5 {
		t.Errorf("word weight = %v, want 0.5", got)
	}
	if got := a.classifier.Thresholds().Excellent; got != 0.9 {
		t.Errorf("excellent threshold = %v, want 0.9", got)
	}
}

func TestApp_ApplyConfig_InvalidThresholdsKeepOld(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t)
	old := testConfig(t)
	next := testConfig(t)
	next.Feedback.Good = 0.95 // above excellent

	a.ApplyConfig(old, next)

	if got := a.classifier.Thresholds(); got != feedback.DefaultThresholds() {
		t.Errorf("thresholds = %+v, want defaults kept", got)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	a, tp := newTestApp(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for range 50 {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get(observe.RequestIDHeader) == "" {
		t.Error("responses should carry a request ID")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
	if got := tp.primary.closed.Load(); got != 1 {
		t.Errorf("primary Close calls = %d, want 1", got)
	}
}

func TestApp_ShutdownDeadline(t *testing.T) {
	t.Parallel()
	a, tp := newTestApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Shutdown(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Shutdown() = %v, want context.Canceled", err)
	}
	if got := tp.primary.closed.Load(); got != 0 {
		t.Errorf("closers should be skipped after the deadline, got %d calls", got)
	}
}
