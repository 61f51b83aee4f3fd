package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/pronounce/pkg/audio"
	asrmock "github.com/MrWong99/pronounce/pkg/provider/asr/mock"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (s *stubProvider) call() (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.name, nil
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{name: "primary"}
	secondary := &stubProvider{name: "secondary"}
	fg := NewFallbackGroup(primary, "primary", FallbackConfig{})
	fg.AddFallback("secondary", secondary)

	got, served, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, p *stubProvider) (string, error) {
		return p.call()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "primary" || served != "primary" {
		t.Errorf("got %q from %q, want primary/primary", got, served)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times, want 0", secondary.calls)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()

	var failedOver []string
	primary := &stubProvider{name: "primary", err: errTest}
	secondary := &stubProvider{name: "secondary"}
	fg := NewFallbackGroup(primary, "primary", FallbackConfig{
		OnFailover: func(served string) { failedOver = append(failedOver, served) },
	})
	fg.AddFallback("secondary", secondary)

	got, served, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, p *stubProvider) (string, error) {
		return p.call()
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary" || served != "secondary" {
		t.Errorf("got %q from %q, want secondary/secondary", got, served)
	}
	if len(failedOver) != 1 || failedOver[0] != "secondary" {
		t.Errorf("OnFailover calls = %v, want [secondary]", failedOver)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(&stubProvider{err: errors.New("boom-a")}, "a", FallbackConfig{})
	fg.AddFallback("b", &stubProvider{err: errors.New("boom-b")})

	err := fg.Execute(context.Background(), func(_ context.Context, p *stubProvider) error {
		_, err := p.call()
		return err
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	for _, part := range []string{"a: boom-a", "b: boom-b"} {
		if !strings.Contains(err.Error(), part) {
			t.Errorf("error %q missing %q", err, part)
		}
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()

	primary := &stubProvider{name: "primary", err: errTest}
	secondary := &stubProvider{name: "secondary"}
	fg := NewFallbackGroup(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", secondary)

	call := func(_ context.Context, p *stubProvider) (string, error) { return p.call() }
	for range 4 {
		if _, _, err := ExecuteWithResult(context.Background(), fg, call); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if primary.calls != 2 {
		t.Errorf("primary called %d times, want 2 before the breaker opened", primary.calls)
	}
	if fg.Breaker("primary").State() != StateOpen {
		t.Errorf("primary breaker = %v, want open", fg.Breaker("primary").State())
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker for unknown name should be nil")
	}
}

func TestFallbackGroup_CancelledContextStops(t *testing.T) {
	t.Parallel()

	secondary := &stubProvider{name: "secondary"}
	fg := NewFallbackGroup(&stubProvider{}, "primary", FallbackConfig{})
	fg.AddFallback("secondary", secondary)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, p *stubProvider) (string, error) {
		cancel()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary called %d times after cancellation", secondary.calls)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()

	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)
	fg.AddFallback("three", 3)
	if got := strings.Join(fg.Names(), ","); got != "one,two,three" {
		t.Errorf("Names = %q, want one,two,three", got)
	}
}

func TestASRFallback_Transcribe(t *testing.T) {
	t.Parallel()

	primary := &asrmock.Provider{ProviderName: "deepgram/nova-3", Err: errTest}
	secondary := &asrmock.Provider{ProviderName: "openai/whisper-1", Text: "hello world"}

	fb := NewASRFallback(primary, "deepgram", FallbackConfig{})
	fb.AddFallback("openai", secondary)

	w := audio.Waveform{Samples: make([]float32, 1600), SampleRate: 16000}
	text, err := fb.Transcribe(context.Background(), w)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want hello world", text)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls primary=%d secondary=%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
	if fb.Name() != "deepgram|openai" {
		t.Errorf("Name = %q, want deepgram|openai", fb.Name())
	}
	if fb.Breaker("deepgram") == nil {
		t.Error("Breaker(deepgram) = nil")
	}
}

func TestGuard_FailsFastWhenOpen(t *testing.T) {
	t.Parallel()

	p := &asrmock.Provider{ProviderName: "whisper", Err: errTest}
	g := NewGuard(p, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})
	w := audio.Waveform{Samples: make([]float32, 160), SampleRate: 16000}

	for range 2 {
		if _, err := g.Transcribe(context.Background(), w); !errors.Is(err, errTest) {
			t.Fatalf("err = %v, want errTest", err)
		}
	}
	if _, err := g.Transcribe(context.Background(), w); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if p.CallCount() != 2 {
		t.Errorf("provider called %d times, want 2", p.CallCount())
	}
	if g.Name() != "whisper" || g.Breaker().Name() != "whisper" {
		t.Errorf("Name = %q breaker = %q, want whisper", g.Name(), g.Breaker().Name())
	}
}

func TestASRFallback_TranscribeEachGivesEveryBackendItsOwnBudget(t *testing.T) {
	t.Parallel()

	slow := &asrmock.Provider{ProviderName: "deepgram", Text: "too late", Delay: time.Second}
	stalled := &asrmock.Provider{ProviderName: "whisper", Text: "too late", Delay: time.Second}
	fast := &asrmock.Provider{ProviderName: "openai", Text: "hello world", Delay: 10 * time.Millisecond}

	fb := NewASRFallback(slow, "deepgram", FallbackConfig{})
	fb.AddFallback("whisper", stalled)
	fb.AddFallback("openai", fast)

	w := audio.Waveform{Samples: make([]float32, 1600), SampleRate: 16000}
	text, err := fb.TranscribeEach(context.Background(), w, 40*time.Millisecond)
	if err != nil {
		t.Fatalf("TranscribeEach: %v", err)
	}
	if text != "hello world" {
		t.Errorf("text = %q, want the last backend's transcript", text)
	}
	for _, p := range []*asrmock.Provider{slow, stalled, fast} {
		if p.CallCount() != 1 {
			t.Errorf("%s called %d times, want 1", p.Name(), p.CallCount())
		}
	}
}

func TestExecuteEach_ParentCancellationStops(t *testing.T) {
	t.Parallel()

	first := &stubProvider{name: "a", err: errTest}
	second := &stubProvider{name: "b"}
	fg := NewFallbackGroup(first, "a", FallbackConfig{})
	fg.AddFallback("b", second)

	ctx, cancel := context.WithCancel(context.Background())
	_, _, err := ExecuteEach(ctx, fg, time.Second, func(_ context.Context, p *stubProvider) (string, error) {
		cancel()
		return p.call()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if second.calls != 0 {
		t.Errorf("second entry called %d times after cancellation, want 0", second.calls)
	}
}
