package preprocess_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/MrWong99/pronounce/internal/preprocess"
	"github.com/MrWong99/pronounce/pkg/audio"
)

// tone returns n samples of a 440 Hz sine at the given amplitude and rate.
func tone(n, rate int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func wavBytes(t *testing.T, samples []float32, rate int) []byte {
	t.Helper()
	b, err := audio.EncodeWAV(samples, rate)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	return b
}

// padded surrounds a tone with silence.
func padded(silence, voiced, rate int, amp float64) []float32 {
	out := make([]float32, 0, 2*silence+voiced)
	out = append(out, make([]float32, silence)...)
	out = append(out, tone(voiced, rate, amp)...)
	out = append(out, make([]float32, silence)...)
	return out
}

func TestPrepare_NoAudio(t *testing.T) {
	t.Parallel()

	p := preprocess.New(preprocess.Config{})
	for _, in := range [][]byte{nil, {}, make([]byte, 99)} {
		_, err := p.Prepare(context.Background(), in)
		if !errors.Is(err, preprocess.ErrNoAudio) {
			t.Errorf("len %d: err = %v, want ErrNoAudio", len(in), err)
		}
	}
}

func TestPrepare_DecodeError(t *testing.T) {
	t.Parallel()

	junk := make([]byte, 4096)
	for i := range junk {
		junk[i] = byte(i * 7)
	}
	_, err := preprocess.New(preprocess.Config{}).Prepare(context.Background(), junk)
	if !errors.Is(err, preprocess.ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
	var de *preprocess.DecodeError
	if !errors.As(err, &de) || de.Err == nil {
		t.Fatalf("err = %v, want *DecodeError with cause", err)
	}
}

func TestPrepare_TrimsAndNormalizes(t *testing.T) {
	t.Parallel()

	const rate = 16000
	in := padded(8000, 4000, rate, 0.25)

	w, err := preprocess.New(preprocess.Config{}).Prepare(context.Background(), wavBytes(t, in, rate))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if w.SampleRate != rate {
		t.Errorf("SampleRate = %d, want %d", w.SampleRate, rate)
	}
	// Voiced region plus at most 500 samples of padding on each side.
	if w.Len() < 4000 || w.Len() > 5000 {
		t.Errorf("Len = %d, want within [4000, 5000]", w.Len())
	}
	peak := audio.Peak(w.Samples)
	if peak < 0.99 || peak > 1.0 {
		t.Errorf("peak = %v, want ~1.0", peak)
	}
}

func TestPrepare_ResamplesAndDownmixes(t *testing.T) {
	t.Parallel()

	const rate = 44100
	mono := tone(rate/2, rate, 0.5)
	stereo := make([]float32, 0, 2*len(mono))
	for _, s := range mono {
		stereo = append(stereo, s, s)
	}
	raw := stereoWAV(t, stereo, rate)

	w, err := preprocess.New(preprocess.Config{}).Prepare(context.Background(), raw)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if w.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", w.SampleRate)
	}
	if w.Len() < 6000 || w.Len() > 8000 {
		t.Errorf("Len = %d, want about 8000 (0.5 s at 16 kHz)", w.Len())
	}
}

func TestPrepare_TooShort(t *testing.T) {
	t.Parallel()

	const rate = 16000
	// 40 ms of audio: 640 samples < 800.
	in := tone(640, rate, 0.5)
	_, err := preprocess.New(preprocess.Config{}).Prepare(context.Background(), wavBytes(t, in, rate))
	if !errors.Is(err, preprocess.ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
	var ts *preprocess.TooShortError
	if !errors.As(err, &ts) || ts.Samples != 640 || ts.Min != 800 {
		t.Fatalf("err = %#v, want TooShortError{640, 800}", err)
	}
}

func TestPrepare_AllSilenceUnchanged(t *testing.T) {
	t.Parallel()

	const rate = 16000
	in := make([]float32, 2000)
	w, err := preprocess.New(preprocess.Config{}).Prepare(context.Background(), wavBytes(t, in, rate))
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if w.Len() != 2000 {
		t.Errorf("Len = %d, want 2000 (silent input is not trimmed)", w.Len())
	}
	if audio.Peak(w.Samples) != 0 {
		t.Errorf("peak = %v, want 0", audio.Peak(w.Samples))
	}
}

func TestPrepare_ArtifactSink(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		stages []string
	)
	sink := func(_ context.Context, stage string, _ audio.Waveform) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	}
	p := preprocess.New(preprocess.Config{}, preprocess.WithArtifactSink(sink))
	if _, err := p.Prepare(context.Background(), wavBytes(t, tone(4000, 16000, 0.5), 16000)); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(stages) != 2 || stages[0] != "decoded" || stages[1] != "prepared" {
		t.Errorf("stages = %v, want [decoded prepared]", stages)
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	got := preprocess.New(preprocess.Config{}).Config()
	if got != preprocess.DefaultConfig() {
		t.Errorf("Config = %+v, want %+v", got, preprocess.DefaultConfig())
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	s := []float32{0.1, -0.5, 0.25}
	preprocess.Normalize(s)
	if math.Abs(float64(s[1])+1) > 1e-6 {
		t.Errorf("s[1] = %v, want ~-1", s[1])
	}
	if math.Abs(float64(s[0])-0.2) > 1e-6 {
		t.Errorf("s[0] = %v, want ~0.2", s[0])
	}

	zero := []float32{0, 0, 0}
	preprocess.Normalize(zero)
	for i, v := range zero {
		if v != 0 {
			t.Errorf("zero[%d] = %v, want 0", i, v)
		}
	}
}

func TestTrimSilence(t *testing.T) {
	t.Parallel()

	signal := func(n int, hot ...int) []float32 {
		s := make([]float32, n)
		for _, i := range hot {
			s[i] = 0.5
		}
		return s
	}

	tests := []struct {
		name    string
		in      []float32
		padding int
		wantLen int
	}{
		{"no sound", signal(100), 10, 100},
		{"middle", signal(100, 40, 60), 10, 40},
		{"clamped start", signal(100, 3, 60), 10, 70},
		{"clamped end", signal(100, 40, 98), 10, 70},
		{"end exclusive", signal(100, 50), 0, 1},
		{"threshold is strict", []float32{0, 0.02, 0.02, 0}, 1, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := preprocess.TrimSilence(tt.in, 0.02, tt.padding)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestTrimSilence_Idempotent(t *testing.T) {
	t.Parallel()

	in := padded(3000, 2000, 16000, 0.5)
	once := preprocess.TrimSilence(in, 0.02, 500)
	twice := preprocess.TrimSilence(once, 0.02, 500)
	if len(once) != len(twice) {
		t.Fatalf("len once = %d, twice = %d", len(once), len(twice))
	}
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("sample %d differs: %v vs %v", i, once[i], twice[i])
		}
	}
}

// stereoWAV builds a 16-bit two-channel WAV from interleaved samples.
func stereoWAV(t *testing.T, interleaved []float32, rate int) []byte {
	t.Helper()
	pcm := audio.Float32ToPCM16(interleaved)
	b := make([]byte, 0, 44+len(pcm))
	le32 := func(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }
	le16 := func(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
	b = append(b, "RIFF"...)
	b = append(b, le32(uint32(36+len(pcm)))...)
	b = append(b, "WAVEfmt "...)
	b = append(b, le32(16)...)
	b = append(b, le16(1)...)
	b = append(b, le16(2)...)
	b = append(b, le32(uint32(rate))...)
	b = append(b, le32(uint32(rate*4))...)
	b = append(b, le16(4)...)
	b = append(b, le16(16)...)
	b = append(b, "data"...)
	b = append(b, le32(uint32(len(pcm)))...)
	b = append(b, pcm...)
	return b
}
