package audio_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/pronounce/pkg/audio"
)

// buildWAV assembles a RIFF/WAVE file from a fmt chunk body and raw data.
func buildWAV(fmtChunk, data []byte, extra ...[]byte) []byte {
	var chunks []byte
	appendChunk := func(id string, body []byte) {
		hdr := make([]byte, 8)
		copy(hdr, id)
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(body)))
		chunks = append(chunks, hdr...)
		chunks = append(chunks, body...)
		if len(body)%2 == 1 {
			chunks = append(chunks, 0)
		}
	}
	appendChunk("fmt ", fmtChunk)
	for _, e := range extra {
		appendChunk("LIST", e)
	}
	appendChunk("data", data)

	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(4+len(chunks)))
	out = append(out, "WAVE"...)
	return append(out, chunks...)
}

func fmtBody(format uint16, channels, rate, bits int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:], format)
	binary.LittleEndian.PutUint16(b[2:], uint16(channels))
	binary.LittleEndian.PutUint32(b[4:], uint32(rate))
	binary.LittleEndian.PutUint32(b[8:], uint32(rate*channels*bits/8))
	binary.LittleEndian.PutUint16(b[12:], uint16(channels*bits/8))
	binary.LittleEndian.PutUint16(b[14:], uint16(bits))
	return b
}

func TestEncodeDecodeWAV_RoundTrip(t *testing.T) {
	t.Parallel()

	in := []float32{0, 0.5, -0.5, 0.25, -1}
	data, err := audio.EncodeWAV(in, 16000)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if len(data) != 44+len(in)*2 {
		t.Fatalf("encoded length = %d, want %d", len(data), 44+len(in)*2)
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Fatalf("format = %dHz/%dch, want 16000Hz/1ch", clip.SampleRate, clip.Channels)
	}
	if len(clip.Samples) != len(in) {
		t.Fatalf("samples = %d, want %d", len(clip.Samples), len(in))
	}
	for i := range in {
		if math.Abs(float64(clip.Samples[i]-in[i])) > 1e-3 {
			t.Errorf("sample %d = %f, want ~%f", i, clip.Samples[i], in[i])
		}
	}
}

func TestEncodeWAV_Errors(t *testing.T) {
	t.Parallel()

	if _, err := audio.EncodeWAV(nil, 16000); err == nil {
		t.Error("expected error for empty samples")
	}
	if _, err := audio.EncodeWAV([]float32{0.1}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDecodeWAV_Formats(t *testing.T) {
	t.Parallel()

	pcm8 := []byte{128, 255, 0}

	pcm24 := []byte{
		0x00, 0x00, 0x40, // +0.5 left
		0x00, 0x00, 0xC0, // -0.5 right
	}

	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:], math.Float32bits(0.75))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-0.25))

	f64 := make([]byte, 8)
	binary.LittleEndian.PutUint64(f64, math.Float64bits(0.125))

	pcm32 := make([]byte, 4)
	binary.LittleEndian.PutUint32(pcm32, uint32(1<<30))

	extensible := make([]byte, 40)
	copy(extensible, fmtBody(0xFFFE, 1, 16000, 16))
	binary.LittleEndian.PutUint16(extensible[16:], 22)
	binary.LittleEndian.PutUint16(extensible[24:], 1)
	pcm16 := make([]byte, 2)
	binary.LittleEndian.PutUint16(pcm16, uint16(16384))

	tests := []struct {
		name     string
		wav      []byte
		rate     int
		channels int
		want     []float32
	}{
		{"8-bit unsigned", buildWAV(fmtBody(1, 1, 8000, 8), pcm8), 8000, 1, []float32{0, 127.0 / 128, -1}},
		{"24-bit stereo", buildWAV(fmtBody(1, 2, 44100, 24), pcm24), 44100, 2, []float32{0.5, -0.5}},
		{"32-bit int", buildWAV(fmtBody(1, 1, 16000, 32), pcm32), 16000, 1, []float32{0.5}},
		{"32-bit float", buildWAV(fmtBody(3, 2, 48000, 32), f32), 48000, 2, []float32{0.75, -0.25}},
		{"64-bit float", buildWAV(fmtBody(3, 1, 22050, 64), f64), 22050, 1, []float32{0.125}},
		{"extensible pcm", buildWAV(extensible, pcm16), 16000, 1, []float32{0.5}},
		{"skips unknown chunk", buildWAV(fmtBody(1, 1, 16000, 16), pcm16, []byte("INFOabc")), 16000, 1, []float32{0.5}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clip, err := audio.DecodeWAV(tc.wav)
			if err != nil {
				t.Fatalf("DecodeWAV: %v", err)
			}
			if clip.SampleRate != tc.rate || clip.Channels != tc.channels {
				t.Fatalf("format = %d/%d, want %d/%d", clip.SampleRate, clip.Channels, tc.rate, tc.channels)
			}
			if len(clip.Samples) != len(tc.want) {
				t.Fatalf("samples = %v, want %v", clip.Samples, tc.want)
			}
			for i := range tc.want {
				if math.Abs(float64(clip.Samples[i]-tc.want[i])) > 1e-6 {
					t.Errorf("sample %d = %f, want %f", i, clip.Samples[i], tc.want[i])
				}
			}
		})
	}
}

func TestDecodeWAV_TruncatedDataChunk(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, 8)
	wav := buildWAV(fmtBody(1, 1, 16000, 16), pcm)
	// Streaming writers put 0xFFFFFFFF in the data size.
	binary.LittleEndian.PutUint32(wav[len(wav)-len(pcm)-4:], 0xFFFFFFFF)

	clip, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if len(clip.Samples) != 4 {
		t.Fatalf("samples = %d, want 4", len(clip.Samples))
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"not riff", []byte("this is definitely not a wav file")},
		{"no fmt", append([]byte("RIFF\x00\x00\x00\x00WAVE"), []byte("data\x02\x00\x00\x00\x01\x02")...)},
		{"no data", buildWAV(fmtBody(1, 1, 16000, 16), nil)[:36]},
		{"zero channels", buildWAV(fmtBody(1, 0, 16000, 16), []byte{0, 0})},
		{"alaw", buildWAV(fmtBody(6, 1, 8000, 8), []byte{1, 2})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := audio.DecodeWAV(tc.data)
			if !errors.Is(err, audio.ErrInvalidWAV) {
				t.Fatalf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
