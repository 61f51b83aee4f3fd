package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// Container identifies the container format of an encoded recording.
type Container int

const (
	// ContainerUnknown is any format not recognised by magic bytes.
	ContainerUnknown Container = iota

	// ContainerWAV is RIFF/WAVE.
	ContainerWAV

	// ContainerOgg is an Ogg bitstream (Opus or Vorbis).
	ContainerOgg

	// ContainerWebM is Matroska/WebM (EBML magic).
	ContainerWebM
)

// String returns the lower-case name of the container.
func (c Container) String() string {
	switch c {
	case ContainerWAV:
		return "wav"
	case ContainerOgg:
		return "ogg"
	case ContainerWebM:
		return "webm"
	default:
		return "unknown"
	}
}

// ErrUnsupportedContainer is returned when no decoder can handle the data.
var ErrUnsupportedContainer = errors.New("audio: unsupported container")

var ebmlMagic = []byte{0x1A, 0x45, 0xDF, 0xA3}

// DetectContainer sniffs the leading magic bytes of data.
func DetectContainer(data []byte) Container {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return ContainerWAV
	case bytes.HasPrefix(data, []byte("OggS")):
		return ContainerOgg
	case bytes.HasPrefix(data, ebmlMagic):
		return ContainerWebM
	default:
		return ContainerUnknown
	}
}

// Decoder dispatches encoded recordings to the matching container decoder.
// WAV and Ogg Opus are decoded in-process; everything else, and any Ogg
// stream the native path rejects, goes to ffmpeg when configured.
type Decoder struct {
	ffmpeg *FFmpegDecoder
}

// DecoderOption is a functional option for [NewDecoder].
type DecoderOption func(*Decoder)

// WithFFmpeg enables the ffmpeg fallback for containers without a native
// decoder. A nil decoder leaves the fallback disabled.
func WithFFmpeg(d *FFmpegDecoder) DecoderOption {
	return func(dec *Decoder) { dec.ffmpeg = d }
}

// NewDecoder creates a [Decoder].
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Decode decodes data into a [Clip].
func (d *Decoder) Decode(ctx context.Context, data []byte) (Clip, error) {
	switch c := DetectContainer(data); c {
	case ContainerWAV:
		return DecodeWAV(data)
	case ContainerOgg:
		clip, err := DecodeOggOpus(data)
		if err == nil || d.ffmpeg == nil {
			return clip, err
		}
		return d.ffmpeg.Decode(ctx, data)
	default:
		if d.ffmpeg == nil {
			return Clip{}, fmt.Errorf("%w: %s", ErrUnsupportedContainer, c)
		}
		return d.ffmpeg.Decode(ctx, data)
	}
}
