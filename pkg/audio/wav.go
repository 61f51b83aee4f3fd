package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// WAV format codes from the fmt chunk.
const (
	wavFormatPCM        = 0x0001
	wavFormatIEEEFloat  = 0x0003
	wavFormatExtensible = 0xFFFE
)

// ErrInvalidWAV is returned when data is not a decodable RIFF/WAVE stream.
var ErrInvalidWAV = errors.New("audio: invalid wav")

// WAVInfo describes the fmt chunk of a WAV stream.
type WAVInfo struct {
	Format        uint16
	Channels      int
	SampleRate    int
	BitsPerSample int
	BlockAlign    int
}

// wavHeader is the canonical 44-byte header written by [EncodeWAV].
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32
}

// EncodeWAV encodes mono float32 samples as a 16-bit PCM WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("audio: cannot encode empty samples")
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}

	const (
		channels = 1
		bits     = 16
	)
	dataSize := uint32(len(samples) * 2)
	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   wavFormatPCM,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bits / 8,
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+int(dataSize)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	buf.Write(Float32ToPCM16(samples))
	return buf.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE stream. Integer PCM at 8, 16, 24 and 32 bits
// and IEEE float at 32 and 64 bits are supported, with any channel count and
// with WAVE_FORMAT_EXTENSIBLE headers. Unknown chunks are skipped. A data
// chunk whose declared size overruns the buffer (as written by streaming
// encoders) is truncated to the available bytes.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		info    WAVInfo
		haveFmt bool
		pcm     []byte
	)
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			var err error
			info, err = parseFmtChunk(data[body:end])
			if err != nil {
				return Clip{}, err
			}
			haveFmt = true
		case "data":
			pcm = data[body:end]
		}
		if pcm != nil && haveFmt {
			break
		}
		// Chunks are word aligned.
		pos = end + (end-body)%2
	}

	if !haveFmt {
		return Clip{}, fmt.Errorf("%w: missing fmt chunk", ErrInvalidWAV)
	}
	if pcm == nil {
		return Clip{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
	}

	samples, err := decodeSamples(pcm, info)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Samples: samples, SampleRate: info.SampleRate, Channels: info.Channels}, nil
}

func parseFmtChunk(b []byte) (WAVInfo, error) {
	if len(b) < 16 {
		return WAVInfo{}, fmt.Errorf("%w: fmt chunk too short (%d bytes)", ErrInvalidWAV, len(b))
	}
	info := WAVInfo{
		Format:        binary.LittleEndian.Uint16(b[0:2]),
		Channels:      int(binary.LittleEndian.Uint16(b[2:4])),
		SampleRate:    int(binary.LittleEndian.Uint32(b[4:8])),
		BlockAlign:    int(binary.LittleEndian.Uint16(b[12:14])),
		BitsPerSample: int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if info.Format == wavFormatExtensible {
		if len(b) < 26 {
			return WAVInfo{}, fmt.Errorf("%w: extensible fmt chunk too short", ErrInvalidWAV)
		}
		// The sub-format GUID starts with the plain format code.
		info.Format = binary.LittleEndian.Uint16(b[24:26])
	}
	if info.Channels <= 0 {
		return WAVInfo{}, fmt.Errorf("%w: channel count %d", ErrInvalidWAV, info.Channels)
	}
	if info.SampleRate <= 0 {
		return WAVInfo{}, fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, info.SampleRate)
	}
	return info, nil
}

func decodeSamples(pcm []byte, info WAVInfo) ([]float32, error) {
	width := info.BitsPerSample / 8
	if info.BlockAlign > 0 && info.BlockAlign/info.Channels > width {
		// Samples padded to a wider container, e.g. 20-bit in 24.
		width = info.BlockAlign / info.Channels
	}

	var conv func([]byte) float32
	switch {
	case info.Format == wavFormatPCM && width == 1:
		conv = func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }
	case info.Format == wavFormatPCM && width == 2:
		conv = func(b []byte) float32 {
			return float32(int16(binary.LittleEndian.Uint16(b))) / 32768
		}
	case info.Format == wavFormatPCM && width == 3:
		conv = func(b []byte) float32 {
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			return float32(v) / 8388608
		}
	case info.Format == wavFormatPCM && width == 4:
		conv = func(b []byte) float32 {
			return float32(float64(int32(binary.LittleEndian.Uint32(b))) / 2147483648)
		}
	case info.Format == wavFormatIEEEFloat && width == 4:
		conv = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case info.Format == wavFormatIEEEFloat && width == 8:
		conv = func(b []byte) float32 { return float32(math.Float64frombits(binary.LittleEndian.Uint64(b))) }
	default:
		return nil, fmt.Errorf("%w: unsupported encoding (format 0x%04x, %d bits)",
			ErrInvalidWAV, info.Format, info.BitsPerSample)
	}

	frameBytes := width * info.Channels
	frames := len(pcm) / frameBytes
	out := make([]float32, frames*info.Channels)
	for i := range out {
		out[i] = conv(pcm[i*width : i*width+width])
	}
	return out, nil
}
