package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// FFmpegDecoder decodes arbitrary containers by piping them through an
// external ffmpeg binary, which re-encodes to 32-bit float WAV on stdout.
// Channel count and sample rate are preserved so the caller controls
// downmixing and resampling.
type FFmpegDecoder struct {
	path string
}

// NewFFmpegDecoder returns a decoder invoking the binary at path. The path is
// resolved through $PATH when it contains no separator. Returns an error if
// the binary cannot be found.
func NewFFmpegDecoder(path string) (*FFmpegDecoder, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("audio: ffmpeg not available: %w", err)
	}
	return &FFmpegDecoder{path: resolved}, nil
}

// Path returns the resolved ffmpeg binary path.
func (d *FFmpegDecoder) Path() string { return d.path }

// Decode transcodes data and parses the resulting WAV stream.
func (d *FFmpegDecoder) Decode(ctx context.Context, data []byte) (Clip, error) {
	cmd := exec.CommandContext(ctx, d.path,
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-i", "pipe:0",
		"-vn",
		"-f", "wav", "-acodec", "pcm_f32le",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Clip{}, fmt.Errorf("audio: ffmpeg: %w", ctxErr)
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return Clip{}, fmt.Errorf("audio: ffmpeg exited with %d: %s", exitErr.ExitCode(), msg)
		}
		return Clip{}, fmt.Errorf("audio: ffmpeg: %w", err)
	}
	return DecodeWAV(stdout.Bytes())
}
