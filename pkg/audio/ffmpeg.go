package audio

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegConverter pipes the input through an ffmpeg binary.
type FFmpegConverter struct {
	path string
}

// NewFFmpegConverter resolves path (default "ffmpeg") on PATH.
func NewFFmpegConverter(path string) (*FFmpegConverter, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return &FFmpegConverter{path: resolved}, nil
}

func (c *FFmpegConverter) Name() string {
	return "ffmpeg"
}

func (c *FFmpegConverter) Convert(ctx context.Context, data []byte, target Format) ([]byte, error) {
	if target.BitDepth != 16 {
		return nil, fmt.Errorf("%w: ffmpeg backend writes s16le only", ErrUnsupportedFormat)
	}
	cmd := exec.CommandContext(ctx, c.path,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(target.Channels),
		"-ar", strconv.Itoa(target.SampleRate),
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %v: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
