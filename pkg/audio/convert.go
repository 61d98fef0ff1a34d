package audio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConversionFailed is returned when no backend could produce PCM
	ErrConversionFailed = errors.New("audio conversion failed")

	// ErrUnsupportedFormat is returned by a backend that cannot decode the input
	ErrUnsupportedFormat = errors.New("unsupported audio format")

	// ErrBackendUnavailable is returned when a backend is not usable on this host
	ErrBackendUnavailable = errors.New("conversion backend unavailable")
)

// Converter decodes encoded audio (MP3, WAV) into PCM of the target format.
type Converter interface {
	Convert(ctx context.Context, data []byte, target Format) ([]byte, error)
	Name() string
}

// Chain tries its backends in order and returns the first non-empty result.
// It never hands back the input bytes when every backend fails.
type Chain struct {
	backends []Converter
}

func NewChain(backends ...Converter) *Chain {
	return &Chain{backends: backends}
}

func (c *Chain) Convert(ctx context.Context, data []byte, target Format) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrConversionFailed)
	}
	var errs []error
	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
		}
		pcm, err := b.Convert(ctx, data, target)
		if err == nil && len(pcm) > 0 {
			return pcm, nil
		}
		if err == nil {
			err = errors.New("empty output")
		}
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no backends configured", ErrConversionFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrConversionFailed, errors.Join(errs...))
}

func (c *Chain) Name() string {
	return "chain(" + strings.Join(c.Backends(), ",") + ")"
}

// Backends lists backend names in rank order.
func (c *Chain) Backends() []string {
	names := make([]string, len(c.backends))
	for i, b := range c.backends {
		names[i] = b.Name()
	}
	return names
}

// BackendOptions carries per-backend settings for NewBackend.
type BackendOptions struct {
	FFmpegPath string
}

// NewBackend builds a converter by name: "beep", "gomp3" or "ffmpeg".
func NewBackend(name string, opts BackendOptions) (Converter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "beep":
		return NewBeepConverter(), nil
	case "gomp3", "go-mp3", "mp3":
		return NewMP3Converter(), nil
	case "ffmpeg":
		return NewFFmpegConverter(opts.FFmpegPath)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrBackendUnavailable, name)
	}
}
