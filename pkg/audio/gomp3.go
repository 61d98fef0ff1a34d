package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
)

// MP3Converter decodes MP3 with go-mp3 (always 16-bit stereo) and resamples linearly.
type MP3Converter struct{}

func NewMP3Converter() *MP3Converter {
	return &MP3Converter{}
}

func (c *MP3Converter) Name() string {
	return "gomp3"
}

func (c *MP3Converter) Convert(ctx context.Context, data []byte, target Format) ([]byte, error) {
	if target.BitDepth != 16 {
		return nil, fmt.Errorf("%w: gomp3 backend writes 16-bit only", ErrUnsupportedFormat)
	}
	if IsWav(data) {
		return nil, fmt.Errorf("%w: gomp3 backend decodes MP3 only", ErrUnsupportedFormat)
	}

	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mono := Downmix(BytesToInt16(raw), 2)
	mono = Resample(mono, dec.SampleRate(), target.SampleRate)
	return Int16ToBytes(Upmix(mono, target.Channels)), nil
}
