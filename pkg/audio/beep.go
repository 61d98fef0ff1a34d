package audio

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/faiface/beep"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/wav"
)

// BeepConverter decodes MP3 or WAV with beep and resamples with its sinc-free Resampler.
type BeepConverter struct {
	quality int
}

func NewBeepConverter() *BeepConverter {
	return &BeepConverter{quality: 4}
}

func (c *BeepConverter) Name() string {
	return "beep"
}

func (c *BeepConverter) Convert(ctx context.Context, data []byte, target Format) ([]byte, error) {
	if target.BitDepth != 16 {
		return nil, fmt.Errorf("%w: beep backend writes 16-bit only", ErrUnsupportedFormat)
	}

	var (
		streamer beep.StreamSeekCloser
		format   beep.Format
		err      error
	)
	if IsWav(data) {
		streamer, format, err = wav.Decode(bytes.NewReader(data))
	} else {
		streamer, format, err = mp3.Decode(io.NopCloser(bytes.NewReader(data)))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	defer streamer.Close()

	var src beep.Streamer = streamer
	if int(format.SampleRate) != target.SampleRate {
		src = beep.Resample(c.quality, format.SampleRate, beep.SampleRate(target.SampleRate), streamer)
	}

	out := make([]int16, 0, target.SampleRate*target.Channels)
	buf := make([][2]float64, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := src.Stream(buf)
		for _, s := range buf[:n] {
			if target.Channels >= 2 {
				out = append(out, floatToInt16(s[0]), floatToInt16(s[1]))
			} else {
				out = append(out, floatToInt16((s[0]+s[1])/2))
			}
		}
		if !ok {
			break
		}
	}
	if err := streamer.Err(); err != nil {
		return nil, err
	}
	return Int16ToBytes(out), nil
}
