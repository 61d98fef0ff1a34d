package audio

import (
	"fmt"
	"time"
)

// Format describes interleaved little-endian integer PCM.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// Telephony is 8 kHz 16-bit mono, the linear format both call vendors speak.
var Telephony = Format{SampleRate: 8000, Channels: 1, BitDepth: 16}

func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BytesPerSample()
}

// Duration is the playback time of n bytes.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dbit/%dch", f.SampleRate, f.BitDepth, f.Channels)
}
