package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"
)

// Frames cuts pcm into ceil(len/size) frames of exactly size bytes; the last one is zero-padded.
func Frames(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) == 0 {
		return nil
	}
	n := (len(pcm) + size - 1) / size
	frames := make([][]byte, 0, n)
	for off := 0; off < len(pcm); off += size {
		frame := make([]byte, size)
		copy(frame, pcm[off:])
		frames = append(frames, frame)
	}
	return frames
}

// AudioFrameStreamer writes PCM to a vendor socket as fixed-size media events at playback speed.
type AudioFrameStreamer struct {
	chunkSize     int
	chunkDuration time.Duration
	wire          WireFormat
	logger        Logger
}

func NewAudioFrameStreamer(config Config, wire WireFormat, logger Logger) *AudioFrameStreamer {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &AudioFrameStreamer{
		chunkSize:     config.ChunkSize,
		chunkDuration: config.ChunkDuration(),
		wire:          wire,
		logger:        logger,
	}
}

// Stream sends pcm in order. Frame i goes out no earlier than i frame durations after the first,
// and Stream returns no earlier than the playback time of all frames. A failed write aborts the
// rest of the buffer; there is no retry.
func (s *AudioFrameStreamer) Stream(ctx context.Context, pcm []byte, streamID string, out MessageWriter) (int, error) {
	if streamID == "" {
		return 0, ErrNoStreamID
	}
	frames := Frames(pcm, s.chunkSize)
	if len(frames) == 0 {
		return 0, nil
	}

	start := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i, frame := range frames {
		payload := base64.StdEncoding.EncodeToString(s.wire.EncodeOutbound(frame))
		msg, err := s.wire.MediaMessage(streamID, payload)
		if err != nil {
			return i, fmt.Errorf("encode media frame: %w", err)
		}
		if err := out.WriteMessage(ctx, msg); err != nil {
			s.logger.Warn("media write failed, aborting stream", "streamID", streamID, "sent", i, "total", len(frames), "error", err)
			return i, fmt.Errorf("%w: %v", ErrStreamClosed, err)
		}

		if wait := time.Until(start.Add(time.Duration(i+1) * s.chunkDuration)); wait > 0 {
			timer.Reset(wait)
			select {
			case <-ctx.Done():
				return i + 1, fmt.Errorf("%w: %v", ErrStreamClosed, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return i + 1, fmt.Errorf("%w: %v", ErrStreamClosed, ctx.Err())
		}
	}

	s.logger.Debug("audio streamed", "streamID", streamID, "frames", len(frames), "bytes", len(pcm), "elapsed", time.Since(start))
	return len(frames), nil
}

// Mark sends a named mark event so the vendor reports when playback reaches this point.
func (s *AudioFrameStreamer) Mark(ctx context.Context, streamID, name string, out MessageWriter) error {
	if streamID == "" {
		return ErrNoStreamID
	}
	msg, err := s.wire.MarkMessage(streamID, name)
	if err != nil {
		return err
	}
	if err := out.WriteMessage(ctx, msg); err != nil {
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	}
	return nil
}
