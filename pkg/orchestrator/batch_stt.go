package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// SegmentedSTT serves a batch STTProvider as a streaming one: a VAD cuts the call audio into
// utterances and each utterance is transcribed and delivered as a single final fragment.
type SegmentedSTT struct {
	batch      STTProvider
	vad        VADProvider
	preRoll    int
	maxSegment int
	logger     Logger
}

// NewSegmentedSTT wraps batch. vad is cloned per stream; nil uses an RMSVAD tuned for 8 kHz calls.
func NewSegmentedSTT(batch STTProvider, vad VADProvider, config Config, logger Logger) *SegmentedSTT {
	if vad == nil {
		vad = NewRMSVAD(0.02, 600*time.Millisecond)
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	bytesPerSecond := config.SampleRate * config.Channels * config.BytesPerSamp
	return &SegmentedSTT{
		batch:      batch,
		vad:        vad,
		preRoll:    bytesPerSecond / 5,
		maxSegment: bytesPerSecond * 30,
		logger:     logger,
	}
}

func (s *SegmentedSTT) Name() string {
	return "segmented-" + s.batch.Name()
}

func (s *SegmentedSTT) StreamTranscribe(ctx context.Context, lang Language, handlers STTHandlers) (STTStream, error) {
	if s.batch == nil {
		return nil, ErrNilProvider
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &segmentStream{
		parent:   s,
		ctx:      ctx,
		cancel:   cancel,
		lang:     lang,
		vad:      s.vad.Clone(),
		handlers: handlers,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go st.worker()
	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return st, nil
}

type segmentStream struct {
	parent   *SegmentedSTT
	ctx      context.Context
	cancel   context.CancelFunc
	lang     Language
	vad      VADProvider
	handlers STTHandlers

	mu       sync.Mutex
	speaking bool
	buf      bytes.Buffer
	preRoll  []byte
	closed   bool
	queue    [][]byte

	wake chan struct{}
	done chan struct{}
}

var errSegmentStreamClosed = errors.New("segmented stt stream closed")

func (st *segmentStream) Send(chunk []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return errSegmentStreamClosed
	}

	ev, err := st.vad.Process(chunk)
	if err != nil {
		return err
	}

	if st.speaking {
		st.buf.Write(chunk)
	} else {
		st.preRoll = append(st.preRoll, chunk...)
		if over := len(st.preRoll) - st.parent.preRoll; over > 0 {
			st.preRoll = st.preRoll[over:]
		}
	}

	if ev != nil {
		switch ev.Type {
		case VADSpeechStart:
			st.speaking = true
			st.buf.Reset()
			st.buf.Write(st.preRoll)
			st.preRoll = nil
		case VADSpeechEnd:
			st.speaking = false
			st.flushLocked()
		}
	}
	if st.speaking && st.buf.Len() >= st.parent.maxSegment {
		st.flushLocked()
	}
	return nil
}

// flushLocked must be called with mu held. Segments are transcribed one at a time, in order.
func (st *segmentStream) flushLocked() {
	if st.buf.Len() == 0 {
		return
	}
	st.queue = append(st.queue, append([]byte(nil), st.buf.Bytes()...))
	st.buf.Reset()
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

func (st *segmentStream) worker() {
	defer close(st.done)
	for {
		select {
		case <-st.ctx.Done():
			return
		case <-st.wake:
		}
		for {
			st.mu.Lock()
			if len(st.queue) == 0 {
				st.mu.Unlock()
				break
			}
			segment := st.queue[0]
			st.queue = st.queue[1:]
			st.mu.Unlock()

			st.transcribe(segment)
		}
	}
}

func (st *segmentStream) transcribe(segment []byte) {
	text, err := st.parent.batch.Transcribe(st.ctx, segment, st.lang)
	if err != nil {
		if st.ctx.Err() == nil && st.handlers.OnError != nil {
			st.handlers.OnError(err)
		}
		return
	}
	text = strings.TrimSpace(text)
	if text != "" && st.handlers.OnTranscript != nil {
		st.handlers.OnTranscript(text, true)
	}
}

func (st *segmentStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.queue = nil
	st.mu.Unlock()

	st.cancel()
	<-st.done
	return nil
}
