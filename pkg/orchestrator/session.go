package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
)

type SessionState string

const (
	StateCreated    SessionState = "CREATED"
	StateStreaming  SessionState = "STREAMING"
	StateProcessing SessionState = "PROCESSING"
	StateEnded      SessionState = "ENDED"
)

const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// sttRetryBackoff is the minimum gap between attempts to reopen a dropped STT connection.
const sttRetryBackoff = time.Second

// HistoryEntry is one side of an exchange.
type HistoryEntry struct {
	Speaker string    `json:"speaker"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// AssetSource is the audio library as seen by a call.
type AssetSource interface {
	AssetCatalog
	Lookup(filename string) (*AudioAsset, bool)
}

// CallSession is the state of one phone call, from the vendor's first webhook to teardown.
type CallSession struct {
	ID        string
	Direction Direction
	CreatedAt time.Time

	config    Config
	logger    Logger
	selector  *ResponseSelector
	assets    AssetSource
	stt       StreamingSTTProvider
	tts       TTSProvider
	converter audio.Converter
	onEnd     func(*CallSession)

	memory *Memory
	acc    *TranscriptAccumulator

	mu         sync.Mutex
	state      SessionState
	streamID   string
	channel    MediaChannel
	streamer   *AudioFrameStreamer
	sttStream  STTStream
	sttDialing bool
	sttRetryAt time.Time
	history    []HistoryEntry
	turns      int
	endReason  string
	endedAt    time.Time
	recording  bytes.Buffer

	ctx     context.Context
	cancel  context.CancelFunc
	endOnce sync.Once
	wg      sync.WaitGroup
}

func newCallSession(id string, dir Direction, o *Orchestrator) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	acc := NewTranscriptAccumulator()
	acc.SetMaxTurnDuration(o.config.MaxTurnDuration)
	return &CallSession{
		ID:        id,
		Direction: dir,
		CreatedAt: time.Now(),
		config:    o.config,
		logger:    o.logger,
		selector:  o.selector,
		assets:    o.assets,
		stt:       o.stt,
		tts:       o.tts,
		converter: o.converter,
		memory:    NewMemory(DefaultFlags, o.config.RecentFilesLimit),
		acc:       acc,
		state:     StateCreated,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach hands the outbound media channel to the session and opens the STT connection.
// A second Attach replaces the channel; the old one is closed.
func (s *CallSession) Attach(ch MediaChannel, wire WireFormat) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	old := s.channel
	s.channel = ch
	s.streamer = NewAudioFrameStreamer(s.config, wire, s.logger)
	s.mu.Unlock()
	if old != nil && old != ch {
		_ = old.Close("replaced")
	}
	s.logger.Info("media channel attached", "callID", s.ID, "direction", s.Direction)

	if _, err := s.connectSTT(); err != nil {
		s.logger.Error("failed to open STT stream", "callID", s.ID, "error", err)
	}
	return nil
}

func (s *CallSession) Connected() {
	s.logger.Debug("media stream connected", "callID", s.ID)
}

// Start records the vendor stream id. Outbound calls play the greeting file if one is configured.
func (s *CallSession) Start(streamID string) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	s.streamID = streamID
	if s.state == StateCreated {
		s.state = StateStreaming
	}
	s.mu.Unlock()
	s.logger.Info("media stream started", "callID", s.ID, "streamID", streamID)

	if s.Direction == DirectionOutbound && s.config.GreetingFile != "" {
		if !s.acc.TryAcquire() {
			return nil
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.finishResponse()
			s.setState(StateProcessing)
			greeting := Audio(s.config.GreetingFile)
			s.appendHistory(SpeakerAgent, describe(greeting))
			ApplyFlagRules(s.selector.rules, greeting.Content(), s.memory)
			s.memory.Remember(s.config.GreetingFile)
			if err := s.play(greeting); err != nil {
				s.logger.Warn("greeting playback failed", "callID", s.ID, "error", err)
			}
		}()
	}
	return nil
}

// HandleMedia forwards caller PCM to the STT connection, reopening it if it dropped.
// Network I/O happens without holding mu.
func (s *CallSession) HandleMedia(pcm []byte) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return ErrSessionEnded
	}
	if s.config.RecordCallerAudio && s.recording.Len()+len(pcm) <= s.config.MaxRecordingBytes {
		s.recording.Write(pcm)
	}
	s.mu.Unlock()

	stream, err := s.connectSTT()
	if err != nil || stream == nil {
		return err
	}
	if err := stream.Send(pcm); err != nil {
		s.mu.Lock()
		if s.sttStream == stream {
			s.sttStream = nil
			s.sttRetryAt = time.Now().Add(sttRetryBackoff)
		}
		ended := s.state == StateEnded
		s.mu.Unlock()
		if ended {
			return ErrSessionEnded
		}
		s.logger.Warn("STT send failed, reconnecting", "callID", s.ID, "error", err)
		_ = stream.Close()
		return fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	return nil
}

func (s *CallSession) HandleDTMF(digit string) {
	s.logger.Info("DTMF received", "callID", s.ID, "digit", digit)
}

// Stop handles the vendor's stop event.
func (s *CallSession) Stop() {
	s.End("stream stopped")
}

// connectSTT returns the live STT stream, dialing a new one if none is open. Only one dial
// runs at a time; while it runs, or during the retry backoff, it returns a nil stream.
func (s *CallSession) connectSTT() (STTStream, error) {
	s.mu.Lock()
	switch {
	case s.state == StateEnded:
		s.mu.Unlock()
		return nil, ErrSessionEnded
	case s.sttStream != nil:
		stream := s.sttStream
		s.mu.Unlock()
		return stream, nil
	case s.sttDialing || time.Now().Before(s.sttRetryAt):
		s.mu.Unlock()
		return nil, nil
	}
	s.sttDialing = true
	s.mu.Unlock()

	stream, err := s.openSTT()

	s.mu.Lock()
	s.sttDialing = false
	if err != nil {
		s.sttRetryAt = time.Now().Add(sttRetryBackoff)
		s.mu.Unlock()
		return nil, err
	}
	if s.state == StateEnded {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, ErrSessionEnded
	}
	s.sttStream = stream
	s.mu.Unlock()
	return stream, nil
}

func (s *CallSession) openSTT() (STTStream, error) {
	if s.stt == nil {
		return nil, ErrNilProvider
	}
	stream, err := s.stt.StreamTranscribe(s.ctx, s.config.Language, STTHandlers{
		OnOpen: func() {
			s.logger.Debug("STT stream open", "callID", s.ID, "provider", s.stt.Name())
		},
		OnTranscript: func(text string, isFinal bool) {
			if isFinal {
				s.logger.Debug("final transcript fragment", "callID", s.ID, "text", text)
			}
			s.acc.AppendFragment(text, isFinal)
		},
		OnError: func(err error) {
			s.logger.Warn("STT stream error", "callID", s.ID, "error", err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscriptionFailed, err)
	}
	return stream, nil
}

// Run drives turn detection until ctx is done or the session ends. Each completed turn is
// answered on its own goroutine; Run waits for it before returning.
func (s *CallSession) Run(ctx context.Context) error {
	defer s.wg.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	if s.config.TurnDetection == TurnDetectionWait {
		for {
			turn, err := s.acc.Wait(ctx, s.config.SilenceThreshold)
			if err != nil {
				return s.runResult(ctx)
			}
			s.dispatch(turn)
		}
	}

	interval := s.config.PollInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.runResult(ctx)
		case <-ticker.C:
			if turn, ok := s.acc.Poll(s.config.SilenceThreshold); ok {
				s.dispatch(turn)
			}
		}
	}
}

func (s *CallSession) runResult(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return nil
	}
	return ctx.Err()
}

func (s *CallSession) dispatch(turn Turn) {
	s.logger.Info("caller turn complete", "callID", s.ID, "text", turn.Text, "forced", turn.Forced)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(turn)
	}()
}

func (s *CallSession) respond(turn Turn) {
	defer s.finishResponse()
	if s.ctx.Err() != nil {
		return
	}
	s.setState(StateProcessing)

	s.mu.Lock()
	s.turns++
	history := append([]HistoryEntry(nil), s.history...)
	s.mu.Unlock()

	resp := s.selector.Select(s.ctx, turn.Text, s.memory, history)
	s.logger.Info("response selected", "callID", s.ID, "kind", resp.Kind, "source", resp.Source,
		"content", resp.Content(), "latency", resp.Latency)

	s.appendHistory(SpeakerCaller, turn.Text)
	s.appendHistory(SpeakerAgent, describe(resp))

	if err := s.play(resp); err != nil {
		if errors.Is(err, ErrStreamClosed) || errors.Is(err, ErrNoChannel) {
			s.End("media channel closed")
			return
		}
		s.logger.Warn("response playback failed", "callID", s.ID, "error", err)
	}

	if s.isGoodbye(resp) {
		s.End("goodbye")
	}
}

// finishResponse clears the in-flight mark unless the call is over.
func (s *CallSession) finishResponse() {
	if r := recover(); r != nil {
		s.logger.Error("response handling panicked", "callID", s.ID, "panic", fmt.Sprint(r))
	}
	if s.ctx.Err() != nil {
		return
	}
	s.setState(StateStreaming)
	s.acc.Release()
}

// play resolves, converts and streams a response. A clip that cannot be resolved or converted is
// skipped; nothing unconverted is ever sent.
func (s *CallSession) play(resp Response) error {
	s.mu.Lock()
	streamID, ch, streamer := s.streamID, s.channel, s.streamer
	s.mu.Unlock()
	if ch == nil || streamer == nil {
		return ErrNoChannel
	}
	if streamID == "" {
		return ErrNoStreamID
	}

	switch resp.Kind {
	case ResponseAudio:
		for i, filename := range resp.Files {
			if i > 0 && s.config.ChainGap > 0 {
				if err := sleepCtx(s.ctx, s.config.ChainGap); err != nil {
					return fmt.Errorf("%w: %v", ErrStreamClosed, err)
				}
			}
			asset, ok := s.assets.Lookup(filename)
			if !ok {
				s.logger.Warn("audio asset disappeared", "callID", s.ID, "filename", filename, "error", ErrAssetNotFound)
				continue
			}
			if err := s.streamEncoded(asset.Data, streamID, ch, streamer); err != nil {
				if errors.Is(err, ErrStreamClosed) {
					return err
				}
				s.logger.Warn("skipping audio file", "callID", s.ID, "filename", filename, "error", err)
			}
		}
	case ResponseSpeak:
		if s.tts == nil {
			return fmt.Errorf("%w: %v", ErrTTSFailed, ErrNilProvider)
		}
		ttsCtx, cancel := withTimeout(s.ctx, s.config.TTSTimeout)
		encoded, err := s.tts.Synthesize(ttsCtx, resp.Text, s.config.Voice, s.config.Language)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTTSFailed, err)
		}
		if err := s.streamEncoded(encoded, streamID, ch, streamer); err != nil {
			return err
		}
	}

	if s.config.SendMarks {
		name := fmt.Sprintf("turn-%d", s.Turns())
		if err := streamer.Mark(s.ctx, streamID, name, ch); err != nil {
			return err
		}
	}
	return nil
}

func (s *CallSession) streamEncoded(encoded []byte, streamID string, ch MediaChannel, streamer *AudioFrameStreamer) error {
	if s.converter == nil {
		return audio.ErrBackendUnavailable
	}
	convCtx, cancel := withTimeout(s.ctx, s.config.ConvertTimeout)
	pcm, err := s.converter.Convert(convCtx, encoded, audio.Format{
		SampleRate: s.config.SampleRate,
		Channels:   s.config.Channels,
		BitDepth:   s.config.BytesPerSamp * 8,
	})
	cancel()
	if err != nil {
		return err
	}
	_, err = streamer.Stream(s.ctx, pcm, streamID, ch)
	return err
}

func (s *CallSession) isGoodbye(resp Response) bool {
	content := strings.ToLower(resp.Content())
	for _, marker := range s.config.GoodbyeMarkers {
		if marker != "" && strings.Contains(content, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// End tears the call down once: cancels in-flight work, closes the STT connection and the media
// channel, then notifies the owner. Safe to call from any goroutine, including a response.
func (s *CallSession) End(reason string) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.state = StateEnded
		s.endReason = reason
		s.endedAt = time.Now()
		stt, ch := s.sttStream, s.channel
		s.sttStream, s.channel = nil, nil
		s.mu.Unlock()

		// STT streams run on s.ctx and need it live to send their finish message
		if stt != nil {
			if err := stt.Close(); err != nil {
				s.logger.Debug("STT close failed", "callID", s.ID, "error", err)
			}
		}
		s.cancel()
		if ch != nil {
			if err := ch.Close(reason); err != nil {
				s.logger.Debug("media channel close failed", "callID", s.ID, "error", err)
			}
		}
		s.logger.Info("call ended", "callID", s.ID, "reason", reason, "turns", s.Turns(),
			"duration", s.endedAt.Sub(s.CreatedAt))

		if s.onEnd != nil {
			s.onEnd(s)
		}
	})
}

// Done is closed when the session has ended.
func (s *CallSession) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *CallSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *CallSession) setState(state SessionState) {
	s.mu.Lock()
	if s.state != StateEnded {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *CallSession) StreamID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID
}

func (s *CallSession) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryEntry(nil), s.history...)
}

func (s *CallSession) appendHistory(speaker, content string) {
	s.mu.Lock()
	s.history = append(s.history, HistoryEntry{Speaker: speaker, Content: content, At: time.Now()})
	s.mu.Unlock()
}

func (s *CallSession) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *CallSession) Memory() *Memory {
	return s.memory
}

// Accumulator exposes the transcript buffer, mainly for transports that deliver text directly.
func (s *CallSession) Accumulator() *TranscriptAccumulator {
	return s.acc
}

// Record snapshots the call for persistence.
func (s *CallSession) Record() CallRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.memory.Snapshot()
	rec := CallRecord{
		CallID:    s.ID,
		Direction: s.Direction,
		StreamID:  s.streamID,
		StartedAt: s.CreatedAt,
		EndedAt:   s.endedAt,
		EndReason: s.endReason,
		Turns:     s.turns,
		Flags:     snap.Flags,
		Fields:    snap.Fields,
		History:   append([]HistoryEntry(nil), s.history...),
	}
	if !s.endedAt.IsZero() {
		rec.Duration = s.endedAt.Sub(s.CreatedAt)
	}
	if s.recording.Len() > 0 {
		rec.CallerAudio = audio.NewWavBuffer(s.recording.Bytes(), audio.Format{
			SampleRate: s.config.SampleRate,
			Channels:   s.config.Channels,
			BitDepth:   s.config.BytesPerSamp * 8,
		})
	}
	return rec
}

func describe(r Response) string {
	if r.Kind == ResponseAudio {
		return "<audio: " + r.Content() + ">"
	}
	return "<speak: " + r.Text + ">"
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
