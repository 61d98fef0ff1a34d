package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
)

type sessionHarness struct {
	orch *Orchestrator
	stt  *MockStreamingSTT
	llm  *MockLLMProvider
	tts  *MockTTSProvider
	conv *passthroughConverter
	s    *CallSession
	ch   *fakeChannel
	done chan error
}

func startSession(t *testing.T, llm *MockLLMProvider, cfg Config, dir Direction) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		stt:  &MockStreamingSTT{},
		llm:  llm,
		tts:  &MockTTSProvider{synthesizeResult: make([]byte, 960)},
		conv: &passthroughConverter{},
		ch:   &fakeChannel{},
		done: make(chan error, 1),
	}
	lib := newTestLibrary(t, testManifest, map[string]int{"klariqo_pricing1.1.mp3": 3211})
	h.orch = New(h.stt, llm, h.tts, lib, h.conv, cfg)

	s, err := h.orch.CreateSession("CA-test", dir)
	if err != nil {
		t.Fatal(err)
	}
	h.s = s
	if err := s.Attach(h.ch, testWire{}); err != nil {
		t.Fatal(err)
	}
	s.Connected()
	if err := s.Start("MZ-stream"); err != nil {
		t.Fatal(err)
	}

	go func() { h.done <- s.Run(context.Background()) }()
	t.Cleanup(func() {
		s.End("test cleanup")
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after End")
		}
	})
	return h
}

func TestSessionAnswersTurn(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "klariqo_pricing1.1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	if h.s.State() != StateStreaming {
		t.Fatalf("Expected STREAMING after start, got %s", h.s.State())
	}
	if err := h.s.HandleMedia(make([]byte, 320)); err != nil {
		t.Fatalf("HandleMedia failed: %v", err)
	}

	h.stt.emit("pricing", false)
	h.stt.emit("pricing?", true)

	waitFor(t, 2*time.Second, func() bool {
		return len(h.ch.mediaPayloads(t)) == 11 && h.s.State() == StateStreaming && !h.s.acc.InFlight()
	})

	if !h.s.Memory().Flag(FlagPricingMentioned) {
		t.Error("Expected pricing_mentioned after the pricing clip")
	}
	history := h.s.History()
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].Speaker != SpeakerCaller || history[0].Content != "pricing?" {
		t.Errorf("Unexpected caller entry %+v", history[0])
	}
	if history[1].Content != "<audio: klariqo_pricing1.1.mp3>" {
		t.Errorf("Unexpected agent entry %+v", history[1])
	}
	if h.s.Turns() != 1 {
		t.Errorf("Expected 1 turn, got %d", h.s.Turns())
	}
}

func TestSessionAtMostOneResponseInFlight(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "intro_klariqo1.1.mp3", block: make(chan struct{})}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	h.stt.emit("hello", true)
	waitFor(t, time.Second, func() bool { return llm.Calls() == 1 })
	if h.s.State() != StateProcessing {
		t.Errorf("Expected PROCESSING, got %s", h.s.State())
	}

	h.stt.emit("hello again", true)
	time.Sleep(150 * time.Millisecond)
	if llm.Calls() != 1 {
		t.Fatalf("Expected a single response in flight, got %d LLM calls", llm.Calls())
	}

	close(llm.block)
	waitFor(t, 2*time.Second, func() bool { return !h.s.acc.InFlight() })

	llm.mu.Lock()
	maxSeen := llm.maxSeen
	llm.mu.Unlock()
	if maxSeen != 1 {
		t.Errorf("Expected at most one concurrent selection, saw %d", maxSeen)
	}
	if strings.Contains(h.s.acc.Pending(), "hello again") {
		t.Error("Expected speech heard during the response to be dropped")
	}
}

func TestSessionGoodbyeEndsCall(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "goodbye_thanks1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	h.stt.emit("thanks, that's all", true)

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Expected Run to return nil after goodbye, got %v", err)
		}
		h.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the goodbye to end the call")
	}

	if h.s.State() != StateEnded {
		t.Errorf("Expected ENDED, got %s", h.s.State())
	}
	if closed, reason := h.ch.state(); !closed || reason != "goodbye" {
		t.Errorf("Expected channel closed with 'goodbye', got %v %q", closed, reason)
	}
	if _, ok := h.orch.Session("CA-test"); ok {
		t.Error("Expected the session to leave the registry")
	}
	if len(h.ch.mediaPayloads(t)) != 2 {
		t.Errorf("Expected the goodbye clip to be streamed before teardown")
	}
	if err := h.s.HandleMedia(make([]byte, 320)); !errors.Is(err, ErrSessionEnded) {
		t.Errorf("Expected ErrSessionEnded after teardown, got %v", err)
	}
}

func TestSessionSpeakUsesTTS(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "GENERATE: We are in Bangalore."}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	h.stt.emit("where are you", true)
	waitFor(t, 2*time.Second, func() bool { return len(h.ch.mediaPayloads(t)) == 3 })

	h.tts.mu.Lock()
	defer h.tts.mu.Unlock()
	if len(h.tts.texts) != 1 || h.tts.texts[0] != "We are in Bangalore." {
		t.Errorf("Unexpected TTS calls %v", h.tts.texts)
	}
}

func TestSessionConversionFailureSendsNothing(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "klariqo_pricing1.1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)
	h.conv.err = audio.ErrConversionFailed

	h.stt.emit("pricing?", true)
	waitFor(t, 2*time.Second, func() bool { return h.s.Turns() == 1 && !h.s.acc.InFlight() })

	if n := len(h.ch.mediaPayloads(t)); n != 0 {
		t.Errorf("Expected no media after a conversion failure, got %d frames", n)
	}
	if h.s.State() != StateStreaming {
		t.Errorf("Expected the call to continue, got %s", h.s.State())
	}
}

func TestSessionClosedChannelEndsCall(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "klariqo_pricing1.1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)
	h.ch.mu.Lock()
	h.ch.failAfter = 1
	h.ch.mu.Unlock()

	h.stt.emit("pricing?", true)
	waitFor(t, 2*time.Second, func() bool { return h.s.State() == StateEnded })

	if _, reason := h.ch.state(); reason != "media channel closed" {
		t.Errorf("Unexpected close reason %q", reason)
	}
}

func TestSessionOutboundGreeting(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingFile = "intro_klariqo1.1.mp3"
	llm := &MockLLMProvider{completeResult: "klariqo_pricing1.1.mp3"}
	h := startSession(t, llm, cfg, DirectionOutbound)

	waitFor(t, 2*time.Second, func() bool { return len(h.ch.mediaPayloads(t)) == 2 && !h.s.acc.InFlight() })

	if !h.s.Memory().Flag(FlagIntroPlayed) {
		t.Error("Expected the greeting to set intro_played")
	}
	if llm.Calls() != 0 {
		t.Error("Expected the greeting to bypass selection")
	}
	if got := h.s.Memory().Recent(); len(got) != 1 || got[0] != "intro_klariqo1.1.mp3" {
		t.Errorf("Expected the greeting in the avoid list, got %v", got)
	}
}

func TestSessionReopensDroppedSTT(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "intro_klariqo1.1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	h.stt.mu.Lock()
	first := h.stt.streams[0]
	h.stt.mu.Unlock()
	_ = first.Close()

	if err := h.s.HandleMedia(make([]byte, 320)); !errors.Is(err, ErrTranscriptionFailed) {
		t.Fatalf("Expected the failed send to surface, got %v", err)
	}
	// within the backoff window media is dropped quietly
	if err := h.s.HandleMedia(make([]byte, 320)); err != nil {
		t.Errorf("Expected no error during backoff, got %v", err)
	}

	h.s.mu.Lock()
	h.s.sttRetryAt = time.Time{}
	h.s.mu.Unlock()
	if err := h.s.HandleMedia(make([]byte, 320)); err != nil {
		t.Fatalf("Expected reconnect, got %v", err)
	}
	h.stt.mu.Lock()
	opened := h.stt.opened
	h.stt.mu.Unlock()
	if opened != 2 {
		t.Errorf("Expected a second STT connection, got %d", opened)
	}
}

func TestSessionSlowSTTSendDoesNotBlockSession(t *testing.T) {
	h := startSession(t, &MockLLMProvider{}, testConfig(), DirectionInbound)

	h.stt.mu.Lock()
	stream := h.stt.streams[0]
	h.stt.mu.Unlock()
	stream.mu.Lock()
	stream.delay = time.Second
	stream.mu.Unlock()

	sent := make(chan error, 1)
	go func() { sent <- h.s.HandleMedia(make([]byte, 320)) }()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if id := h.s.StreamID(); id != "MZ-stream" {
		t.Errorf("Unexpected stream id %q", id)
	}
	h.s.End("caller hung up")
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("Expected StreamID and End not to wait for the STT send, took %v", elapsed)
	}

	select {
	case err := <-sent:
		if !errors.Is(err, ErrSessionEnded) {
			t.Errorf("Expected the interrupted send to report the ended session, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleMedia did not return")
	}
}

func TestSessionEndClosesSTTBeforeCancel(t *testing.T) {
	h := startSession(t, &MockLLMProvider{}, testConfig(), DirectionInbound)
	h.stt.mu.Lock()
	stream := h.stt.streams[0]
	h.stt.mu.Unlock()

	h.s.End("stream stopped")

	if !stream.isClosed() {
		t.Fatal("Expected the STT stream to be closed")
	}
	stream.mu.Lock()
	closeErr := stream.closeErr
	stream.mu.Unlock()
	if closeErr != nil {
		t.Errorf("Expected STT to be closed while its context was live, got %v", closeErr)
	}
	select {
	case <-h.s.Done():
	default:
		t.Error("Expected the session context to be cancelled after End")
	}
}

func TestSessionRecordsCallerAudio(t *testing.T) {
	cfg := testConfig()
	cfg.RecordCallerAudio = true
	cfg.MaxRecordingBytes = 640
	h := startSession(t, &MockLLMProvider{}, cfg, DirectionInbound)

	for i := 0; i < 4; i++ {
		_ = h.s.HandleMedia(make([]byte, 320))
	}
	h.s.End("caller hung up")

	rec := h.s.Record()
	if len(rec.CallerAudio) != 44+640 {
		t.Errorf("Expected a capped WAV recording, got %d bytes", len(rec.CallerAudio))
	}
	if rec.EndReason != "caller hung up" || rec.StreamID != "MZ-stream" {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.Duration <= 0 {
		t.Error("Expected a positive duration")
	}
}

func TestSessionWaitTurnDetection(t *testing.T) {
	cfg := testConfig()
	cfg.TurnDetection = TurnDetectionWait
	llm := &MockLLMProvider{completeResult: "klariqo_pricing1.1.mp3"}
	h := startSession(t, llm, cfg, DirectionInbound)

	h.stt.emit("pricing?", true)
	waitFor(t, 2*time.Second, func() bool { return len(h.ch.mediaPayloads(t)) == 11 })
}

func TestSessionHistoryFeedsPrompt(t *testing.T) {
	llm := &MockLLMProvider{completeResult: "intro_klariqo1.1.mp3"}
	h := startSession(t, llm, testConfig(), DirectionInbound)

	h.stt.emit("hello", true)
	waitFor(t, 2*time.Second, func() bool { return h.s.Turns() == 1 && !h.s.acc.InFlight() })
	h.stt.emit("tell me more", true)
	waitFor(t, 2*time.Second, func() bool { return llm.Calls() == 2 })

	llm.mu.Lock()
	user := llm.messages[1][1].Content
	llm.mu.Unlock()
	if !strings.Contains(user, "caller: hello | agent: <audio: intro_klariqo1.1.mp3>") {
		t.Errorf("Expected the previous exchange in the prompt, got:\n%s", user)
	}
	if !strings.Contains(user, "DON'T repeat): intro_klariqo1.1.mp3") {
		t.Errorf("Expected the avoid list in the prompt, got:\n%s", user)
	}
}
