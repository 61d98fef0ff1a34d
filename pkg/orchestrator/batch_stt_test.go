package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
)

type MockSTTProvider struct {
	transcribeResult string
	transcribeErr    error

	mu       sync.Mutex
	segments [][]byte
}

func (m *MockSTTProvider) Transcribe(ctx context.Context, pcm []byte, lang Language) (string, error) {
	m.mu.Lock()
	m.segments = append(m.segments, pcm)
	m.mu.Unlock()
	return m.transcribeResult, m.transcribeErr
}

func (m *MockSTTProvider) Name() string {
	return "MockSTT"
}

// unevenBatch answers its first call slowly and later calls at once.
type unevenBatch struct {
	mu    sync.Mutex
	calls int
}

func (b *unevenBatch) Transcribe(ctx context.Context, pcm []byte, lang Language) (string, error) {
	b.mu.Lock()
	b.calls++
	n := b.calls
	b.mu.Unlock()
	if n == 1 {
		time.Sleep(150 * time.Millisecond)
		return "pehla", nil
	}
	return "doosra", nil
}

func (b *unevenBatch) Name() string { return "uneven" }

func toneFrame(amplitude int16) []byte {
	samples := make([]int16, 160)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audio.Int16ToBytes(samples)
}

func TestRMSVADSpeechStartAndEnd(t *testing.T) {
	clock := newFakeClock()
	vad := NewRMSVAD(0.05, 300*time.Millisecond)
	vad.now = clock.Now

	loud, quiet := toneFrame(8000), toneFrame(0)

	var events []VADEventType
	for i := 0; i < 4; i++ {
		ev, _ := vad.Process(loud)
		if ev != nil {
			events = append(events, ev.Type)
		}
		clock.Advance(20 * time.Millisecond)
	}
	if len(events) != 1 || events[0] != VADSpeechStart || !vad.IsSpeaking() {
		t.Fatalf("Expected a confirmed speech start, got %v", events)
	}

	var end bool
	for i := 0; i < 20 && !end; i++ {
		ev, _ := vad.Process(quiet)
		end = ev != nil && ev.Type == VADSpeechEnd
		clock.Advance(20 * time.Millisecond)
	}
	if !end {
		t.Fatal("Expected speech end after the silence limit")
	}
	if vad.LastRMS() != 0 {
		t.Errorf("Expected zero RMS for silence, got %f", vad.LastRMS())
	}
}

func TestSegmentedSTTDeliversFinalFragments(t *testing.T) {
	batch := &MockSTTProvider{transcribeResult: " नमस्ते "}
	clock := newFakeClock()
	vad := NewRMSVAD(0.05, 200*time.Millisecond)
	vad.now = clock.Now

	seg := NewSegmentedSTT(batch, vad, DefaultConfig(), nil)
	if seg.Name() != "segmented-MockSTT" {
		t.Errorf("Unexpected name %s", seg.Name())
	}

	got := make(chan string, 1)
	opened := false
	stream, err := seg.StreamTranscribe(context.Background(), LanguageHi, STTHandlers{
		OnOpen: func() { opened = true },
		OnTranscript: func(text string, isFinal bool) {
			if isFinal {
				got <- text
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !opened {
		t.Error("Expected OnOpen to fire")
	}

	for i := 0; i < 10; i++ {
		_ = stream.Send(toneFrame(0))
		clock.Advance(20 * time.Millisecond)
	}
	for i := 0; i < 25; i++ {
		_ = stream.Send(toneFrame(8000))
		clock.Advance(20 * time.Millisecond)
	}
	for i := 0; i < 15; i++ {
		_ = stream.Send(toneFrame(0))
		clock.Advance(20 * time.Millisecond)
	}

	select {
	case text := <-got:
		if text != "नमस्ते" {
			t.Errorf("Expected trimmed transcript, got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a final fragment")
	}

	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(toneFrame(0)); err == nil {
		t.Error("Expected Send after Close to fail")
	}

	batch.mu.Lock()
	defer batch.mu.Unlock()
	if len(batch.segments) != 1 {
		t.Fatalf("Expected one segment, got %d", len(batch.segments))
	}
	// the segment carries some pre-roll ahead of the confirmed start
	if len(batch.segments[0]) <= 25*320 {
		t.Errorf("Expected pre-roll in the segment, got %d bytes", len(batch.segments[0]))
	}
}

func TestSegmentedSTTKeepsSegmentOrder(t *testing.T) {
	clock := newFakeClock()
	vad := NewRMSVAD(0.05, 200*time.Millisecond)
	vad.now = clock.Now
	seg := NewSegmentedSTT(&unevenBatch{}, vad, DefaultConfig(), nil)

	got := make(chan string, 2)
	stream, err := seg.StreamTranscribe(context.Background(), LanguageHi, STTHandlers{
		OnTranscript: func(text string, isFinal bool) { got <- text },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	for utterance := 0; utterance < 2; utterance++ {
		for i := 0; i < 10; i++ {
			_ = stream.Send(toneFrame(8000))
			clock.Advance(20 * time.Millisecond)
		}
		for i := 0; i < 15; i++ {
			_ = stream.Send(toneFrame(0))
			clock.Advance(20 * time.Millisecond)
		}
	}

	var order []string
	for len(order) < 2 {
		select {
		case text := <-got:
			order = append(order, text)
		case <-time.After(2 * time.Second):
			t.Fatalf("Expected two fragments, got %v", order)
		}
	}
	if order[0] != "pehla" || order[1] != "doosra" {
		t.Errorf("Expected fragments in speaking order, got %v", order)
	}
}
