package tts

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// LokutorTTS keeps one socket to Lokutor and streams raw 16-bit mono PCM back.
type LokutorTTS struct {
	apiKey string
	host   string
	scheme string
	format audio.Format
	mu     sync.Mutex
	conn   *websocket.Conn
}

func NewLokutorTTS(apiKey string) *LokutorTTS {
	return &LokutorTTS{
		apiKey: apiKey,
		host:   "api.lokutor.com",
		scheme: "wss",
		format: audio.Format{SampleRate: 44100, Channels: 1, BitDepth: 16},
	}
}

// getConn must be called with mu held.
func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	if t.conn != nil {
		return t.conn, nil
	}

	u := url.URL{Scheme: t.scheme, Host: t.host, Path: "/ws", RawQuery: "api_key=" + url.QueryEscape(t.apiKey)}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}

	conn.SetReadLimit(10 * 1024 * 1024)

	t.conn = conn
	return conn, nil
}

// Synthesize returns the utterance as a WAV so the converter chain can resample it.
func (t *LokutorTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	var pcm []byte
	err := t.StreamSynthesize(ctx, text, voice, lang, func(chunk []byte) error {
		pcm = append(pcm, chunk...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("lokutor returned no audio")
	}
	return audio.NewWavBuffer(pcm, t.format), nil
}

// StreamSynthesize delivers PCM chunks as they arrive. Requests are serialized on the shared socket.
func (t *LokutorTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.getConn(ctx)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"text":    text,
		"voice":   string(voice),
		"lang":    string(lang),
		"speed":   1.0,
		"steps":   6,
		"visemes": false,
	}

	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.dropLocked("failed to write json")
		return fmt.Errorf("failed to send synthesis request: %w", err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.dropLocked("failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}

		switch messageType {
		case websocket.MessageBinary:
			if err := onChunk(payload); err != nil {
				t.dropLocked("consumer aborted")
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if strings.HasPrefix(msg, "ERR:") {
				return fmt.Errorf("lokutor error: %s", msg)
			}
		}
	}
}

// dropLocked must be called with mu held. A socket left mid-utterance cannot be reused.
func (t *LokutorTTS) dropLocked(reason string) {
	if t.conn != nil {
		t.conn.Close(websocket.StatusAbnormalClosure, reason)
		t.conn = nil
	}
}

func (t *LokutorTTS) Name() string {
	return "lokutor"
}

func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}
