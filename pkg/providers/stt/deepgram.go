package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

type DeepgramSTT struct {
	apiKey     string
	url        string
	streamURL  string
	model      string
	sampleRate int
	keepAlive  time.Duration
}

func NewDeepgramSTT(apiKey string) *DeepgramSTT {
	return &DeepgramSTT{
		apiKey:     apiKey,
		url:        "https://api.deepgram.com/v1/listen",
		streamURL:  "wss://api.deepgram.com/v1/listen",
		model:      "nova-2",
		sampleRate: 8000,
		keepAlive:  5 * time.Second,
	}
}

func (s *DeepgramSTT) SetModel(model string) {
	s.model = model
}

func (s *DeepgramSTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *DeepgramSTT) Name() string {
	return "deepgram-stt"
}

// Transcribe sends one complete linear16 utterance to the pre-recorded endpoint.
func (s *DeepgramSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return "", err
	}

	params := u.Query()
	params.Set("model", s.model)
	params.Set("smart_format", "true")
	if lang != "" {
		params.Set("language", string(lang))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", u.String(), bytes.NewReader(audioPCM))
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "audio/l16; rate="+strconv.Itoa(s.sampleRate)+"; channels=1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("deepgram error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Results struct {
			Channels []deepgramChannel `json:"channels"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	if len(result.Results.Channels) == 0 {
		return "", nil
	}
	return result.Results.Channels[0].transcript(), nil
}

type deepgramChannel struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
	} `json:"alternatives"`
}

func (c deepgramChannel) transcript() string {
	if len(c.Alternatives) == 0 {
		return ""
	}
	return c.Alternatives[0].Transcript
}

type deepgramMessage struct {
	Type        string          `json:"type"`
	Channel     deepgramChannel `json:"channel"`
	IsFinal     bool            `json:"is_final"`
	SpeechFinal bool            `json:"speech_final"`
}

// StreamTranscribe opens a live transcription socket with interim results.
func (s *DeepgramSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, handlers orchestrator.STTHandlers) (orchestrator.STTStream, error) {
	u, err := url.Parse(s.streamURL)
	if err != nil {
		return nil, err
	}
	params := u.Query()
	params.Set("model", s.model)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(s.sampleRate))
	params.Set("channels", "1")
	params.Set("interim_results", "true")
	params.Set("punctuate", "true")
	params.Set("smart_format", "true")
	if lang != "" {
		params.Set("language", string(lang))
	}
	u.RawQuery = params.Encode()

	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	defer cancelDial()
	conn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Token " + s.apiKey}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to deepgram: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	streamCtx, cancel := context.WithCancel(ctx)
	st := &deepgramStream{
		conn:     conn,
		ctx:      streamCtx,
		cancel:   cancel,
		handlers: handlers,
		done:     make(chan struct{}),
	}
	go st.readLoop()
	if s.keepAlive > 0 {
		go st.keepAliveLoop(s.keepAlive)
	}

	if handlers.OnOpen != nil {
		handlers.OnOpen()
	}
	return st, nil
}

type deepgramStream struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	handlers orchestrator.STTHandlers
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

var errDeepgramClosed = errors.New("deepgram stream closed")

func (st *deepgramStream) Send(chunk []byte) error {
	if st.isClosed() {
		return errDeepgramClosed
	}
	ctx, cancel := context.WithTimeout(st.ctx, 5*time.Second)
	defer cancel()
	return st.conn.Write(ctx, websocket.MessageBinary, chunk)
}

func (st *deepgramStream) readLoop() {
	defer close(st.done)
	for {
		var msg deepgramMessage
		if err := wsjson.Read(st.ctx, st.conn, &msg); err != nil {
			if !st.isClosed() && st.handlers.OnError != nil {
				st.handlers.OnError(err)
			}
			st.markClosed()
			return
		}
		if msg.Type != "Results" {
			continue
		}
		text := msg.Channel.transcript()
		if text != "" && st.handlers.OnTranscript != nil {
			st.handlers.OnTranscript(text, msg.IsFinal)
		}
	}
}

func (st *deepgramStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			if err := wsjson.Write(st.ctx, st.conn, map[string]string{"type": "KeepAlive"}); err != nil {
				return
			}
		}
	}
}

// Close asks Deepgram to flush, then closes the socket and waits for the reader.
func (st *deepgramStream) Close() error {
	var err error
	st.closeOnce.Do(func() {
		if !st.isClosed() {
			// st.ctx may already be cancelled by the caller; CloseStream still has to go out
			ctx, cancel := context.WithTimeout(context.WithoutCancel(st.ctx), 2*time.Second)
			_ = wsjson.Write(ctx, st.conn, map[string]string{"type": "CloseStream"})
			cancel()
		}
		st.markClosed()
		err = st.conn.Close(websocket.StatusNormalClosure, "")
		st.cancel()
		<-st.done
	})
	return err
}

func (st *deepgramStream) markClosed() {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
}

func (st *deepgramStream) isClosed() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.closed
}
