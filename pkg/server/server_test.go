package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return f.reply, nil
}

func (f *fakeLLM) Name() string { return "fake-llm" }

type fakeSTT struct {
	mu       sync.Mutex
	handlers orchestrator.STTHandlers
	sent     int
	opened   int
}

func (f *fakeSTT) StreamTranscribe(ctx context.Context, lang orchestrator.Language, h orchestrator.STTHandlers) (orchestrator.STTStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
	f.opened++
	return &fakeSTTStream{stt: f}, nil
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) emit(text string) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnTranscript != nil {
		h.OnTranscript(text, true)
	}
}

func (f *fakeSTT) bytesSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func (f *fakeSTT) isOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened > 0
}

type fakeSTTStream struct {
	stt *fakeSTT
}

func (s *fakeSTTStream) Send(chunk []byte) error {
	s.stt.mu.Lock()
	s.stt.sent += len(chunk)
	s.stt.mu.Unlock()
	return nil
}

func (s *fakeSTTStream) Close() error { return nil }

// passthrough treats library bytes as decoded PCM.
type passthrough struct{}

func (passthrough) Convert(ctx context.Context, data []byte, target audio.Format) ([]byte, error) {
	return data, nil
}

func (passthrough) Name() string { return "passthrough" }

type testEnv struct {
	orch    *orchestrator.Orchestrator
	library *orchestrator.AudioLibrary
	stt     *fakeSTT
	server  *Server
	http    *httptest.Server
}

func newTestEnv(t *testing.T, opts Options, reply string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	files := map[string]int{
		"intro_klariqo1.1.mp3":   640,
		"klariqo_pricing1.1.mp3": 960,
	}
	for name, n := range files {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i%200 + 1)
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	manifest := map[string]map[string]string{
		"introductions": {"intro_klariqo1.1.mp3": "Hi, this is Nisha from Klariqo."},
		"pricing":       {"klariqo_pricing1.1.mp3": "Our plans start at 3000 minutes a month."},
	}
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	manifestPath := filepath.Join(dir, "audio_snippets.json")
	require.NoError(t, os.WriteFile(manifestPath, raw, 0o644))

	lib := orchestrator.NewAudioLibrary(manifestPath, dir, nil)
	require.NoError(t, lib.Reload())

	cfg := orchestrator.DefaultConfig()
	cfg.SilenceThreshold = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.LLMTimeout = time.Second

	stt := &fakeSTT{}
	orch := orchestrator.New(stt, &fakeLLM{reply: reply}, nil, lib, passthrough{}, cfg)
	srv := New(orch, lib, opts, nil, nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = orch.Shutdown(context.Background())
		hs.Close()
	})
	return &testEnv{orch: orch, library: lib, stt: stt, server: srv, http: hs}
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values, header http.Header) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.http.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	resp, err := http.Get(env.http.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "running", body["status"])
	assert.EqualValues(t, 0, body["active_sessions"])
}

func TestExotelVoice(t *testing.T) {
	env := newTestEnv(t, Options{}, "")

	resp, body := env.postForm(t, "/exotel/voice", url.Values{"CallSid": {"CA100"}, "From": {"+911234"}},
		http.Header{"X-Forwarded-Host": {"bot.example"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/xml")
	assert.Contains(t, body, `<Voicebot url="https://bot.example/exotel/get_websocket">`)

	sess, ok := env.orch.Session("CA100")
	require.True(t, ok)
	assert.True(t, sess.Memory().Flag(orchestrator.FlagIntroPlayed))
	assert.Equal(t, orchestrator.DirectionInbound, sess.Direction)

	resp, _ = env.postForm(t, "/exotel/voice", url.Values{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExotelWebsocketURL(t *testing.T) {
	env := newTestEnv(t, Options{PublicBaseURL: "https://public.example"}, "")

	resp, err := http.Get(env.http.URL + "/exotel/get_websocket?CallSid=CA7")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "wss://public.example/exotel/media/CA7", body["url"])

	resp2, err := http.Get(env.http.URL + "/exotel/get_websocket")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestTwilioVoice(t *testing.T) {
	env := newTestEnv(t, Options{PublicBaseURL: "https://public.example", GreetingFile: "intro_klariqo1.1.mp3"}, "")

	resp, body := env.postForm(t, "/twilio/voice", url.Values{"CallSid": {"CA200"}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "<Play>https://public.example/audio/intro_klariqo1.1.mp3</Play>")
	assert.Contains(t, body, `<Stream url="wss://public.example/twilio/media/CA200">`)

	sess, ok := env.orch.Session("CA200")
	require.True(t, ok)
	assert.Equal(t, []string{"intro_klariqo1.1.mp3"}, sess.Memory().Recent())
}

func TestCallStatusEndsSession(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	_, err := env.orch.CreateSession("CA300", orchestrator.DirectionInbound)
	require.NoError(t, err)

	resp, body := env.postForm(t, "/exotel/status", url.Values{"CallSid": {"CA300"}, "CallStatus": {"ringing"}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body)
	assert.Equal(t, 1, env.orch.ActiveCount())

	resp, _ = env.postForm(t, "/twilio/status", url.Values{"CallSid": {"CA300"}, "CallStatus": {"completed"}}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, env.orch.ActiveCount())

	resp, _ = env.postForm(t, "/twilio/status", url.Values{"CallStatus": {"completed"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeAudio(t *testing.T) {
	env := newTestEnv(t, Options{}, "")

	resp, err := http.Get(env.http.URL + "/audio/klariqo_pricing1.1.mp3")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.EqualValues(t, 960, resp.ContentLength)

	missing, err := http.Get(env.http.URL + "/audio/nope.mp3")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestAdminReload(t *testing.T) {
	disabled := newTestEnv(t, Options{}, "")
	resp, _ := disabled.postForm(t, "/admin/library/reload", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	env := newTestEnv(t, Options{AdminToken: "s3cret"}, "")
	resp, _ = env.postForm(t, "/admin/library/reload", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.postForm(t, "/admin/library/reload", nil, http.Header{"X-Admin-Token": {"s3cre"}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.postForm(t, "/admin/library/reload", nil, http.Header{"X-Admin-Token": {"s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.postForm(t, "/admin/library/reload", nil, http.Header{"Authorization": {"Bearer s3cret"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats orchestrator.LibraryStats
	require.NoError(t, json.Unmarshal([]byte(body), &stats))
	assert.Equal(t, 2, stats.Files)
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("s3cret", "s3cret"))
	assert.False(t, tokenMatches("s3cre", "s3cret"))
	assert.False(t, tokenMatches("s3cret!", "s3cret"))
	assert.False(t, tokenMatches("", "s3cret"))
}

func TestDebug(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	_, err := env.orch.CreateSession("CA400", orchestrator.DirectionOutbound)
	require.NoError(t, err)

	resp, err := http.Get(env.http.URL + "/debug")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Providers map[string]string `json:"providers"`
		Sessions  []sessionInfo     `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "fake-stt", body.Providers["stt"])
	assert.Equal(t, "passthrough", body.Providers["converter"])
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, "CA400", body.Sessions[0].CallID)
	assert.Equal(t, "CREATED", body.Sessions[0].State)
}

func dialMedia(t *testing.T, env *testEnv, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.http.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(msg)))
}

func TestExotelMediaTurn(t *testing.T) {
	env := newTestEnv(t, Options{}, "klariqo_pricing1.1.mp3")
	conn := dialMedia(t, env, "/exotel/media/CA500")

	send(t, conn, `{"event":"connected"}`)
	send(t, conn, `{"event":"start","stream_sid":"st-500","start":{"call_sid":"CA500"}}`)
	pcm := base64.StdEncoding.EncodeToString(make([]byte, 320))
	send(t, conn, `{"event":"media","stream_sid":"st-500","media":{"payload":"`+pcm+`"}}`)

	waitFor(t, 2*time.Second, func() bool { return env.stt.bytesSent() == 320 })
	env.stt.emit("fees kitni hai")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var total int
	for frames := 0; frames < 3; frames++ {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg struct {
			Event     string `json:"event"`
			StreamSID string `json:"stream_sid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		require.NoError(t, json.Unmarshal(data, &msg))
		assert.Equal(t, "media", msg.Event)
		assert.Equal(t, "st-500", msg.StreamSID)
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		require.NoError(t, err)
		assert.Len(t, frame, 320)
		total += len(frame)
	}
	assert.Equal(t, 960, total)

	sess, ok := env.orch.Session("CA500")
	require.True(t, ok)
	waitFor(t, 2*time.Second, func() bool { return sess.Turns() == 1 && len(sess.History()) == 2 })

	// keep reading so the server's close handshake completes
	go func() {
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}()
	send(t, conn, `{"event":"stop","stream_sid":"st-500"}`)
	waitFor(t, 2*time.Second, func() bool { return env.orch.ActiveCount() == 0 })
	assert.Equal(t, orchestrator.StateEnded, sess.State())
}

func TestTwilioMediaDecodesMulaw(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	conn := dialMedia(t, env, "/twilio/media/CA600")

	send(t, conn, `{"event":"start","streamSid":"MZ600","start":{"streamSid":"MZ600","callSid":"CA600"}}`)
	ulaw := base64.StdEncoding.EncodeToString(make([]byte, 160))
	send(t, conn, `{"event":"media","streamSid":"MZ600","media":{"track":"inbound","payload":"`+ulaw+`"}}`)
	send(t, conn, `{"event":"media","streamSid":"MZ600","media":{"track":"outbound","payload":"`+ulaw+`"}}`)
	send(t, conn, `not json`)
	send(t, conn, `{"event":"dtmf","streamSid":"MZ600","dtmf":{"digit":"1"}}`)
	send(t, conn, `{"event":"media","streamSid":"MZ600","media":{"payload":"`+ulaw+`"}}`)

	waitFor(t, 2*time.Second, func() bool { return env.stt.bytesSent() == 640 })

	sess, ok := env.orch.Session("CA600")
	require.True(t, ok)
	assert.Equal(t, "MZ600", sess.StreamID())
}

func TestMediaSocketCloseEndsCall(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	conn := dialMedia(t, env, "/exotel/media/CA700")
	send(t, conn, `{"event":"start","stream_sid":"st-700"}`)
	waitFor(t, 2*time.Second, func() bool { return env.stt.isOpen() })

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	waitFor(t, 2*time.Second, func() bool { return env.orch.ActiveCount() == 0 })
}

func TestMediaCapacity(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	cfg := env.orch.GetConfig()
	for i := 0; i < cfg.MaxConcurrentCalls; i++ {
		_, err := env.orch.CreateSession(fmt.Sprintf("CA-fill-%d", i), orchestrator.DirectionInbound)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(env.http.URL, "http")+"/exotel/media/CA-over", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.False(t, errors.Is(err, context.DeadlineExceeded))
}
