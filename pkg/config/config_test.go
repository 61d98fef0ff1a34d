package config

import (
	"testing"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "dg")
	t.Setenv("OPENAI_API_KEY", "oa")
	t.Setenv("ELEVENLABS_API_KEY", "el")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "5000", cfg.Port)
	assert.Equal(t, "deepgram", cfg.STTProvider)
	assert.Equal(t, 400*time.Millisecond, cfg.SilenceThreshold)
	assert.Equal(t, 10*time.Second, cfg.LLMTimeout)
	assert.Equal(t, []string{"beep", "gomp3", "ffmpeg"}, cfg.Converters)
	assert.Equal(t, 50, cfg.MaxConcurrentCalls)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("PUBLIC_BASE_URL", "https://bot.example/")
	t.Setenv("SILENCE_THRESHOLD", "600")
	t.Setenv("POLL_INTERVAL", "25ms")
	t.Setenv("TURN_DETECTION", "WAIT")
	t.Setenv("AUDIO_CONVERTERS", " ffmpeg , ,beep")
	t.Setenv("SEND_MARKS", "true")
	t.Setenv("MAX_CONCURRENT_CALLS", "not-a-number")
	t.Setenv("GREETING_FILE", "intro.mp3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://bot.example", cfg.PublicBaseURL)
	assert.Equal(t, 600*time.Millisecond, cfg.SilenceThreshold)
	assert.Equal(t, []string{"ffmpeg", "beep"}, cfg.Converters)
	assert.Equal(t, 50, cfg.MaxConcurrentCalls)

	oc := cfg.Orchestrator()
	assert.Equal(t, orchestrator.TurnDetectionWait, oc.TurnDetection)
	assert.Equal(t, 25*time.Millisecond, oc.PollInterval)
	assert.Equal(t, 600*time.Millisecond, oc.SilenceThreshold)
	assert.Equal(t, "intro.mp3", oc.GreetingFile)
	assert.True(t, oc.SendMarks)
	assert.Equal(t, 320, oc.ChunkSize)
}

func TestValidate(t *testing.T) {
	t.Setenv("STT_PROVIDER", "carrier-pigeon")
	t.Setenv("LLM_PROVIDER", "groq")
	t.Setenv("TTS_PROVIDER", "none")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown STT_PROVIDER "carrier-pigeon"`)
	assert.Contains(t, err.Error(), "GROQ_API_KEY is required")
	assert.NotContains(t, err.Error(), "ELEVENLABS")
}
