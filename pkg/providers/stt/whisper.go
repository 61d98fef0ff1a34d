package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// WhisperSTT transcribes complete utterances through an OpenAI-compatible
// /audio/transcriptions endpoint. Calls reach it through orchestrator.SegmentedSTT.
type WhisperSTT struct {
	client *openai.Client
	name   string
	model  string
	format audio.Format
}

func NewOpenAISTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = openai.Whisper1
	}
	return newWhisperSTT("openai_stt", apiKey, "https://api.openai.com/v1", model)
}

func NewGroqSTT(apiKey string, model string) *WhisperSTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return newWhisperSTT("groq-stt", apiKey, "https://api.groq.com/openai/v1", model)
}

func newWhisperSTT(name, apiKey, baseURL, model string) *WhisperSTT {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &WhisperSTT{
		client: openai.NewClientWithConfig(config),
		name:   name,
		model:  model,
		format: audio.Telephony,
	}
}

// SetSampleRate sets the rate of the PCM passed to Transcribe.
func (s *WhisperSTT) SetSampleRate(rate int) {
	s.format.SampleRate = rate
}

func (s *WhisperSTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	wavData := audio.NewWavBuffer(audioPCM, s.format)

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    s.model,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wavData),
		Language: string(lang),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("%s error: %w", s.name, err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func (s *WhisperSTT) Name() string {
	return s.name
}
