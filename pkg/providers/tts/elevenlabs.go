package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// VoiceSettings are ElevenLabs synthesis knobs.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// ElevenLabsTTS returns MP3 from the ElevenLabs streaming REST endpoint.
type ElevenLabsTTS struct {
	apiKey   string
	baseURL  string
	model    string
	settings VoiceSettings
	client   *http.Client
}

func NewElevenLabsTTS(apiKey string) *ElevenLabsTTS {
	return &ElevenLabsTTS{
		apiKey:  apiKey,
		baseURL: "https://api.elevenlabs.io/v1",
		model:   "eleven_flash_v2_5",
		settings: VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.8,
		},
		client: http.DefaultClient,
	}
}

func (t *ElevenLabsTTS) SetModel(model string) {
	t.model = model
}

func (t *ElevenLabsTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	if voice == "" {
		return nil, fmt.Errorf("elevenlabs: voice id is required")
	}
	payload := map[string]interface{}{
		"text":           text,
		"model_id":       t.model,
		"voice_settings": t.settings,
	}
	if lang != "" {
		payload["language_code"] = string(lang)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	endpoint := t.baseURL + "/text-to-speech/" + url.PathEscape(string(voice)) + "/stream?output_format=mp3_22050_32"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("elevenlabs error (status %d): %s", resp.StatusCode, string(respBody))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("elevenlabs returned no audio")
	}
	return audio, nil
}

func (t *ElevenLabsTTS) Name() string {
	return "elevenlabs"
}
