package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// AssemblyAISTT is an upload-and-poll batch transcriber.
type AssemblyAISTT struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	format       audio.Format
}

func NewAssemblyAISTT(apiKey string) *AssemblyAISTT {
	return &AssemblyAISTT{
		apiKey:       apiKey,
		baseURL:      "https://api.assemblyai.com/v2",
		pollInterval: 500 * time.Millisecond,
		format:       audio.Telephony,
	}
}

func (s *AssemblyAISTT) Name() string {
	return "assemblyai-stt"
}

func (s *AssemblyAISTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	uploadURL, err := s.upload(ctx, audio.NewWavBuffer(audioPCM, s.format))
	if err != nil {
		return "", err
	}

	transcriptID, err := s.submit(ctx, uploadURL, lang)
	if err != nil {
		return "", err
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			text, status, err := s.getTranscript(ctx, transcriptID)
			if err != nil {
				return "", err
			}
			switch status {
			case "completed":
				return text, nil
			case "error":
				return "", fmt.Errorf("assemblyai transcription %s failed", transcriptID)
			}
		}
	}
}

func (s *AssemblyAISTT) do(req *http.Request, out interface{}) error {
	req.Header.Set("Authorization", s.apiKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("assemblyai error (status %d): %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *AssemblyAISTT) upload(ctx context.Context, wav []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/upload", bytes.NewReader(wav))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var result struct {
		UploadURL string `json:"upload_url"`
	}
	if err := s.do(req, &result); err != nil {
		return "", err
	}
	return result.UploadURL, nil
}

func (s *AssemblyAISTT) submit(ctx context.Context, uploadURL string, lang orchestrator.Language) (string, error) {
	payload := map[string]interface{}{
		"audio_url": uploadURL,
	}
	if lang != "" {
		payload["language_code"] = string(lang)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var result struct {
		ID string `json:"id"`
	}
	if err := s.do(req, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (s *AssemblyAISTT) getTranscript(ctx context.Context, id string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/transcript/"+id, nil)
	if err != nil {
		return "", "", err
	}

	var result struct {
		Status string `json:"status"`
		Text   string `json:"text"`
	}
	if err := s.do(req, &result); err != nil {
		return "", "", err
	}
	return result.Text, result.Status, nil
}
