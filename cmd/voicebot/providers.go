package main

import (
	"context"
	"fmt"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/config"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	llmProvider "github.com/lokutor-ai/lokutor-voicebot/pkg/providers/llm"
	sttProvider "github.com/lokutor-ai/lokutor-voicebot/pkg/providers/stt"
	ttsProvider "github.com/lokutor-ai/lokutor-voicebot/pkg/providers/tts"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/store"
)

// segmentSilence is how long a pause closes a segment for batch transcription.
const segmentSilence = 600 * time.Millisecond

func buildSTT(cfg *config.Config, oc orchestrator.Config, logger orchestrator.Logger) (orchestrator.StreamingSTTProvider, error) {
	var batch orchestrator.STTProvider
	switch cfg.STTProvider {
	case "deepgram":
		dg := sttProvider.NewDeepgramSTT(cfg.DeepgramAPIKey)
		if cfg.STTModel != "" {
			dg.SetModel(cfg.STTModel)
		}
		dg.SetSampleRate(oc.SampleRate)
		return dg, nil
	case "whisper-openai":
		batch = sttProvider.NewOpenAISTT(cfg.OpenAIAPIKey, cfg.STTModel)
	case "whisper-groq":
		batch = sttProvider.NewGroqSTT(cfg.GroqAPIKey, cfg.STTModel)
	case "assemblyai":
		batch = sttProvider.NewAssemblyAISTT(cfg.AssemblyAIKey)
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.STTProvider)
	}

	// Set sample rate if supported
	if s, ok := batch.(interface{ SetSampleRate(int) }); ok {
		s.SetSampleRate(oc.SampleRate)
	}
	vad := orchestrator.NewRMSVAD(cfg.VADThreshold, segmentSilence)
	return orchestrator.NewSegmentedSTT(batch, vad, oc, logger), nil
}

func buildLLM(cfg *config.Config) (orchestrator.LLMProvider, error) {
	switch cfg.LLMProvider {
	case "openai":
		return llmProvider.NewOpenAILLM(cfg.OpenAIAPIKey, cfg.LLMModel), nil
	case "groq":
		return llmProvider.NewGroqLLM(cfg.GroqAPIKey, cfg.LLMModel), nil
	case "gemini":
		return llmProvider.NewGoogleLLM(cfg.GeminiAPIKey, cfg.LLMModel), nil
	case "anthropic":
		return llmProvider.NewAnthropicLLM(cfg.AnthropicKey, cfg.LLMModel), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// buildTTS returns nil when synthesis is disabled; GENERATE replies then fall back to silence.
func buildTTS(cfg *config.Config) (orchestrator.TTSProvider, error) {
	switch cfg.TTSProvider {
	case "elevenlabs":
		return ttsProvider.NewElevenLabsTTS(cfg.ElevenLabsKey), nil
	case "lokutor":
		return ttsProvider.NewLokutorTTS(cfg.LokutorAPIKey), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown TTS provider %q", cfg.TTSProvider)
	}
}

// buildConverter chains the configured backends in order. Backends that are unavailable on this
// host (ffmpeg not installed) are skipped with a warning.
func buildConverter(cfg *config.Config, logger orchestrator.Logger) (*audio.Chain, error) {
	var backends []audio.Converter
	for _, name := range cfg.Converters {
		b, err := audio.NewBackend(name, audio.BackendOptions{FFmpegPath: cfg.FFmpegPath})
		if err != nil {
			logger.Warn("audio converter unavailable", "backend", name, "error", err)
			continue
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("no usable audio converter among %v", cfg.Converters)
	}
	return audio.NewChain(backends...), nil
}

// buildRecorder wires every configured call-record sink. The cleanup func closes their clients.
func buildRecorder(ctx context.Context, cfg *config.Config) (orchestrator.CallRecorder, func(), error) {
	var recorders store.Multi
	var closers []func() error

	if cfg.CallLogCSV != "" {
		recorders = append(recorders, store.NewCSVRecorder(cfg.CallLogCSV))
	}
	if cfg.RedisURL != "" {
		client, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, client.Close)
		recorders = append(recorders, store.NewRedisRecorder(client, cfg.RedisTTL))
	}
	if cfg.GCSBucket != "" {
		gcs, err := store.NewGCSRecorder(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, err
		}
		closers = append(closers, gcs.Close)
		recorders = append(recorders, gcs)
	}

	cleanup := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	if len(recorders) == 0 {
		return nil, cleanup, nil
	}
	return recorders, cleanup, nil
}
