package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	groqBaseURL   = "https://api.groq.com/openai/v1"

	// selection replies are a short filename chain or one sentence
	defaultTemperature = 0.1
	defaultMaxTokens   = 100
)

// OpenAILLM talks to any OpenAI-compatible chat completions endpoint.
type OpenAILLM struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return newCompatibleLLM("openai-llm", apiKey, openAIBaseURL, model)
}

// NewGroqLLM uses Groq's OpenAI-compatible endpoint.
func NewGroqLLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return newCompatibleLLM("groq-llm", apiKey, groqBaseURL, model)
}

func newCompatibleLLM(name, apiKey, baseURL, model string) *OpenAILLM {
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL
	return &OpenAILLM{
		client:      openai.NewClientWithConfig(config),
		name:        name,
		model:       model,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
}

// SetSampling overrides temperature and the completion token cap.
func (l *OpenAILLM) SetSampling(temperature float32, maxTokens int) {
	l.temperature = temperature
	l.maxTokens = maxTokens
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	chat := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		chat = append(chat, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       l.model,
		Messages:    chat,
		Temperature: l.temperature,
		MaxTokens:   l.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("%s error: %w", l.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from %s", l.name)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (l *OpenAILLM) Name() string {
	return l.name
}
