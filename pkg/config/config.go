package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// Config holds all application configuration
type Config struct {
	// App
	Port     string
	Env      string
	LogLevel string
	// PublicBaseURL is the externally reachable https origin. Empty means derive it per request.
	PublicBaseURL string
	AdminToken    string

	// Audio library
	ManifestPath string
	AudioDir     string
	GreetingFile string

	// Providers
	STTProvider    string
	LLMProvider    string
	TTSProvider    string
	LLMModel       string
	STTModel       string
	TTSVoice       string
	DeepgramAPIKey string
	OpenAIAPIKey   string
	GroqAPIKey     string
	GeminiAPIKey   string
	AnthropicKey   string
	AssemblyAIKey  string
	ElevenLabsKey  string
	LokutorAPIKey  string

	// Conversion
	Converters []string
	FFmpegPath string

	// Turn taking
	Language         string
	SilenceThreshold time.Duration
	PollInterval     time.Duration
	TurnDetection    string
	MaxTurnDuration  time.Duration
	LLMTimeout       time.Duration
	TTSTimeout       time.Duration
	VADThreshold     float64

	MaxConcurrentCalls int
	GoodbyeMarkers     []string
	SendMarks          bool

	// Call records
	RecordCallerAudio bool
	CallLogCSV        string
	RedisURL          string
	RedisTTL          time.Duration
	GCSBucket         string
	GCSPrefix         string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", "5000"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", ""),
		PublicBaseURL: strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		AdminToken:    getEnv("ADMIN_TOKEN", ""),

		ManifestPath: getEnv("AUDIO_MANIFEST", "audio_snippets.json"),
		AudioDir:     getEnv("AUDIO_DIR", "audio_optimised"),
		GreetingFile: getEnv("GREETING_FILE", ""),

		STTProvider:    strings.ToLower(getEnv("STT_PROVIDER", "deepgram")),
		LLMProvider:    strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
		TTSProvider:    strings.ToLower(getEnv("TTS_PROVIDER", "elevenlabs")),
		LLMModel:       getEnv("LLM_MODEL", ""),
		STTModel:       getEnv("STT_MODEL", ""),
		TTSVoice:       getEnv("TTS_VOICE", ""),
		DeepgramAPIKey: getEnv("DEEPGRAM_API_KEY", ""),
		OpenAIAPIKey:   getEnv("OPENAI_API_KEY", ""),
		GroqAPIKey:     getEnv("GROQ_API_KEY", ""),
		GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
		AnthropicKey:   getEnv("ANTHROPIC_API_KEY", ""),
		AssemblyAIKey:  getEnv("ASSEMBLYAI_API_KEY", ""),
		ElevenLabsKey:  getEnv("ELEVENLABS_API_KEY", ""),
		LokutorAPIKey:  getEnv("LOKUTOR_API_KEY", ""),

		Converters: getEnvList("AUDIO_CONVERTERS", []string{"beep", "gomp3", "ffmpeg"}),
		FFmpegPath: getEnv("FFMPEG_PATH", ""),

		Language:         getEnv("LANGUAGE", "hi"),
		SilenceThreshold: getEnvDuration("SILENCE_THRESHOLD", 400*time.Millisecond),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 50*time.Millisecond),
		TurnDetection:    strings.ToLower(getEnv("TURN_DETECTION", "poll")),
		MaxTurnDuration:  getEnvDuration("MAX_TURN_DURATION", 0),
		LLMTimeout:       getEnvDuration("LLM_TIMEOUT", 10*time.Second),
		TTSTimeout:       getEnvDuration("TTS_TIMEOUT", 15*time.Second),
		VADThreshold:     getEnvFloat("VAD_THRESHOLD", 0.02),

		MaxConcurrentCalls: getEnvInt("MAX_CONCURRENT_CALLS", 50),
		GoodbyeMarkers:     getEnvList("GOODBYE_MARKERS", []string{"goodbye"}),
		SendMarks:          getEnvBool("SEND_MARKS", false),

		RecordCallerAudio: getEnvBool("RECORD_CALLER_AUDIO", false),
		CallLogCSV:        getEnv("CALL_LOG_CSV", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		RedisTTL:          getEnvDuration("REDIS_TTL", 7*24*time.Hour),
		GCSBucket:         getEnv("GCS_BUCKET", ""),
		GCSPrefix:         getEnv("GCS_PREFIX", "recordings/"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration values are set
func (c *Config) Validate() error {
	var errs []error

	if c.ManifestPath == "" {
		errs = append(errs, errors.New("AUDIO_MANIFEST is required"))
	}

	switch c.STTProvider {
	case "deepgram":
		errs = append(errs, requireKey("DEEPGRAM_API_KEY", c.DeepgramAPIKey))
	case "whisper-openai":
		errs = append(errs, requireKey("OPENAI_API_KEY", c.OpenAIAPIKey))
	case "whisper-groq":
		errs = append(errs, requireKey("GROQ_API_KEY", c.GroqAPIKey))
	case "assemblyai":
		errs = append(errs, requireKey("ASSEMBLYAI_API_KEY", c.AssemblyAIKey))
	default:
		errs = append(errs, fmt.Errorf("unknown STT_PROVIDER %q", c.STTProvider))
	}

	switch c.LLMProvider {
	case "openai":
		errs = append(errs, requireKey("OPENAI_API_KEY", c.OpenAIAPIKey))
	case "groq":
		errs = append(errs, requireKey("GROQ_API_KEY", c.GroqAPIKey))
	case "gemini":
		errs = append(errs, requireKey("GEMINI_API_KEY", c.GeminiAPIKey))
	case "anthropic":
		errs = append(errs, requireKey("ANTHROPIC_API_KEY", c.AnthropicKey))
	default:
		errs = append(errs, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}

	switch c.TTSProvider {
	case "elevenlabs":
		errs = append(errs, requireKey("ELEVENLABS_API_KEY", c.ElevenLabsKey))
	case "lokutor":
		errs = append(errs, requireKey("LOKUTOR_API_KEY", c.LokutorAPIKey))
	case "none", "":
	default:
		errs = append(errs, fmt.Errorf("unknown TTS_PROVIDER %q", c.TTSProvider))
	}

	if c.TurnDetection != string(orchestrator.TurnDetectionPoll) && c.TurnDetection != string(orchestrator.TurnDetectionWait) {
		errs = append(errs, fmt.Errorf("TURN_DETECTION must be poll or wait, got %q", c.TurnDetection))
	}
	if c.SilenceThreshold <= 0 {
		errs = append(errs, errors.New("SILENCE_THRESHOLD must be positive"))
	}
	if c.MaxConcurrentCalls < 0 {
		errs = append(errs, errors.New("MAX_CONCURRENT_CALLS must not be negative"))
	}
	if len(c.Converters) == 0 {
		errs = append(errs, errors.New("AUDIO_CONVERTERS must name at least one backend"))
	}

	return errors.Join(errs...)
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Orchestrator maps the environment onto the call engine's configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	oc := orchestrator.DefaultConfig()
	oc.Language = orchestrator.Language(c.Language)
	if c.TTSVoice != "" {
		oc.Voice = orchestrator.Voice(c.TTSVoice)
	}
	oc.SilenceThreshold = c.SilenceThreshold
	if c.PollInterval > 0 {
		oc.PollInterval = c.PollInterval
	}
	oc.TurnDetection = orchestrator.TurnDetection(c.TurnDetection)
	oc.MaxTurnDuration = c.MaxTurnDuration
	oc.LLMTimeout = c.LLMTimeout
	oc.TTSTimeout = c.TTSTimeout
	oc.MaxConcurrentCalls = c.MaxConcurrentCalls
	oc.GoodbyeMarkers = c.GoodbyeMarkers
	oc.GreetingFile = c.GreetingFile
	oc.SendMarks = c.SendMarks
	oc.RecordCallerAudio = c.RecordCallerAudio
	return oc
}

func requireKey(key, value string) error {
	if value == "" {
		return fmt.Errorf("%s is required", key)
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("400ms") or a bare number of milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
