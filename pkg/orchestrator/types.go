package orchestrator

import (
	"context"
	"time"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// STTProvider transcribes a complete utterance.
type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}

// STTHandlers receives callbacks from a streaming transcription connection.
// Any of the funcs may be nil.
type STTHandlers struct {
	OnOpen       func()
	OnTranscript func(text string, isFinal bool)
	OnError      func(err error)
}

// STTStream is one live transcription connection. Send takes linear16 PCM.
type STTStream interface {
	Send(chunk []byte) error
	Close() error
}

type StreamingSTTProvider interface {
	StreamTranscribe(ctx context.Context, lang Language, handlers STTHandlers) (STTStream, error)
	Name() string
}

type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// TTSProvider returns encoded audio (MP3 or WAV) for text.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	Name() string
}

type VADProvider interface {
	Process(chunk []byte) (*VADEvent, error)
	Reset()
	Clone() VADProvider
	Name() string
}

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
	VADSilence     VADEventType = "SILENCE"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp int64
}

// WireFormat is the vendor side of outbound media: codec and JSON envelopes.
type WireFormat interface {
	EncodeOutbound(pcm []byte) []byte
	MediaMessage(streamID, payload string) ([]byte, error)
	MarkMessage(streamID, name string) ([]byte, error)
}

// MessageWriter writes one text message to the vendor socket.
type MessageWriter interface {
	WriteMessage(ctx context.Context, data []byte) error
}

// MediaChannel is the outbound half of a call's media socket.
type MediaChannel interface {
	MessageWriter
	Close(reason string) error
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Voice is a TTS vendor voice identifier.
type Voice string

type Language string

const (
	LanguageHi Language = "hi"
	LanguageEn Language = "en"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type TurnDetection string

const (
	TurnDetectionPoll TurnDetection = "poll"
	TurnDetectionWait TurnDetection = "wait"
)

const DefaultFallbackText = "I want to make sure I give you the right information. Could you tell me what specific aspect you'd like to know more about?"

type Config struct {
	SampleRate   int
	Channels     int
	BytesPerSamp int
	// ChunkSize is the outbound frame size in bytes of linear16 PCM.
	ChunkSize int

	SilenceThreshold time.Duration
	PollInterval     time.Duration
	TurnDetection    TurnDetection
	// MaxTurnDuration forces a turn after this long of continuous speech. Zero disables it.
	MaxTurnDuration time.Duration

	LLMTimeout     time.Duration
	TTSTimeout     time.Duration
	ConvertTimeout time.Duration

	Language Language
	Voice    Voice

	RecentFilesLimit   int
	RecentHistoryTurns int
	MaxConcurrentCalls int
	// ChainGap is the pause between files of one audio chain.
	ChainGap       time.Duration
	GoodbyeMarkers []string
	FallbackText   string
	GreetingFile   string
	SendMarks      bool

	RecordCallerAudio bool
	MaxRecordingBytes int
}

func DefaultConfig() Config {
	return Config{
		SampleRate:         8000,
		Channels:           1,
		BytesPerSamp:       2,
		ChunkSize:          320,
		SilenceThreshold:   400 * time.Millisecond,
		PollInterval:       50 * time.Millisecond,
		TurnDetection:      TurnDetectionPoll,
		LLMTimeout:         10 * time.Second,
		TTSTimeout:         15 * time.Second,
		ConvertTimeout:     10 * time.Second,
		Language:           LanguageHi,
		Voice:              "TRnaQb7q41oL7sV0w6Bu",
		RecentFilesLimit:   3,
		RecentHistoryTurns: 2,
		MaxConcurrentCalls: 50,
		ChainGap:           500 * time.Millisecond,
		GoodbyeMarkers:     []string{"goodbye"},
		FallbackText:       DefaultFallbackText,
		MaxRecordingBytes:  16000 * 60 * 10, // 10 minutes of 8 kHz linear16
	}
}

// ChunkDuration is the playback time of one outbound frame.
func (c Config) ChunkDuration() time.Duration {
	bytesPerSecond := c.SampleRate * c.Channels * c.BytesPerSamp
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(c.ChunkSize) * time.Second / time.Duration(bytesPerSecond)
}
