package orchestrator

import "errors"

// Custom error types for better error discrimination
var (
	// ErrTranscriptionFailed is returned when STT provider fails
	ErrTranscriptionFailed = errors.New("speech-to-text transcription failed")

	// ErrLLMFailed is returned when LLM provider fails
	ErrLLMFailed = errors.New("language model generation failed")

	// ErrTTSFailed is returned when TTS provider fails
	ErrTTSFailed = errors.New("text-to-speech synthesis failed")

	// ErrNilProvider is returned when a required provider is nil
	ErrNilProvider = errors.New("required provider is nil")

	// ErrMissingCallID is returned when a session is requested without a call id
	ErrMissingCallID = errors.New("call id is required")

	// ErrCapacity is returned when MaxConcurrentCalls sessions are already live
	ErrCapacity = errors.New("maximum concurrent calls reached")

	// ErrSessionEnded is returned for operations on a torn-down session
	ErrSessionEnded = errors.New("call session has ended")

	// ErrNoStreamID is returned when audio must be sent before the vendor start event
	ErrNoStreamID = errors.New("stream id not yet received")

	// ErrNoChannel is returned when audio must be sent before a media channel is attached
	ErrNoChannel = errors.New("no media channel attached")

	// ErrStreamClosed is returned when the outbound channel fails mid-stream
	ErrStreamClosed = errors.New("outbound media channel closed")

	// ErrAssetNotFound is returned when a filename is not in the audio library
	ErrAssetNotFound = errors.New("audio asset not found")

	// ErrLibraryNotLoaded is returned by library lookups before the first Reload
	ErrLibraryNotLoaded = errors.New("audio library not loaded")
)
