package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
)

// CallRecord is what is persisted about a finished call.
type CallRecord struct {
	CallID      string            `json:"call_id"`
	Direction   Direction         `json:"direction"`
	StreamID    string            `json:"stream_id,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at"`
	Duration    time.Duration     `json:"duration"`
	EndReason   string            `json:"end_reason"`
	Turns       int               `json:"turns"`
	Flags       map[string]bool   `json:"flags"`
	Fields      map[string]string `json:"fields,omitempty"`
	History     []HistoryEntry    `json:"history,omitempty"`
	CallerAudio []byte            `json:"-"`
}

// CallRecorder persists finished calls.
type CallRecorder interface {
	RecordCall(ctx context.Context, rec CallRecord) error
}

// recordTimeout bounds a single recorder call after teardown.
const recordTimeout = 30 * time.Second

var terminalStatuses = map[string]bool{
	"completed": true,
	"failed":    true,
	"busy":      true,
	"no-answer": true,
	"canceled":  true,
}

// IsTerminalStatus reports whether a vendor call status ends the call.
func IsTerminalStatus(status string) bool {
	return terminalStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// Orchestrator owns the shared collaborators and the registry of live calls.
type Orchestrator struct {
	stt       StreamingSTTProvider
	llm       LLMProvider
	tts       TTSProvider
	assets    AssetSource
	converter audio.Converter
	selector  *ResponseSelector
	registry  *SessionRegistry
	config    Config
	logger    Logger

	mu       sync.RWMutex
	recorder CallRecorder
	records  sync.WaitGroup
}

// New creates an orchestrator with a no-op logger.
func New(stt StreamingSTTProvider, llm LLMProvider, tts TTSProvider, assets AssetSource, converter audio.Converter, config Config) *Orchestrator {
	return NewWithLogger(stt, llm, tts, assets, converter, config, &NoOpLogger{})
}

// NewWithLogger creates an orchestrator with a custom logger. If logger is nil, a no-op logger is used.
func NewWithLogger(stt StreamingSTTProvider, llm LLMProvider, tts TTSProvider, assets AssetSource, converter audio.Converter, config Config, logger Logger) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Orchestrator{
		stt:       stt,
		llm:       llm,
		tts:       tts,
		assets:    assets,
		converter: converter,
		selector:  NewResponseSelector(llm, assets, config, logger),
		registry:  NewSessionRegistry(),
		config:    config,
		logger:    logger,
	}
}

// SetRecorder sets where finished calls are persisted. nil disables recording.
func (o *Orchestrator) SetRecorder(r CallRecorder) {
	o.mu.Lock()
	o.recorder = r
	o.mu.Unlock()
}

// Selector exposes the response selector for prompt and flag-rule overrides.
func (o *Orchestrator) Selector() *ResponseSelector {
	return o.selector
}

// CreateSession returns the live session for callID, creating it if needed.
func (o *Orchestrator) CreateSession(callID string, dir Direction) (*CallSession, error) {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return nil, ErrMissingCallID
	}
	if o.assets == nil {
		return nil, fmt.Errorf("%w: audio library", ErrNilProvider)
	}

	s, created, err := o.registry.GetOrAdd(callID, func(n int) (*CallSession, error) {
		if o.config.MaxConcurrentCalls > 0 && n >= o.config.MaxConcurrentCalls {
			return nil, ErrCapacity
		}
		s := newCallSession(callID, dir, o)
		s.onEnd = o.sessionEnded
		return s, nil
	})
	if err != nil {
		o.logger.Warn("call rejected", "callID", callID, "error", err)
		return nil, err
	}
	if created {
		o.logger.Info("call session created", "callID", callID, "direction", dir, "active", o.registry.Len())
	}
	return s, nil
}

// Session returns the live session for callID.
func (o *Orchestrator) Session(callID string) (*CallSession, bool) {
	return o.registry.Get(callID)
}

// HandleStatus applies a vendor status callback. It reports whether a live session was ended.
func (o *Orchestrator) HandleStatus(callID, status string) bool {
	o.logger.Info("call status", "callID", callID, "status", status)
	if !IsTerminalStatus(status) {
		return false
	}
	s, ok := o.registry.Get(callID)
	if !ok {
		return false
	}
	s.End("status: " + strings.ToLower(status))
	return true
}

func (o *Orchestrator) sessionEnded(s *CallSession) {
	o.registry.Remove(s.ID, s)

	o.mu.RLock()
	recorder := o.recorder
	o.mu.RUnlock()
	if recorder == nil {
		return
	}

	rec := s.Record()
	o.records.Add(1)
	go func() {
		defer o.records.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := recorder.RecordCall(ctx, rec); err != nil {
			o.logger.Error("failed to record call", "callID", rec.CallID, "error", err)
		}
	}()
}

func (o *Orchestrator) ActiveCount() int {
	return o.registry.Len()
}

// Sessions lists live calls, oldest first.
func (o *Orchestrator) Sessions() []*CallSession {
	return o.registry.List()
}

// Shutdown ends every live call and waits for pending call records or ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	for _, s := range o.registry.List() {
		s.End("shutdown")
	}
	done := make(chan struct{})
	go func() {
		o.records.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetConfig returns the configuration sessions are created with.
func (o *Orchestrator) GetConfig() Config {
	return o.config
}

// GetProviders returns information about the current providers
func (o *Orchestrator) GetProviders() map[string]string {
	providers := map[string]string{}
	if o.stt != nil {
		providers["stt"] = o.stt.Name()
	}
	if o.llm != nil {
		providers["llm"] = o.llm.Name()
	}
	if o.tts != nil {
		providers["tts"] = o.tts.Name()
	}
	if o.converter != nil {
		providers["converter"] = o.converter.Name()
	}
	return providers
}
