package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type ResponseKind string

const (
	ResponseAudio ResponseKind = "audio"
	ResponseSpeak ResponseKind = "speak"
)

const (
	SourceQuick    = "quick"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Response is what the agent says next: a chain of library files or text to synthesize.
type Response struct {
	Kind    ResponseKind
	Files   []string
	Text    string
	Source  string
	Latency time.Duration
}

func Audio(files ...string) Response {
	return Response{Kind: ResponseAudio, Files: files}
}

func Speak(text string) Response {
	return Response{Kind: ResponseSpeak, Text: text}
}

// Content is the response as recorded in history and scanned by flag rules.
func (r Response) Content() string {
	if r.Kind == ResponseAudio {
		return strings.Join(r.Files, " + ")
	}
	return r.Text
}

// AssetCatalog is the part of the audio library the selector needs.
type AssetCatalog interface {
	Has(filename string) bool
	Catalog() string
	QuickResponse(text string) (string, bool)
}

// ResponseSelector maps a caller turn to a Response via quick phrases or the LLM.
type ResponseSelector struct {
	llm          LLMProvider
	catalog      AssetCatalog
	prompt       *PromptBuilder
	rules        []FlagRule
	timeout      time.Duration
	fallbackText string
	historyTurns int
	logger       Logger
}

func NewResponseSelector(llm LLMProvider, catalog AssetCatalog, config Config, logger Logger) *ResponseSelector {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	fallback := config.FallbackText
	if fallback == "" {
		fallback = DefaultFallbackText
	}
	return &ResponseSelector{
		llm:          llm,
		catalog:      catalog,
		prompt:       NewPromptBuilder(""),
		rules:        DefaultFlagRules,
		timeout:      config.LLMTimeout,
		fallbackText: fallback,
		historyTurns: config.RecentHistoryTurns,
		logger:       logger,
	}
}

// SetRules replaces the selection rules text of the system prompt.
func (s *ResponseSelector) SetRules(rules string) {
	s.prompt = NewPromptBuilder(rules)
}

// SetFlagRules replaces the keyword -> flag table.
func (s *ResponseSelector) SetFlagRules(rules []FlagRule) {
	s.rules = rules
}

// Fallback is the fixed response used whenever selection cannot produce a valid answer.
func (s *ResponseSelector) Fallback() Response {
	r := Speak(s.fallbackText)
	r.Source = SourceFallback
	return r
}

// Select never fails: any LLM error, timeout or unusable reply yields Fallback.
// It updates mem: extracted caller fields, flags matched by the response, recently played files.
func (s *ResponseSelector) Select(ctx context.Context, transcript string, mem *Memory, history []HistoryEntry) (resp Response) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("response selection panicked", "panic", fmt.Sprint(r))
			resp = s.Fallback()
		}
		resp.Latency = time.Since(start)
		s.remember(resp, mem)
	}()

	for name, value := range ExtractFields(transcript) {
		mem.SetField(name, value)
	}

	if filename, ok := s.catalog.QuickResponse(transcript); ok {
		resp = Audio(filename)
		resp.Source = SourceQuick
		return resp
	}

	if s.llm == nil {
		s.logger.Warn("no LLM configured, using fallback")
		return s.Fallback()
	}

	snapshot := mem.Snapshot()
	messages := []Message{
		{Role: "system", Content: s.prompt.System(s.catalog.Catalog(), snapshot)},
		{Role: "user", Content: s.prompt.User(transcript, snapshot.Recent, recentHistory(history, s.historyTurns))},
	}

	llmCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		llmCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	reply, err := s.complete(llmCtx, messages)
	if err != nil {
		s.logger.Error("LLM selection failed", "provider", s.llm.Name(), "error", fmt.Errorf("%w: %v", ErrLLMFailed, err))
		return s.Fallback()
	}

	resp = s.parse(reply)
	return resp
}

type completion struct {
	reply string
	err   error
}

// complete returns when the provider answers or ctx is done, whichever is first.
// A provider that ignores ctx keeps running in the background and its reply is discarded.
func (s *ResponseSelector) complete(ctx context.Context, messages []Message) (string, error) {
	done := make(chan completion, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- completion{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		reply, err := s.llm.Complete(ctx, messages)
		done <- completion{reply: reply, err: err}
	}()

	select {
	case c := <-done:
		return c.reply, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *ResponseSelector) parse(reply string) Response {
	cleaned := strings.TrimSpace(reply)
	cleaned = strings.NewReplacer(`"`, "", "'", "").Replace(cleaned)
	if cleaned == "" {
		s.logger.Warn("LLM returned an empty selection")
		return s.Fallback()
	}

	if strings.HasPrefix(cleaned, GeneratePrefix) {
		text := strings.TrimSpace(strings.TrimPrefix(cleaned, GeneratePrefix))
		if text == "" {
			return s.Fallback()
		}
		r := Speak(text)
		r.Source = SourceLLM
		return r
	}

	var files []string
	for _, part := range strings.Split(cleaned, "+") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		if !s.catalog.Has(name) {
			s.logger.Warn("LLM selected unknown audio file", "filename", name, "error", ErrAssetNotFound)
			continue
		}
		files = append(files, name)
	}
	if len(files) == 0 {
		return s.Fallback()
	}

	r := Audio(files...)
	r.Source = SourceLLM
	return r
}

func (s *ResponseSelector) remember(resp Response, mem *Memory) {
	if set := ApplyFlagRules(s.rules, resp.Content(), mem); len(set) > 0 {
		s.logger.Debug("memory flags updated", "flags", set)
	}
	if resp.Kind == ResponseAudio {
		mem.Remember(resp.Files...)
	}
}

func recentHistory(history []HistoryEntry, turns int) []HistoryEntry {
	n := turns * 2
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
