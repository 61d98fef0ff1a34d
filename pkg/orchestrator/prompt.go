package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// GeneratePrefix marks an LLM reply that must be synthesized instead of played from the library.
const GeneratePrefix = "GENERATE:"

const defaultSelectionRules = `You are the audio file selector for a sales voice agent on a phone call. Your ONLY job is to match the caller's input to the audio files listed below.

RULES:
- Reply with ONLY filenames joined by " + " (for example "file1.mp3 + file2.mp3").
- If no file fits, reply "GENERATE: <one short sentence to speak>".
- Do not repeat files that were played recently (see conversation memory).
- Never choose intro files once the intro has been played.
- When the caller wants to end the conversation, choose the goodbye file.`

// PromptBuilder renders the selection prompt from the library catalog and call memory.
type PromptBuilder struct {
	Rules string
}

func NewPromptBuilder(rules string) *PromptBuilder {
	if strings.TrimSpace(rules) == "" {
		rules = defaultSelectionRules
	}
	return &PromptBuilder{Rules: rules}
}

// System is the fixed instruction: rules, available files and what the call has covered.
func (p *PromptBuilder) System(catalog string, mem MemorySnapshot) string {
	var b strings.Builder
	b.WriteString(p.Rules)
	b.WriteString("\n\nAVAILABLE FILES (filename | what it says):\n")
	b.WriteString(catalog)

	b.WriteString("\nSESSION MEMORY:\n")
	covered := 0
	for _, name := range mem.SortedFlags() {
		if mem.Flags[name] {
			fmt.Fprintf(&b, "- %s: yes\n", name)
			covered++
		}
	}
	if covered == 0 {
		b.WriteString("- nothing covered yet\n")
	}
	if len(mem.Fields) > 0 {
		b.WriteString("\nCALLER DETAILS:\n")
		for _, name := range sortedKeys(mem.Fields) {
			fmt.Fprintf(&b, "- %s: %s\n", name, mem.Fields[name])
		}
	}
	return b.String()
}

// User carries the per-turn context: avoid list, recent exchanges and the new input.
func (p *PromptBuilder) User(transcript string, recent []string, history []HistoryEntry) string {
	var b strings.Builder
	b.WriteString("CONVERSATION MEMORY:\n")
	if len(recent) > 0 {
		fmt.Fprintf(&b, "Recently played files (DON'T repeat): %s\n", strings.Join(recent, ", "))
	} else {
		b.WriteString("Recently played files (DON'T repeat): none\n")
	}

	if len(history) == 0 {
		b.WriteString("Recent conversation: None\n")
	} else {
		parts := make([]string, 0, len(history))
		for _, h := range history {
			parts = append(parts, h.Speaker+": "+h.Content)
		}
		fmt.Fprintf(&b, "Recent conversation: %s\n", strings.Join(parts, " | "))
	}

	fmt.Fprintf(&b, "\nCURRENT USER INPUT: %q\n\nApply the rules from your system prompt. Choose appropriate files or GENERATE a response.", transcript)
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
