package orchestrator

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

const (
	FlagIntroPlayed       = "intro_played"
	FlagKlariqoExplained  = "klariqo_explained"
	FlagFeaturesDiscussed = "features_discussed"
	FlagPricingMentioned  = "pricing_mentioned"
	FlagDemoOffered       = "demo_offered"
	FlagMeetingScheduled  = "meeting_scheduled"
)

// DefaultFlags is the per-call memory template; every flag starts false.
var DefaultFlags = []string{
	FlagIntroPlayed,
	FlagKlariqoExplained,
	FlagFeaturesDiscussed,
	FlagPricingMentioned,
	FlagDemoOffered,
	FlagMeetingScheduled,
}

// FlagRule sets Flag when any marker occurs in a response. Matching is a plain
// substring test, so a flag is a hint about what was probably said, not a fact.
type FlagRule struct {
	Flag    string
	Markers []string
}

var DefaultFlagRules = []FlagRule{
	{Flag: FlagIntroPlayed, Markers: []string{"intro_klariqo1.1", "intro_klariqo1.2"}},
	{Flag: FlagKlariqoExplained, Markers: []string{"klariqo_provides_voice_agent1", "voice_agents_trained_details"}},
	{Flag: FlagFeaturesDiscussed, Markers: []string{"agents_need_no_breaks", "klariqo_concurrent_calls", "best_feature"}},
	{Flag: FlagPricingMentioned, Markers: []string{"klariqo_pricing1", "3000_mins_breakdown1", "40_calls_everymonth1"}},
	{Flag: FlagDemoOffered, Markers: []string{"glad_for_demo_and_patent_mention1"}},
	{Flag: FlagMeetingScheduled, Markers: []string{"meeting_with_founder", "why_meet_founder", "when_can_founder_call"}},
}

// ApplyFlagRules sets every flag whose markers occur in content and returns the names it set.
func ApplyFlagRules(rules []FlagRule, content string, mem *Memory) []string {
	lower := strings.ToLower(content)
	var set []string
	for _, rule := range rules {
		for _, marker := range rule.Markers {
			if strings.Contains(lower, strings.ToLower(marker)) {
				mem.SetFlag(rule.Flag, true)
				set = append(set, rule.Flag)
				break
			}
		}
	}
	return set
}

// MemorySnapshot is a read-only copy of a call's memory.
type MemorySnapshot struct {
	Flags  map[string]bool   `json:"flags"`
	Fields map[string]string `json:"fields,omitempty"`
	Recent []string          `json:"recent_files,omitempty"`
}

// Memory records what a call has covered so far.
type Memory struct {
	mu          sync.RWMutex
	flags       map[string]bool
	fields      map[string]string
	recent      []string
	recentLimit int
}

func NewMemory(flags []string, recentLimit int) *Memory {
	m := &Memory{
		flags:       make(map[string]bool, len(flags)),
		fields:      make(map[string]string),
		recentLimit: recentLimit,
	}
	for _, f := range flags {
		m.flags[f] = false
	}
	return m
}

func (m *Memory) SetFlag(name string, v bool) {
	m.mu.Lock()
	m.flags[name] = v
	m.mu.Unlock()
}

func (m *Memory) Flag(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[name]
}

func (m *Memory) SetField(name, value string) {
	m.mu.Lock()
	m.fields[name] = value
	m.mu.Unlock()
}

func (m *Memory) Field(name string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.fields[name]
	return v, ok
}

// Remember pushes played filenames onto the bounded list of distinct recent files, newest first.
func (m *Memory) Remember(files ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range files {
		for i, existing := range m.recent {
			if existing == f {
				m.recent = append(m.recent[:i], m.recent[i+1:]...)
				break
			}
		}
		m.recent = append([]string{f}, m.recent...)
	}
	if m.recentLimit > 0 && len(m.recent) > m.recentLimit {
		m.recent = m.recent[:m.recentLimit]
	}
}

func (m *Memory) Recent() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.recent...)
}

func (m *Memory) Snapshot() MemorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := MemorySnapshot{
		Flags:  make(map[string]bool, len(m.flags)),
		Fields: make(map[string]string, len(m.fields)),
		Recent: append([]string(nil), m.recent...),
	}
	for k, v := range m.flags {
		s.Flags[k] = v
	}
	for k, v := range m.fields {
		s.Fields[k] = v
	}
	return s
}

// SortedFlags returns flag names in a stable order.
func (s MemorySnapshot) SortedFlags() []string {
	names := make([]string, 0, len(s.Flags))
	for name := range s.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const (
	FieldAdmissionType   = "admission_type"
	FieldAdmissionClass  = "admission_class"
	FieldStudentAge      = "student_age"
	FieldStudentLocation = "student_location"
	FieldInquiryFocus    = "inquiry_focus"
)

type keywordValue struct {
	keyword string
	value   string
}

var classKeywords = []keywordValue{
	{"kg1", "KG1"}, {"kg 1", "KG1"}, {"nursery", "KG1"}, {"pre kg", "KG1"},
	{"kg2", "KG2"}, {"kg 2", "KG2"}, {"ukg", "KG2"},
	{"1st class", "Class 1"}, {"class 1", "Class 1"}, {"first class", "Class 1"}, {"पहली क्लास", "Class 1"},
	{"2nd class", "Class 2"}, {"class 2", "Class 2"}, {"second class", "Class 2"}, {"दूसरी क्लास", "Class 2"},
	{"3rd class", "Class 3"}, {"class 3", "Class 3"}, {"third class", "Class 3"}, {"तीसरी क्लास", "Class 3"},
	{"4th class", "Class 4"}, {"class 4", "Class 4"}, {"fourth class", "Class 4"}, {"चौथी क्लास", "Class 4"},
	{"5th class", "Class 5"}, {"class 5", "Class 5"}, {"fifth class", "Class 5"}, {"पांचवी क्लास", "Class 5"},
}

var focusKeywords = []struct {
	focus    string
	keywords []string
}{
	{"fees", []string{"fees", "fee", "charges", "cost", "price", "फीस"}},
	{"admission", []string{"admission", "admit", "enroll", "प्रवेश"}},
	{"transport", []string{"transport", "bus", "vehicle", "pickup", "drop", "परिवहन"}},
	{"activities", []string{"activities", "sports", "games", "extra", "गतिविधियां"}},
	{"timings", []string{"timing", "time", "schedule", "hours", "समय"}},
	{"security", []string{"security", "safety", "protection", "सुरक्षा"}},
}

var locationKeywords = []string{"location", "area", "locality", "address", "where", "कहाँ", "जगह"}

var agePattern = regexp.MustCompile(`(\d+)\s*(?:years?|saal|उम्र)`)

// ExtractFields pulls free-form caller details out of a transcript.
func ExtractFields(transcript string) map[string]string {
	lower := strings.ToLower(transcript)
	fields := make(map[string]string)

	switch {
	case containsAny(lower, "first time", "firsttime", "pehli bar", "naya admission"):
		fields[FieldAdmissionType] = "firsttime"
	case containsAny(lower, "transfer", "dusre school se", "change school"):
		fields[FieldAdmissionType] = "transfer"
	}

	for _, kv := range classKeywords {
		if strings.Contains(lower, kv.keyword) {
			fields[FieldAdmissionClass] = kv.value
			break
		}
	}

	words := strings.Fields(transcript)
	for i, w := range words {
		if i+1 < len(words) && containsExact(locationKeywords, strings.ToLower(w)) {
			fields[FieldStudentLocation] = words[i+1]
			break
		}
	}

	if m := agePattern.FindStringSubmatch(lower); m != nil {
		fields[FieldStudentAge] = m[1]
	}

	for _, f := range focusKeywords {
		if containsAny(lower, f.keywords...) {
			fields[FieldInquiryFocus] = f.focus
			break
		}
	}

	return fields
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsExact(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
