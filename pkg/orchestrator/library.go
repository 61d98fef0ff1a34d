package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// QuickResponsesCategory holds phrase -> filename shortcuts instead of assets.
const QuickResponsesCategory = "quick_responses"

// AudioAsset is one pre-recorded snippet. Data is shared by all sessions and must not be modified.
type AudioAsset struct {
	Filename   string
	Transcript string
	Category   string
	Data       []byte
}

type quickResponse struct {
	phrase   string
	filename string
}

type libraryIndex struct {
	assets     map[string]*AudioAsset
	categories []string
	byCategory map[string][]*AudioAsset
	quick      []quickResponse
	missing    []string
	totalBytes int64
	loadedAt   time.Time
}

// LibraryStats summarizes the published index.
type LibraryStats struct {
	Files      int       `json:"files"`
	Categories int       `json:"categories"`
	TotalBytes int64     `json:"total_bytes"`
	Missing    []string  `json:"missing,omitempty"`
	Quick      int       `json:"quick_responses"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// AudioLibrary maps filenames to transcripts and keeps every referenced file in memory.
// Reload builds a new index and publishes it in one step.
type AudioLibrary struct {
	manifestPath string
	dir          string
	logger       Logger
	index        atomic.Pointer[libraryIndex]
}

func NewAudioLibrary(manifestPath, dir string, logger Logger) *AudioLibrary {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &AudioLibrary{
		manifestPath: manifestPath,
		dir:          dir,
		logger:       logger,
	}
}

// Reload re-reads the manifest and the audio folder. On error the previous index stays published.
func (l *AudioLibrary) Reload() error {
	raw, err := os.ReadFile(l.manifestPath)
	if err != nil {
		return fmt.Errorf("read audio manifest: %w", err)
	}

	var manifest map[string]map[string]string
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse audio manifest: %w", err)
	}

	idx := &libraryIndex{
		assets:     make(map[string]*AudioAsset),
		byCategory: make(map[string][]*AudioAsset),
		loadedAt:   time.Now(),
	}

	categories := make([]string, 0, len(manifest))
	for category := range manifest {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	for _, category := range categories {
		entries := manifest[category]
		if category == QuickResponsesCategory {
			continue
		}

		filenames := make([]string, 0, len(entries))
		for filename := range entries {
			filenames = append(filenames, filename)
		}
		sort.Strings(filenames)

		for _, filename := range filenames {
			data, err := os.ReadFile(filepath.Join(l.dir, filename))
			if err != nil {
				l.logger.Warn("audio file missing", "filename", filename, "category", category, "error", err)
				idx.missing = append(idx.missing, filename)
				continue
			}
			asset := &AudioAsset{
				Filename:   filename,
				Transcript: entries[filename],
				Category:   category,
				Data:       data,
			}
			idx.assets[filename] = asset
			idx.byCategory[category] = append(idx.byCategory[category], asset)
			idx.totalBytes += int64(len(data))
		}
		if len(idx.byCategory[category]) > 0 {
			idx.categories = append(idx.categories, category)
		}
	}

	phrases := make([]string, 0, len(manifest[QuickResponsesCategory]))
	for phrase := range manifest[QuickResponsesCategory] {
		phrases = append(phrases, phrase)
	}
	// longest phrase first so "wrong answer" wins over "answer"
	sort.Slice(phrases, func(i, j int) bool {
		if len(phrases[i]) != len(phrases[j]) {
			return len(phrases[i]) > len(phrases[j])
		}
		return phrases[i] < phrases[j]
	})
	for _, phrase := range phrases {
		filename := manifest[QuickResponsesCategory][phrase]
		if _, ok := idx.assets[filename]; !ok {
			l.logger.Warn("quick response points at unknown file", "phrase", phrase, "filename", filename)
			continue
		}
		idx.quick = append(idx.quick, quickResponse{phrase: strings.ToLower(phrase), filename: filename})
	}

	l.index.Store(idx)
	l.logger.Info("audio library loaded", "files", len(idx.assets), "bytes", idx.totalBytes, "missing", len(idx.missing))
	return nil
}

// Lookup returns the asset for filename.
func (l *AudioLibrary) Lookup(filename string) (*AudioAsset, bool) {
	idx := l.index.Load()
	if idx == nil {
		return nil, false
	}
	asset, ok := idx.assets[filename]
	return asset, ok
}

func (l *AudioLibrary) Has(filename string) bool {
	_, ok := l.Lookup(filename)
	return ok
}

// Files lists every loaded filename in sorted order.
func (l *AudioLibrary) Files() []string {
	idx := l.index.Load()
	if idx == nil {
		return nil
	}
	files := make([]string, 0, len(idx.assets))
	for name := range idx.assets {
		files = append(files, name)
	}
	sort.Strings(files)
	return files
}

// Catalog renders the library for the selection prompt.
func (l *AudioLibrary) Catalog() string {
	idx := l.index.Load()
	if idx == nil {
		return ""
	}
	var b strings.Builder
	for i, category := range idx.categories {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "# %s\n", strings.ToUpper(category))
		for _, asset := range idx.byCategory[category] {
			fmt.Fprintf(&b, "%s | %s\n", asset.Filename, asset.Transcript)
		}
	}
	return b.String()
}

// QuickResponse returns the filename whose phrase occurs in text, ignoring case.
func (l *AudioLibrary) QuickResponse(text string) (string, bool) {
	idx := l.index.Load()
	if idx == nil {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, q := range idx.quick {
		if strings.Contains(lower, q.phrase) {
			return q.filename, true
		}
	}
	return "", false
}

func (l *AudioLibrary) Stats() LibraryStats {
	idx := l.index.Load()
	if idx == nil {
		return LibraryStats{}
	}
	return LibraryStats{
		Files:      len(idx.assets),
		Categories: len(idx.categories),
		TotalBytes: idx.totalBytes,
		Missing:    append([]string(nil), idx.missing...),
		Quick:      len(idx.quick),
		LoadedAt:   idx.loadedAt,
	}
}
