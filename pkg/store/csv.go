package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

var csvHeader = []string{
	"call_id", "direction", "started_at", "ended_at", "duration_seconds",
	"end_reason", "turns", "flags", "fields",
}

// CSVRecorder appends one row per call to a local file, writing the header when the file is new.
type CSVRecorder struct {
	mu   sync.Mutex
	path string
}

func NewCSVRecorder(path string) *CSVRecorder {
	return &CSVRecorder{path: path}
}

func (r *CSVRecorder) RecordCall(ctx context.Context, rec orchestrator.CallRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return err
		}
	}
	if err := w.Write(csvRow(rec)); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func csvRow(rec orchestrator.CallRecord) []string {
	var flags []string
	for name, on := range rec.Flags {
		if on {
			flags = append(flags, name)
		}
	}
	sort.Strings(flags)

	var fields []string
	for k, v := range rec.Fields {
		fields = append(fields, k+"="+v)
	}
	sort.Strings(fields)

	return []string{
		rec.CallID,
		string(rec.Direction),
		rec.StartedAt.UTC().Format(time.RFC3339),
		rec.EndedAt.UTC().Format(time.RFC3339),
		strconv.FormatFloat(rec.Duration.Seconds(), 'f', 1, 64),
		rec.EndReason,
		strconv.Itoa(rec.Turns),
		strings.Join(flags, ";"),
		strings.Join(fields, ";"),
	}
}
