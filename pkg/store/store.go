package store

import (
	"context"
	"errors"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

// Multi fans a call record out to several recorders. Every recorder runs; failures are joined.
type Multi []orchestrator.CallRecorder

func (m Multi) RecordCall(ctx context.Context, rec orchestrator.CallRecord) error {
	var errs []error
	for _, r := range m {
		if err := r.RecordCall(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
