package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Turn is one completed caller utterance.
type Turn struct {
	Text        string
	StartedAt   time.Time
	CompletedAt time.Time
	// Forced is set when the turn was cut by MaxTurnDuration instead of silence.
	Forced bool
}

// TranscriptAccumulator joins final STT fragments into turns and decides, from the gap since the
// last fragment, when the caller has finished speaking.
type TranscriptAccumulator struct {
	mu           sync.Mutex
	text         string
	lastActivity time.Time
	firstFinal   time.Time
	inFlight     bool
	maxTurn      time.Duration

	changed chan struct{}
	now     func() time.Time
}

func NewTranscriptAccumulator() *TranscriptAccumulator {
	return &TranscriptAccumulator{
		changed: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// SetMaxTurnDuration bounds how long a turn may keep growing without a pause. Zero disables the bound.
func (a *TranscriptAccumulator) SetMaxTurnDuration(d time.Duration) {
	a.mu.Lock()
	a.maxTurn = d
	a.mu.Unlock()
}

// AppendFragment records an STT fragment. Interim fragments only refresh the activity timestamp.
func (a *TranscriptAccumulator) AppendFragment(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	a.mu.Lock()
	now := a.now()
	a.lastActivity = now
	if isFinal {
		if a.text == "" {
			a.text = text
			a.firstFinal = now
		} else {
			a.text += " " + text
		}
	}
	a.mu.Unlock()

	a.signal()
}

// Poll returns the pending turn if the caller has been silent for at least threshold and no
// response is in flight. A returned turn marks a response in flight until Release.
func (a *TranscriptAccumulator) Poll(threshold time.Duration) (Turn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turn, ok, _ := a.tryComplete(threshold)
	return turn, ok
}

// Wait blocks until Poll would succeed or ctx is done.
func (a *TranscriptAccumulator) Wait(ctx context.Context, threshold time.Duration) (Turn, error) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		a.mu.Lock()
		turn, ok, wait := a.tryComplete(threshold)
		a.mu.Unlock()
		if ok {
			return turn, nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		var deadline <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			deadline = timer.C
		}

		select {
		case <-ctx.Done():
			return Turn{}, ctx.Err()
		case <-a.changed:
		case <-deadline:
		}
	}
}

// tryComplete must be called with mu held. When no turn is ready it reports how long until one could be.
func (a *TranscriptAccumulator) tryComplete(threshold time.Duration) (Turn, bool, time.Duration) {
	if a.inFlight || a.text == "" || a.lastActivity.IsZero() {
		return Turn{}, false, 0
	}

	now := a.now()
	silence := now.Sub(a.lastActivity)
	forced := a.maxTurn > 0 && now.Sub(a.firstFinal) >= a.maxTurn
	if silence < threshold && !forced {
		wait := threshold - silence
		if a.maxTurn > 0 {
			if untilMax := a.maxTurn - now.Sub(a.firstFinal); untilMax < wait {
				wait = untilMax
			}
		}
		return Turn{}, false, wait
	}

	turn := Turn{
		Text:        a.text,
		StartedAt:   a.firstFinal,
		CompletedAt: now,
		Forced:      forced && silence < threshold,
	}
	a.text = ""
	a.lastActivity = time.Time{}
	a.firstFinal = time.Time{}
	a.inFlight = true
	return turn, true, 0
}

// TryAcquire marks a response in flight without consuming a turn, for agent-initiated speech.
// It reports false if a response is already in flight.
func (a *TranscriptAccumulator) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight {
		return false
	}
	a.inFlight = true
	return true
}

// Release ends the in-flight response and drops anything heard meanwhile.
func (a *TranscriptAccumulator) Release() {
	a.mu.Lock()
	a.inFlight = false
	a.text = ""
	a.lastActivity = time.Time{}
	a.firstFinal = time.Time{}
	a.mu.Unlock()

	a.signal()
}

// Pending returns the text buffered so far.
func (a *TranscriptAccumulator) Pending() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.text
}

func (a *TranscriptAccumulator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

func (a *TranscriptAccumulator) signal() {
	select {
	case a.changed <- struct{}{}:
	default:
	}
}
