package telephony

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no-answer"
	StatusCanceled  = "canceled"
)

// StatusUpdate is a vendor call-status callback.
type StatusUpdate struct {
	CallID   string
	Status   string
	Duration time.Duration
	From     string
	To       string
}

// ParseStatus reads a status callback form. Exotel sends Status or CallStatus, Twilio sends CallStatus.
func ParseStatus(form url.Values) StatusUpdate {
	u := StatusUpdate{
		CallID: strings.TrimSpace(form.Get("CallSid")),
		Status: NormalizeStatus(firstNonEmpty(form.Get("CallStatus"), form.Get("Status"))),
		From:   form.Get("From"),
		To:     form.Get("To"),
	}
	if secs, err := strconv.Atoi(firstNonEmpty(form.Get("CallDuration"), form.Get("DialCallDuration"))); err == nil {
		u.Duration = time.Duration(secs) * time.Second
	}
	return u
}

// NormalizeStatus maps vendor spellings onto the lower-case hyphenated form.
func NormalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, "_", "-")
	s = strings.ReplaceAll(s, " ", "-")
	if s == "cancelled" {
		return StatusCanceled
	}
	return s
}
