package telephony

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	EventConnected EventType = "connected"
	EventStart     EventType = "start"
	EventMedia     EventType = "media"
	EventStop      EventType = "stop"
	EventDTMF      EventType = "dtmf"
	EventMark      EventType = "mark"
)

var ErrMalformedEvent = errors.New("malformed media event")

// Event is one inbound message on a vendor media socket, normalized across dialects.
type Event struct {
	Type     EventType
	StreamID string
	CallID   string
	// Payload is the base64 media payload as sent by the vendor.
	Payload string
	Track   string
	Digit   string
	Mark    string
}

// rawEvent accepts both the Exotel (snake_case) and Twilio (camelCase) spellings.
type rawEvent struct {
	Event        string `json:"event"`
	StreamSID    string `json:"stream_sid"`
	StreamSIDAlt string `json:"streamSid"`
	Start        *struct {
		StreamSID    string `json:"stream_sid"`
		StreamSIDAlt string `json:"streamSid"`
		CallSID      string `json:"call_sid"`
		CallSIDAlt   string `json:"callSid"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
		Track   string `json:"track"`
	} `json:"media"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// ParseEvent decodes a vendor socket message. Unknown event types are returned as-is.
func ParseEvent(data []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if raw.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event field", ErrMalformedEvent)
	}

	ev := Event{
		Type:     EventType(raw.Event),
		StreamID: firstNonEmpty(raw.StreamSID, raw.StreamSIDAlt),
	}
	if raw.Start != nil {
		if ev.StreamID == "" {
			ev.StreamID = firstNonEmpty(raw.Start.StreamSID, raw.Start.StreamSIDAlt)
		}
		ev.CallID = firstNonEmpty(raw.Start.CallSID, raw.Start.CallSIDAlt)
	}
	if raw.Media != nil {
		ev.Payload = raw.Media.Payload
		ev.Track = raw.Media.Track
	}
	if raw.DTMF != nil {
		ev.Digit = raw.DTMF.Digit
	}
	if raw.Mark != nil {
		ev.Mark = raw.Mark.Name
	}
	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
