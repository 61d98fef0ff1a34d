package telephony

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
)

type Vendor string

const (
	VendorExotel Vendor = "exotel"
	VendorTwilio Vendor = "twilio"
)

// Dialect is a vendor's media socket protocol: the outbound wire format plus inbound decoding.
type Dialect interface {
	orchestrator.WireFormat
	Vendor() Vendor
	// DecodeMedia turns a base64 media payload into linear16 PCM.
	DecodeMedia(payload string) ([]byte, error)
}

// ForVendor returns the dialect for a vendor name.
func ForVendor(name string) (Dialect, error) {
	switch Vendor(strings.ToLower(strings.TrimSpace(name))) {
	case VendorExotel:
		return Exotel{}, nil
	case VendorTwilio:
		return Twilio{}, nil
	default:
		return nil, fmt.Errorf("unknown telephony vendor %q", name)
	}
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type markPayload struct {
	Name string `json:"name"`
}

// Exotel streams raw 8 kHz linear16 both ways and keys the stream as stream_sid.
type Exotel struct{}

func (Exotel) Vendor() Vendor { return VendorExotel }

func (Exotel) EncodeOutbound(pcm []byte) []byte { return pcm }

func (Exotel) DecodeMedia(payload string) ([]byte, error) {
	return decodePayload(payload)
}

func (Exotel) MediaMessage(streamID, payload string) ([]byte, error) {
	return json.Marshal(struct {
		Event     string       `json:"event"`
		StreamSID string       `json:"stream_sid"`
		Media     mediaPayload `json:"media"`
	}{"media", streamID, mediaPayload{payload}})
}

func (Exotel) MarkMessage(streamID, name string) ([]byte, error) {
	return json.Marshal(struct {
		Event     string      `json:"event"`
		StreamSID string      `json:"stream_sid"`
		Mark      markPayload `json:"mark"`
	}{"mark", streamID, markPayload{name}})
}

// Twilio Media Streams carry 8 kHz G.711 mu-law and key the stream as streamSid.
type Twilio struct{}

func (Twilio) Vendor() Vendor { return VendorTwilio }

func (Twilio) EncodeOutbound(pcm []byte) []byte { return audio.EncodeMulaw(pcm) }

func (Twilio) DecodeMedia(payload string) ([]byte, error) {
	ulaw, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return audio.DecodeMulaw(ulaw), nil
}

func (Twilio) MediaMessage(streamID, payload string) ([]byte, error) {
	return json.Marshal(struct {
		Event     string       `json:"event"`
		StreamSID string       `json:"streamSid"`
		Media     mediaPayload `json:"media"`
	}{"media", streamID, mediaPayload{payload}})
}

func (Twilio) MarkMessage(streamID, name string) ([]byte, error) {
	return json.Marshal(struct {
		Event     string      `json:"event"`
		StreamSID string      `json:"streamSid"`
		Mark      markPayload `json:"mark"`
	}{"mark", streamID, markPayload{name}})
}

func decodePayload(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: bad media payload: %v", ErrMalformedEvent, err)
	}
	return data, nil
}
