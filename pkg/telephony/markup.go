package telephony

import (
	"encoding/xml"
)

// response is the shared <Response> root of Exotel applet XML and TwiML.
type response struct {
	XMLName  xml.Name  `xml:"Response"`
	Play     *play     `xml:"Play,omitempty"`
	Voicebot *voicebot `xml:"Voicebot,omitempty"`
	Connect  *connect  `xml:"Connect,omitempty"`
}

type play struct {
	URL string `xml:",chardata"`
}

type voicebot struct {
	URL string `xml:"url,attr"`
}

type connect struct {
	Stream stream `xml:"Stream"`
}

type stream struct {
	URL string `xml:"url,attr"`
}

func render(r response) ([]byte, error) {
	body, err := xml.MarshalIndent(r, "", "    ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// ExotelVoicebot answers an Exotel call by handing it to the Voicebot applet. url is the HTTPS
// endpoint Exotel queries for the media socket address.
func ExotelVoicebot(url string) ([]byte, error) {
	return render(response{Voicebot: &voicebot{URL: url}})
}

// TwilioStream answers a Twilio call: optionally play an intro clip, then connect a media stream.
func TwilioStream(introURL, streamURL string) ([]byte, error) {
	r := response{Connect: &connect{Stream: stream{URL: streamURL}}}
	if introURL != "" {
		r.Play = &play{URL: introURL}
	}
	return render(r)
}
