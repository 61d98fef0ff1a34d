// Command softphone dials a running voicebot's media endpoint the way Exotel or Twilio would,
// with the local microphone and speaker standing in for the phone line.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/audio"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/telephony"
)

const (
	SampleRate = 8000
	Channels   = 1
	// FrameBytes is 20 ms of 8 kHz linear16, the size vendors send.
	FrameBytes = 320
)

// outboundMessage is what a vendor sends on the media socket.
type outboundMessage struct {
	Event     string            `json:"event"`
	StreamSID string            `json:"stream_sid,omitempty"`
	StreamAlt string            `json:"streamSid,omitempty"`
	Start     map[string]string `json:"start,omitempty"`
	Media     map[string]string `json:"media,omitempty"`
}

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("Note: No .env file found, using system environment variables")
	}

	defaultURL := os.Getenv("SOFTPHONE_URL")
	if defaultURL == "" {
		defaultURL = "ws://localhost:5000"
	}
	baseURL := flag.String("url", defaultURL, "voicebot base URL (ws:// or wss://)")
	vendorName := flag.String("vendor", "exotel", "media protocol to speak: exotel or twilio")
	outbound := flag.Bool("outbound", false, "mark the call outbound so the bot greets first")
	threshold := flag.Float64("threshold", 0.02, "mic RMS below which silence is sent")
	flag.Parse()

	dialect, err := telephony.ForVendor(*vendorName)
	if err != nil {
		log.Fatal(err)
	}

	callID := "CA" + strings.ReplaceAll(uuid.NewString(), "-", "")
	streamID := "MZ" + strings.ReplaceAll(uuid.NewString(), "-", "")
	target := fmt.Sprintf("%s/%s/media/%s", strings.TrimRight(*baseURL, "/"), dialect.Vendor(), callID)
	if *outbound {
		target += "?direction=outbound"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	dialCancel()
	if err != nil {
		log.Fatalf("dial %s: %v", target, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	envelope := func(event string) outboundMessage {
		m := outboundMessage{Event: event}
		if dialect.Vendor() == telephony.VendorTwilio {
			m.StreamAlt = streamID
		} else {
			m.StreamSID = streamID
		}
		return m
	}

	var writeMu sync.Mutex
	send := func(m outboundMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer wcancel()
		return wsjson.Write(wctx, conn, m)
	}

	if err := send(envelope("connected")); err != nil {
		log.Fatal(err)
	}
	start := envelope("start")
	start.Start = map[string]string{"call_sid": callID, "callSid": callID}
	if err := send(start); err != nil {
		log.Fatal(err)
	}

	fmt.Printf("Call %s connected to %s (%s)\n", callID, target, dialect.Vendor())
	fmt.Println("Speak into the microphone. Press Ctrl+C to hang up")

	// Setup Audio Engine (malgo)
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	// Buffer for simple playback coordination
	var playbackMu sync.Mutex
	var playbackBytes []byte

	var botPlayingMu sync.Mutex
	var lastPlayedAt time.Time

	var rmsMu sync.Mutex
	lastRMS := 0.0

	frames := make(chan []byte, 64)
	var pending []byte

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			rms := audio.RMS(pInput)
			rmsMu.Lock()
			lastRMS = rms
			rmsMu.Unlock()

			// The bot hears itself through the speaker; raise the bar while it talks.
			effectiveThreshold := *threshold
			botPlayingMu.Lock()
			if time.Since(lastPlayedAt) < 200*time.Millisecond {
				effectiveThreshold = 0.15
			}
			botPlayingMu.Unlock()

			chunk := pInput
			if rms <= effectiveThreshold {
				chunk = make([]byte, len(pInput))
			}
			pending = append(pending, chunk...)
			for len(pending) >= FrameBytes {
				frame := append([]byte(nil), pending[:FrameBytes]...)
				pending = pending[FrameBytes:]
				select {
				case frames <- frame:
				default:
				}
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]

			// If we played something, update the timestamp
			if n > 0 {
				botPlayingMu.Lock()
				lastPlayedAt = time.Now()
				botPlayingMu.Unlock()
			}

			// Fill remaining with silence if playbackBytes was shorter than pOutput
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
			playbackMu.Unlock()
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = Channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = Channels
	deviceConfig.SampleRate = SampleRate
	deviceConfig.Alsa.NoMMap = 1 // Better compatibility on some systems

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	// caller audio -> media events
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-frames:
				m := envelope("media")
				m.Media = map[string]string{
					"track":   "inbound",
					"payload": base64.StdEncoding.EncodeToString(dialect.EncodeOutbound(frame)),
				}
				if err := send(m); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Visual feedback for microphone levels
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rmsMu.Lock()
			level := lastRMS
			rmsMu.Unlock()

			dots := int(level * 500)
			if dots > 40 {
				dots = 40
			}
			fmt.Printf("\r[MIC ENERGY: %-40s] RMS: %.5f", strings.Repeat("|", dots), level)
		}
	}()

	// bot audio -> speaker
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				if ctx.Err() == nil {
					fmt.Printf("\r\033[K[HANGUP] %v\n", err)
				}
				return
			}
			ev, err := telephony.ParseEvent(data)
			if err != nil {
				continue
			}
			switch ev.Type {
			case telephony.EventMedia:
				pcm, err := dialect.DecodeMedia(ev.Payload)
				if err != nil {
					continue
				}
				playbackMu.Lock()
				playbackBytes = append(playbackBytes, pcm...)
				playbackMu.Unlock()
			case telephony.EventMark:
				fmt.Printf("\r\033[K[MARK] %s\n", ev.Mark)
			}
		}
	}()

	<-ctx.Done()
	fmt.Printf("\nHanging up...\n")
	_ = send(envelope("stop"))
	_ = conn.Close(websocket.StatusNormalClosure, "caller hung up")
}
