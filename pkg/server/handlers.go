package server

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/telephony"
	"go.uber.org/zap"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "running",
		"active_sessions": s.orch.ActiveCount(),
	})
}

type sessionInfo struct {
	CallID    string                 `json:"call_id"`
	Direction orchestrator.Direction `json:"direction"`
	State     string                 `json:"state"`
	StreamID  string                 `json:"stream_id,omitempty"`
	Turns     int                    `json:"turns"`
	Age       string                 `json:"age"`
}

func (s *Server) debug(c *gin.Context) {
	sessions := s.orch.Sessions()
	infos := make([]sessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sessionInfo{
			CallID:    sess.ID,
			Direction: sess.Direction,
			State:     string(sess.State()),
			StreamID:  sess.StreamID(),
			Turns:     sess.Turns(),
			Age:       time.Since(sess.CreatedAt).Round(time.Second).String(),
		})
	}

	cfg := s.orch.GetConfig()
	c.JSON(http.StatusOK, gin.H{
		"providers": s.orch.GetProviders(),
		"library":   s.library.Stats(),
		"sessions":  infos,
		"config": gin.H{
			"sample_rate":          cfg.SampleRate,
			"chunk_size":           cfg.ChunkSize,
			"silence_threshold":    cfg.SilenceThreshold.String(),
			"turn_detection":       cfg.TurnDetection,
			"llm_timeout":          cfg.LLMTimeout.String(),
			"max_concurrent_calls": cfg.MaxConcurrentCalls,
			"language":             cfg.Language,
		},
		"endpoints": gin.H{
			"exotel_voice":     s.baseURL(c) + "/exotel/voice",
			"exotel_websocket": s.baseURL(c) + "/exotel/get_websocket",
			"twilio_voice":     s.baseURL(c) + "/twilio/voice",
		},
	})
}

// createInbound registers the call named by the webhook form and marks the vendor-played intro.
func (s *Server) createInbound(c *gin.Context) (*orchestrator.CallSession, bool) {
	callID := strings.TrimSpace(c.PostForm("CallSid"))
	if callID == "" {
		c.String(http.StatusBadRequest, "Error: No CallSid")
		return nil, false
	}

	sess, err := s.orch.CreateSession(callID, orchestrator.DirectionInbound)
	if err != nil {
		if errors.Is(err, orchestrator.ErrCapacity) {
			c.String(http.StatusServiceUnavailable, "Error: at capacity")
		} else {
			c.String(http.StatusBadRequest, "Error: "+err.Error())
		}
		return nil, false
	}
	sess.Memory().SetFlag(orchestrator.FlagIntroPlayed, true)

	s.log.Info("inbound call",
		zap.String("callID", callID),
		zap.String("from", c.PostForm("From")),
		zap.String("to", c.PostForm("To")),
	)
	return sess, true
}

func (s *Server) exotelVoice(c *gin.Context) {
	if _, ok := s.createInbound(c); !ok {
		return
	}
	body, err := telephony.ExotelVoicebot(s.baseURL(c) + "/exotel/get_websocket")
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", body)
}

// exotelWebsocketURL answers the Voicebot applet's lookup of the media socket address.
func (s *Server) exotelWebsocketURL(c *gin.Context) {
	callID := strings.TrimSpace(c.Query("CallSid"))
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing CallSid"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": s.wsBaseURL(c) + "/exotel/media/" + callID})
}

func (s *Server) twilioVoice(c *gin.Context) {
	sess, ok := s.createInbound(c)
	if !ok {
		return
	}
	var intro string
	if s.opts.GreetingFile != "" {
		intro = s.baseURL(c) + "/audio/" + s.opts.GreetingFile
		sess.Memory().Remember(s.opts.GreetingFile)
	}
	body, err := telephony.TwilioStream(intro, s.wsBaseURL(c)+"/twilio/media/"+sess.ID)
	if err != nil {
		_ = c.Error(err)
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(http.StatusOK, "application/xml", body)
}

func (s *Server) callStatus(c *gin.Context) {
	if err := c.Request.ParseForm(); err != nil {
		c.String(http.StatusBadRequest, "Error: bad form")
		return
	}
	update := telephony.ParseStatus(c.Request.Form)
	if update.CallID == "" {
		c.String(http.StatusBadRequest, "Error: No CallSid")
		return
	}
	ended := s.orch.HandleStatus(update.CallID, update.Status)
	s.log.Info("call status",
		zap.String("callID", update.CallID),
		zap.String("status", update.Status),
		zap.Duration("duration", update.Duration),
		zap.Bool("ended", ended),
	)
	c.String(http.StatusOK, "OK")
}

func (s *Server) serveAudio(c *gin.Context) {
	filename := c.Param("filename")
	asset, ok := s.library.Lookup(filename)
	if !ok {
		c.String(http.StatusNotFound, "Audio file not found")
		return
	}
	contentType := mime.TypeByExtension(path.Ext(filename))
	switch {
	case strings.EqualFold(path.Ext(filename), ".mp3"):
		contentType = "audio/mpeg"
	case contentType == "":
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, asset.Data)
}

func (s *Server) reloadLibrary(c *gin.Context) {
	if err := s.library.Reload(); err != nil {
		s.log.Error("audio library reload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.library.Stats())
}
