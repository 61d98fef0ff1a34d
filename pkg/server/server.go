package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-voicebot/pkg/telephony"
	"go.uber.org/zap"
)

// Library is the audio library as the HTTP surface needs it.
type Library interface {
	Lookup(filename string) (*orchestrator.AudioAsset, bool)
	Reload() error
	Stats() orchestrator.LibraryStats
}

type Options struct {
	// PublicBaseURL overrides the origin derived from request headers, e.g. "https://bot.example".
	PublicBaseURL string
	// AdminToken guards the admin routes. Empty disables them.
	AdminToken   string
	GreetingFile string
	Production   bool
}

// Server is the vendor-facing HTTP and WebSocket surface.
type Server struct {
	orch    *orchestrator.Orchestrator
	library Library
	opts    Options
	log     *zap.Logger
	logger  orchestrator.Logger
	engine  *gin.Engine
}

// New builds the router. logger receives orchestrator-style logs from the media handlers; log
// receives request logs.
func New(orch *orchestrator.Orchestrator, library Library, opts Options, log *zap.Logger, logger orchestrator.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	if opts.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		orch:    orch,
		library: library,
		opts:    opts,
		log:     log,
		logger:  logger,
	}

	router := gin.New()
	router.Use(requestLogger(log))
	router.Use(gin.Recovery())

	router.GET("/", s.health)
	router.GET("/debug", s.debug)
	router.GET("/audio/:filename", s.serveAudio)

	exotel := router.Group("/exotel")
	{
		exotel.POST("/voice", s.exotelVoice)
		exotel.GET("/get_websocket", s.exotelWebsocketURL)
		exotel.POST("/status", s.callStatus)
		exotel.GET("/media/:call_sid", s.media(telephony.Exotel{}))
	}

	twilio := router.Group("/twilio")
	{
		twilio.POST("/voice", s.twilioVoice)
		twilio.POST("/status", s.callStatus)
		twilio.GET("/media/:call_sid", s.media(telephony.Twilio{}))
	}

	admin := router.Group("/admin", s.requireAdmin)
	{
		admin.POST("/library/reload", s.reloadLibrary)
	}

	s.engine = router
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		reqID := c.GetHeader("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header("X-Request-Id", reqID)
		c.Set("request_id", reqID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("request_id", reqID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			log.Error("HTTP Request", fields...)
		case status >= 400:
			log.Warn("HTTP Request", fields...)
		default:
			log.Info("HTTP Request", fields...)
		}
	}
}

func (s *Server) requireAdmin(c *gin.Context) {
	if s.opts.AdminToken == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "admin routes disabled"})
		return
	}
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if token == "" {
		token = c.GetHeader("X-Admin-Token")
	}
	if !tokenMatches(token, s.opts.AdminToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func tokenMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// baseURL is the public https origin for links handed to the vendor.
func (s *Server) baseURL(c *gin.Context) string {
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL
	}
	scheme := c.GetHeader("X-Forwarded-Proto")
	if scheme == "" {
		scheme = "https"
	}
	host := c.GetHeader("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + host
}

// wsBaseURL is baseURL with the matching WebSocket scheme.
func (s *Server) wsBaseURL(c *gin.Context) string {
	base := s.baseURL(c)
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
