package logger

import (
	"strings"

	"github.com/lokutor-ai/lokutor-voicebot/pkg/orchestrator"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger. env "production" gives JSON output at info level, anything else a
// colored console at debug level. A non-empty level overrides the default.
func New(env, level string) (*zap.Logger, error) {
	var config zap.Config

	if env == "production" {
		config = zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if level != "" {
		lvl, err := zapcore.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, err
		}
		config.Level = zap.NewAtomicLevelAt(lvl)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return config.Build()
}

// Adapter exposes a zap logger through orchestrator.Logger.
type Adapter struct {
	sugar *zap.SugaredLogger
}

var _ orchestrator.Logger = (*Adapter)(nil)

func NewAdapter(l *zap.Logger) *Adapter {
	if l == nil {
		l = zap.NewNop()
	}
	return &Adapter{sugar: l.Sugar()}
}

func (a *Adapter) Debug(msg string, args ...interface{}) { a.sugar.Debugw(msg, args...) }
func (a *Adapter) Info(msg string, args ...interface{})  { a.sugar.Infow(msg, args...) }
func (a *Adapter) Warn(msg string, args ...interface{})  { a.sugar.Warnw(msg, args...) }
func (a *Adapter) Error(msg string, args ...interface{}) { a.sugar.Errorw(msg, args...) }

// With returns an adapter that adds the given key/value pairs to every entry.
func (a *Adapter) With(args ...interface{}) *Adapter {
	return &Adapter{sugar: a.sugar.With(args...)}
}
