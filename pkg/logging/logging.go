// Package logging builds the zap loggers shared by canvassync packages.
//
// By default nothing is logged. Call SetLogger (typically with the result of
// New) to enable output for every package at once:
//
//	logging.SetLogger(logging.New(logging.Config{Level: "debug"}))
package logging

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger settings. Zero values select defaults.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `yaml:"level,omitempty"`
	// Encoding is "console" or "json". Defaults to console.
	Encoding string `yaml:"encoding,omitempty"`
	// Development enables zap's development mode (stack traces on warn).
	Development bool `yaml:"development,omitempty"`
}

// New creates a logger writing to stderr. Invalid settings fall back to
// their defaults rather than failing.
func New(cfg Config) *zap.Logger {
	encoding := strings.ToLower(strings.TrimSpace(cfg.Encoding))
	if encoding != "json" {
		encoding = "console"
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	config := zap.Config{
		Level:            zap.NewAtomicLevelAt(ParseLevel(cfg.Level)),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var loggerPtr atomic.Pointer[zap.Logger]

func init() {
	loggerPtr.Store(zap.NewNop())
}

// SetLogger replaces the shared logger. Pass nil to silence logging again.
// Safe for concurrent use.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	loggerPtr.Store(l)
}

// L returns the shared logger.
func L() *zap.Logger {
	return loggerPtr.Load()
}

// Named returns the shared logger with the given name, or l itself when it
// is non-nil. Components use it to resolve their logger option.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l != nil {
		return l
	}
	return L().Named(name)
}
