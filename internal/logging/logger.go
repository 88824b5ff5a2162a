// Package logging provides structured logging for the sync core.
//
// The package keeps a process-wide zap logger behind a small facade so call
// sites can log with a plain context map:
//
//	logging.Info("mutation enqueued", map[string]interface{}{"id": m.ID})
//
// Components that want typed fields can take L() directly.
package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	apperrors "github.com/coachcoreai/coachcore/backend/internal/errors"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config configures the global logger.
type Config struct {
	Level       LogLevel
	JSON        bool
	OutputPaths []string
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// ParseLevel converts a level name into a LogLevel. Unknown names map to info.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Init builds a zap logger from cfg and installs it as the global logger.
func Init(cfg Config) error {
	var zcfg zap.Config
	if cfg.JSON {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "timestamp"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(cfg.Level.zapLevel())
	if len(cfg.OutputPaths) > 0 {
		zcfg.OutputPaths = cfg.OutputPaths
	}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(logger)
	return nil
}

// SetLogger replaces the global logger. A nil logger installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	global = l
	mu.Unlock()
}

// L returns the global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes buffered log entries.
func Sync() {
	_ = L().Sync()
}

// fields merges the context maps into zap fields in key order.
func fields(context ...map[string]interface{}) []zap.Field {
	if len(context) == 0 {
		return nil
	}
	merged := make(map[string]interface{})
	for _, c := range context {
		for k, v := range c {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, merged[k]))
	}
	return out
}

// Debug logs a debug message.
func Debug(message string, context ...map[string]interface{}) {
	L().Debug(message, fields(context...)...)
}

// Info logs an info message.
func Info(message string, context ...map[string]interface{}) {
	L().Info(message, fields(context...)...)
}

// Warn logs a warning message.
func Warn(message string, context ...map[string]interface{}) {
	L().Warn(message, fields(context...)...)
}

// Error logs an error message.
func Error(message string, err error, context ...map[string]interface{}) {
	fs := fields(context...)
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	L().Error(message, fs...)
}

// ErrorWithCode logs an error together with its AppError code.
func ErrorWithCode(message string, code apperrors.ErrorCode, err error, context ...map[string]interface{}) {
	fs := append(fields(context...), zap.String("code", string(code)))
	if err != nil {
		fs = append(fs, zap.Error(err))
	}
	L().Error(message, fs...)
}
