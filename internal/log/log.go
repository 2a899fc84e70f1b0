// Package log wraps go.uber.org/zap behind a small Logger interface so that
// every worker (AgentStartFlow, AreaResilience, LightDiscovery, ControlAPI)
// logs through the same surface without importing zap directly.
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type log struct {
	*zap.SugaredLogger
}

// Logger is the logging surface every component depends on.
//
//nolint:interfacebloat // mirrors the zap sugared logger surface on purpose
type Logger interface {
	Info(keyvals ...interface{})
	Debug(keyvals ...interface{})
	Warn(keyvals ...interface{})
	Error(keyvals ...interface{})
	Fatal(keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Debugw(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
}

func (l *log) With(args ...interface{}) Logger { return &log{l.SugaredLogger.With(args...)} }
func (l *log) Named(s string) Logger           { return &log{l.SugaredLogger.Named(s)} }

const (
	InfoLevel  = int(zapcore.InfoLevel)
	DebugLevel = int(zapcore.DebugLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
	FatalLevel = int(zapcore.FatalLevel)
	WarnLevel  = int(zapcore.WarnLevel)
)

// DefaultLevel is the level the default logger uses. Change it before the
// first call to DefaultLogger to take effect.
var DefaultLevel = InfoLevel

//nolint:gochecknoinits // mirrors the debug-env override the rest of the stack relies on
func init() {
	debugEnv, isDebug := os.LookupEnv("AGENTD_DEBUG_LOGS")
	if isDebug && debugEnv == "DEBUG" {
		DefaultLevel = DebugLevel
	}
}

var isDefaultLoggerSet sync.Once
var defaultLogger Logger

// DefaultLogger returns the package-level singleton logger, JSON-encoded at
// DefaultLevel.
func DefaultLogger() Logger {
	isDefaultLoggerSet.Do(func() {
		defaultLogger = &log{newZapLogger(os.Stdout, getJSONEncoder(), DefaultLevel).Sugar()}
	})
	return defaultLogger
}

// New builds a logger writing to output at the given level, JSON-encoded
// when isJSON is true and human-readable console format otherwise.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	encoder := getConsoleEncoder()
	if isJSON {
		encoder = getJSONEncoder()
	}
	return &log{newZapLogger(output, encoder, level).Sugar()}
}

func newZapLogger(output zapcore.WriteSyncer, encoder zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}
	core := zapcore.NewCore(encoder, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func getJSONEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func getConsoleEncoder() zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

type ctxLoggerKey string

const ctxLogger ctxLoggerKey = "agentdLogger"

// ToContext attaches a Logger to ctx so HTTP handlers can pull it back out.
func ToContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxLogger, l)
}

// FromContextOrDefault returns the logger stashed on ctx, or the package
// default if none was set.
func FromContextOrDefault(ctx context.Context) Logger {
	l, ok := ctx.Value(ctxLogger).(Logger)
	if !ok {
		return DefaultLogger()
	}
	return l
}
