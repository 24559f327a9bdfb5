package logger

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a thin wrapper that holds both the raw zap.Logger and its
// "Sugared" counterpart for convenience.
type Logger struct {
	*zap.Logger
	*zap.SugaredLogger
}

// New creates a logger based on the provided level string.
// Accepted levels (case-insensitive): "debug", "info", "warn", "error".
//
// Entries below error level go to stdout, error and above go to stderr.
// Every entry carries the process id.
func New(level string) (*Logger, error) {
	return newWithWriters(level, os.Stdout, os.Stderr)
}

func newWithWriters(level string, out, errOut io.Writer) (*Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	// Encoder configuration - JSON, ISO-8601 timestamps, capital level
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapLevel && l < zapcore.ErrorLevel
	})
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= zapLevel && l >= zapcore.ErrorLevel
	})

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(out)), low),
		zapcore.NewCore(enc.Clone(), zapcore.Lock(zapcore.AddSync(errOut)), high),
	)

	zapLogger := zap.New(core, zap.AddCaller()).With(zap.Int("pid", os.Getpid()))
	return wrap(zapLogger), nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return wrap(zap.NewNop())
}

func wrap(l *zap.Logger) *Logger {
	return &Logger{
		Logger:        l,
		SugaredLogger: l.Sugar(),
	}
}

// WithRunID returns a copy of the logger tagged with a fresh run id, along
// with the id itself.
func WithRunID(l *Logger) (*Logger, string) {
	id := uuid.NewString()
	return wrap(l.Logger.With(zap.String("run_id", id))), id
}

// FromContext extracts a *zap.Logger that may have been stored in the context.
// If none is present, the fallback logger is returned.
func FromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	if fallback == nil {
		return zap.NewNop()
	}
	return fallback
}

// WithContext returns a new context that carries the supplied logger.
func WithContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

type loggerKey struct{}

// Flush forces any buffered log entries to be written.
// Call this from `main` just before the program exits.
func Flush(l *Logger) {
	// Sync on a console fd returns EINVAL on some platforms; nothing useful
	// can be done with it at exit.
	_ = l.Logger.Sync()
}
