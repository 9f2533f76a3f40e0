package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	contextKeyLogger contextKey = "logger"
)

type ContextData struct {
	Logger *zap.Logger
	Debug  bool
}

// New builds the process logger. Debug selects the development encoder and
// debug level; otherwise JSON at info level.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level.SetLevel(zapcore.InfoLevel)
	}
	return cfg.Build()
}

func NewContextWithLogger(ctx context.Context, logger *zap.Logger, debug bool) context.Context {
	return context.WithValue(ctx, contextKeyLogger, ContextData{Logger: logger, Debug: debug})
}

// WithFields returns a context whose logger carries fields in addition to
// those of ctx's logger.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	cdata := DataFromContext(ctx)
	return NewContextWithLogger(ctx, cdata.Logger.With(fields...), cdata.Debug)
}

func FromContext(ctx context.Context) *zap.Logger {
	cdata, ok := ctx.Value(contextKeyLogger).(ContextData)
	if !ok {
		return zap.L()
	}
	return cdata.Logger
}

func DataFromContext(ctx context.Context) ContextData {
	cdata, ok := ctx.Value(contextKeyLogger).(ContextData)
	if !ok {
		return ContextData{
			Logger: zap.L(),
		}
	}
	return cdata
}
