package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

// Context keys recognized by WithCtx. Handlers and the stream
// controller stash these so every log line in a turn correlates.
const (
	CtxKeySessionID = "session_id"
	CtxKeyTurnID    = "turn_id"
	CtxKeyRoute     = "route"
)

var logger *zap.Logger

func init() {
	if os.Getenv("DEBUG") == "true" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(CtxKeySessionID); v != nil {
		fields = append(fields, zap.Any(CtxKeySessionID, v))
	}
	if v := ctx.Value(CtxKeyTurnID); v != nil {
		fields = append(fields, zap.Any(CtxKeyTurnID, v))
	}
	if v := ctx.Value(CtxKeyRoute); v != nil {
		fields = append(fields, zap.Any(CtxKeyRoute, v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}
