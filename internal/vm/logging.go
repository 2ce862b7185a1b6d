package vm

import (
	"context"

	"go.uber.org/zap"
)

type speculativeLoggingKey struct{}

// DisableSpeculativeLogging returns a context under which speculative
// execution events are not logged. Speculative reads may observe cross-shard
// values still in flight, so they must not be logged as if committed.
func DisableSpeculativeLogging(ctx context.Context) context.Context {
	return context.WithValue(ctx, speculativeLoggingKey{}, true)
}

func SpeculativeLoggingEnabled(ctx context.Context) bool {
	disabled, _ := ctx.Value(speculativeLoggingKey{}).(bool)
	return !disabled
}

// SpeculativeLogger returns log, or a no-op logger when speculative logging
// is disabled in ctx
func SpeculativeLogger(ctx context.Context, log *zap.Logger) *zap.Logger {
	if log == nil || !SpeculativeLoggingEnabled(ctx) {
		return zap.NewNop()
	}
	return log
}
