package hostfuncs

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a one-shot ByteHandler to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(next ByteHandler) ByteHandler

// PanicRecoveryMiddleware converts handler panics into an INTERNAL_ERROR
// ErrorResponse instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					resp = nil
					err = NewPanicError(r)
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware logs each invocation with its outcome and latency.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(next ByteHandler) ByteHandler {
		return func(ctx context.Context, payload []byte) ([]byte, error) {
			inv, _ := InvocationFrom(ctx)
			start := time.Now()
			resp, err := next(ctx, payload)
			attrs := []any{
				"operation", inv.Operation,
				"correlation_id", inv.CorrelationID,
				"guest", inv.GuestAddress,
				"duration", time.Since(start),
			}
			if err != nil {
				logger.WarnContext(ctx, "operation failed", append(attrs, "error", err)...)
			} else {
				logger.DebugContext(ctx, "operation completed", attrs...)
			}
			return resp, err
		}
	}
}
