package guest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reglet-dev/bridge/exchange"
)

// Call sends a one-shot request and decodes the response into Resp.
func Call[Resp any](ctx context.Context, c *Client, operation string, params any, opts ...CallOption) (Resp, error) {
	var resp Resp
	raw, err := c.Request(ctx, operation, params, opts...)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return resp, fmt.Errorf("decode %q response: %w", operation, err)
	}
	return resp, nil
}

// Handlers are the typed counterpart of exchange.StreamHandlers.
type Handlers[T any] struct {
	OnData   func(T)
	OnError  func(error)
	OnClosed func()
}

// Subscribe opens a stream whose data frames are decoded into T. Frames that
// do not decode are logged and skipped.
func Subscribe[T any](ctx context.Context, c *Client, operation string, params any, handlers Handlers[T]) (*exchange.Subscription, error) {
	raw := exchange.StreamHandlers{
		OnError:  handlers.OnError,
		OnClosed: handlers.OnClosed,
	}
	if handlers.OnData != nil {
		raw.OnData = func(payload json.RawMessage) {
			var v T
			if err := json.Unmarshal(payload, &v); err != nil {
				c.logger.Warn("guest: skipping undecodable frame", "operation", operation, "error", err)
				return
			}
			handlers.OnData(v)
		}
	}
	return c.OpenStream(ctx, operation, params, raw)
}
