package hostfuncs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/net/websocket"
)

// ProxyFeed dials the websocket feed at url and forwards every message to
// sink until the feed ends (nil), fails (UPSTREAM_ERROR) or ctx is cancelled
// (ctx.Err()). Messages that are not JSON are forwarded as JSON strings.
func ProxyFeed(ctx context.Context, url, origin string, sink Sink) error {
	cfg, err := websocket.NewConfig(url, origin)
	if err != nil {
		return NewValidationError(fmt.Sprintf("invalid feed URL: %v", err))
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewUpstreamError(fmt.Sprintf("dial feed: %v", err), http.StatusBadGateway)
	}

	conn.MaxPayloadBytes = DefaultMaxBodySize

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	for {
		var msg []byte
		if err := websocket.Message.Receive(conn, &msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return NewUpstreamError(fmt.Sprintf("feed: %v", err), http.StatusBadGateway)
		}

		payload := json.RawMessage(msg)
		if !json.Valid(msg) {
			payload, _ = json.Marshal(string(msg))
		}
		if err := sink.Send(payload); err != nil {
			return err
		}
	}
}
