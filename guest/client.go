package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/exchange"
	"github.com/reglet-dev/bridge/wireformat"
)

// cancelNoticeTimeout bounds the best-effort cancel-stream post.
const cancelNoticeTimeout = time.Second

// Client is the guest half of the bridge. It is safe for concurrent use.
type Client struct {
	endpoint    ports.Endpoint
	handshake   *Handshake
	requests    *exchange.Requests
	streams     *exchange.Streams
	logger      *slog.Logger
	unsubscribe func()
	cfg         clientConfig
	closeOnce   sync.Once
}

// NewClient attaches a client to endpoint and starts listening for the host
// handshake.
func NewClient(endpoint ports.Endpoint, opts ...Option) *Client {
	cfg := defaultClientConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.handshake == nil {
		cfg.handshake = NewHandshake()
	}

	c := &Client{
		endpoint:  endpoint,
		handshake: cfg.handshake,
		logger:    cfg.logger.With("guest", endpoint.Address()),
		cfg:       cfg,
	}
	c.requests = exchange.NewRequests(
		exchange.WithDefaultTimeout(cfg.defaultTimeout),
		exchange.WithRequestsLogger(c.logger),
		exchange.WithAbandonNotifier(c.notifyCancel),
	)
	c.streams = exchange.NewStreams(
		exchange.WithCancelNotifier(c.notifyCancel),
		exchange.WithStreamsLogger(c.logger),
	)
	c.unsubscribe = endpoint.Subscribe(c.handle)
	return c
}

// Handshake returns the client's handshake state.
func (c *Client) Handshake() *Handshake {
	return c.handshake
}

// Ready is closed once the host handshake has been received.
func (c *Client) Ready() <-chan struct{} {
	return c.handshake.Ready()
}

// WaitReady blocks until the handshake arrives or ctx is done.
func (c *Client) WaitReady(ctx context.Context) (entities.Metadata, error) {
	select {
	case <-c.handshake.Ready():
		meta, _ := c.handshake.Metadata()
		return meta, nil
	case <-ctx.Done():
		return entities.Metadata{}, ctx.Err()
	}
}

// Go sends a one-shot request and returns its future without waiting.
func (c *Client) Go(ctx context.Context, operation string, params any, opts ...CallOption) (*exchange.Future, error) {
	var call callConfig
	for _, opt := range opts {
		opt(&call)
	}

	hostOrigin, ok := c.handshake.Origin()
	if !ok {
		return nil, &bridgeerrors.NotReadyError{Operation: operation}
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %q: %w", operation, err)
	}

	id := c.cfg.newID()
	// Register before sending so a fast response cannot miss its entry.
	future, err := c.requests.Register(id, operation, call.timeout)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, hostOrigin, wireformat.NewRequest(id, wireformat.OriginApplication, operation, raw)); err != nil {
		c.requests.Cancel(id, err)
		return nil, fmt.Errorf("send %q: %w", operation, err)
	}
	return future, nil
}

// Request sends a one-shot request and waits for its response. It fails with
// a TimeoutError when no response arrives in time, and with a CancelledError
// when ctx ends first.
func (c *Client) Request(ctx context.Context, operation string, params any, opts ...CallOption) (json.RawMessage, error) {
	future, err := c.Go(ctx, operation, params, opts...)
	if err != nil {
		return nil, err
	}
	resp, err := future.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		c.requests.Cancel(future.CorrelationID(), ctxErr)
		// The response may have won the race against cancellation.
		return future.Result()
	}
	return resp, err
}

// OpenStream opens a subscription. Frames are delivered to handlers until a
// terminal frame arrives or the subscription is cancelled. The stream is also
// cancelled when ctx ends.
func (c *Client) OpenStream(ctx context.Context, operation string, params any, handlers exchange.StreamHandlers) (*exchange.Subscription, error) {
	hostOrigin, ok := c.handshake.Origin()
	if !ok {
		return nil, &bridgeerrors.NotReadyError{Operation: operation}
	}
	raw, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params for %q: %w", operation, err)
	}

	id := c.cfg.newID()
	sub, err := c.streams.Open(id, operation, handlers)
	if err != nil {
		return nil, err
	}
	if err := c.send(ctx, hostOrigin, wireformat.NewRequest(id, wireformat.OriginApplication, operation, raw)); err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("send %q: %w", operation, err)
	}

	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Cancel()
			case <-sub.Done():
			}
		}()
	}
	return sub, nil
}

// Close detaches from the endpoint, fails pending requests with a
// CancelledError and cancels every open stream.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.streams.CancelAll()
		c.requests.CancelAll()
		c.unsubscribe()
	})
	return nil
}

// Pending reports the number of in-flight requests and open streams.
func (c *Client) Pending() (requests, streams int) {
	return c.requests.Len(), c.streams.Len()
}

func (c *Client) send(ctx context.Context, hostOrigin string, env wireformat.Envelope) error {
	data, err := wireformat.Encode(env)
	if err != nil {
		return err
	}
	return c.endpoint.Post(ctx, c.cfg.parent, hostOrigin, data)
}

// notifyCancel tells the host to stop work for id. It serves both cancelled
// streams and abandoned one-shot requests, whose operation may be a stream.
func (c *Client) notifyCancel(id, operation string) {
	hostOrigin, ok := c.handshake.Origin()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cancelNoticeTimeout)
	defer cancel()

	env := wireformat.NewRequest(id, wireformat.OriginApplication, wireformat.OpCancelStream, nil)
	if err := c.send(ctx, hostOrigin, env); err != nil {
		c.logger.Debug("guest: cancel notice not sent", "correlation_id", id, "operation", operation, "error", err)
	}
}

func (c *Client) handle(msg ports.Message) {
	env, err := wireformat.Decode(msg.Data)
	if err != nil {
		c.logger.Debug("guest: dropping message", "error", &bridgeerrors.MalformedEnvelopeError{Err: err, Source: msg.Source})
		return
	}
	// Own echoes and traffic from other guests on a shared channel.
	if env.Origin != wireformat.OriginHost {
		return
	}

	if env.Kind() == wireformat.KindRequest {
		c.handleHostRequest(msg, &env)
		return
	}

	hostOrigin, ready := c.handshake.Origin()
	if !ready {
		c.logger.Debug("guest: dropping host traffic before handshake", "correlation_id", env.CorrelationID)
		return
	}
	if hostOrigin != ports.AnyOrigin && msg.Origin != hostOrigin {
		c.logger.Warn("guest: dropping message from untrusted origin", "origin", msg.Origin, "correlation_id", env.CorrelationID)
		return
	}

	switch env.Kind() {
	case wireformat.KindResponse:
		if c.streams.Has(env.CorrelationID) {
			c.endStreamWithResponse(env.CorrelationID, env.Response)
			return
		}
		c.requests.Resolve(env.CorrelationID, env.Response)
	case wireformat.KindFrame:
		// A failed one-shot request is answered with an error frame.
		if env.StreamState == wireformat.StreamError && c.requests.Has(env.CorrelationID) {
			c.requests.Reject(env.CorrelationID, exchange.DecodeError("", env.Error))
			return
		}
		c.streams.Dispatch(env.CorrelationID, env.Frame())
	}
}

// endStreamWithResponse completes a stream that was opened on a one-shot
// operation: the response becomes its only data frame.
func (c *Client) endStreamWithResponse(id string, response json.RawMessage) {
	c.logger.Debug("guest: one-shot response on stream", "correlation_id", id)
	if len(response) > 0 {
		c.streams.Dispatch(id, wireformat.Frame{State: wireformat.StreamData, Payload: response})
	}
	c.streams.Dispatch(id, wireformat.Frame{State: wireformat.StreamClosed})
}

func (c *Client) handleHostRequest(msg ports.Message, env *wireformat.Envelope) {
	if env.Operation != wireformat.OpMetadata {
		c.logger.Debug("guest: ignoring host request", "operation", env.Operation)
		return
	}
	if msg.Source != c.cfg.parent {
		c.logger.Warn("guest: ignoring handshake from non-parent", "source", msg.Source)
		return
	}

	var meta entities.Metadata
	if err := json.Unmarshal(env.Params, &meta); err != nil {
		c.logger.Warn("guest: invalid handshake", "error", err)
		return
	}
	if err := c.handshake.Set(meta); err != nil {
		if errors.Is(err, ErrHandshakeDone) {
			c.logger.Debug("guest: duplicate handshake ignored")
			return
		}
		c.logger.Warn("guest: invalid handshake", "error", err)
		return
	}
	c.logger.Info("guest: handshake received", "host_origin", meta.HostOrigin, "greeting", meta.Greeting)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
