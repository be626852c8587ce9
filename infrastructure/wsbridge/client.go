package wsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/reglet-dev/bridge/domain/ports"
	"golang.org/x/net/websocket"
)

// DefaultServerAddress is the address a Conn expects of the server.
const DefaultServerAddress = "host"

// Compile-time interface compliance check
var _ ports.Endpoint = (*Conn)(nil)

// DialOption configures Dial.
type DialOption func(*Conn)

// WithServerAddress sets the address the server answers to.
func WithServerAddress(address string) DialOption {
	return func(c *Conn) {
		c.server = address
	}
}

// WithDialLogger sets the connection logger.
func WithDialLogger(logger *slog.Logger) DialOption {
	return func(c *Conn) {
		c.logger = logger
	}
}

// Conn is the guest endpoint of the websocket transport.
type Conn struct {
	ws          *websocket.Conn
	logger      *slog.Logger
	subscribers map[int]func(ports.Message)
	done        chan struct{}
	address     string
	origin      string
	server      string
	nextID      int
	mu          sync.RWMutex
	wmu         sync.Mutex
	closeOnce   sync.Once
	// start launches the read loop on the first Subscribe; frames wait in
	// the socket until then.
	start sync.Once
}

// Dial connects to the bridge server at rawURL as the guest address with the
// given trust origin.
func Dial(ctx context.Context, rawURL, address, origin string, opts ...DialOption) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set(GuestParam, address)
	u.RawQuery = q.Encode()

	cfg, err := websocket.NewConfig(u.String(), origin)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}
	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &Conn{
		ws:          ws,
		subscribers: make(map[int]func(ports.Message)),
		done:        make(chan struct{}),
		address:     address,
		origin:      origin,
		server:      DefaultServerAddress,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Address implements ports.Endpoint.
func (c *Conn) Address() string { return c.address }

// Origin implements ports.Endpoint.
func (c *Conn) Origin() string { return c.origin }

// Done is closed when the connection ends. It is only observed once a
// subscriber is registered or Close is called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Post implements ports.Endpoint. The only reachable target is the server.
func (c *Conn) Post(ctx context.Context, target, targetOrigin string, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if target != c.server {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.JSON.Send(c.ws, frame{TargetOrigin: targetOrigin, Data: data})
}

// Subscribe implements ports.Endpoint.
func (c *Conn) Subscribe(fn func(ports.Message)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = fn
	c.mu.Unlock()
	c.start.Do(func() { go c.readLoop() })

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subscribers, id)
			c.mu.Unlock()
		})
	}
}

// Close ends the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
		c.start.Do(func() { close(c.done) })
	})
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		var f frame
		if err := websocket.JSON.Receive(c.ws, &f); err != nil {
			if !isClosedErr(err) {
				c.logger.Debug("wsbridge: read failed", "address", c.address, "error", err)
			}
			_ = c.Close()
			return
		}

		msg := ports.Message{Data: f.Data, Origin: f.Origin, Source: f.Source}
		c.mu.RLock()
		fns := make([]func(ports.Message), 0, len(c.subscribers))
		for _, fn := range c.subscribers {
			fns = append(fns, fn)
		}
		c.mu.RUnlock()
		for _, fn := range fns {
			fn(msg)
		}
	}
}
