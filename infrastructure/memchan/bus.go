// Package memchan is an in-process transport: named endpoints exchanging
// messages over buffered channels. It stands in for the browser window
// message channel in tests and single-process runtimes.
package memchan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/bridge/domain/ports"
)

// DefaultBuffer is the per-endpoint inbox capacity.
const DefaultBuffer = 64

var (
	// ErrClosed is returned when posting from or to a closed endpoint.
	ErrClosed = errors.New("endpoint closed")
	// ErrUnknownTarget is returned when no endpoint has the target address.
	ErrUnknownTarget = errors.New("unknown target endpoint")
)

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the inbox capacity of endpoints created afterwards.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus routes messages between the endpoints it created.
type Bus struct {
	endpoints map[string]*Endpoint
	logger    *slog.Logger
	buffer    int
	mu        sync.RWMutex
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		endpoints: make(map[string]*Endpoint),
		buffer:    DefaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Endpoint creates an endpoint with the given address and trust origin and
// starts its delivery loop.
func (b *Bus) Endpoint(address, origin string) (*Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.endpoints[address]; exists {
		return nil, fmt.Errorf("endpoint %q already exists", address)
	}
	ep := &Endpoint{
		bus:     b,
		address: address,
		origin:  origin,
		inbox:   make(chan ports.Message, b.buffer),
		done:    make(chan struct{}),
		subs:    make(map[int]func(ports.Message)),
	}
	b.endpoints[address] = ep
	go ep.run()
	return ep, nil
}

// Close closes every endpoint on the bus.
func (b *Bus) Close() {
	b.mu.Lock()
	eps := make([]*Endpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		eps = append(eps, ep)
	}
	b.mu.Unlock()

	for _, ep := range eps {
		ep.Close()
	}
}

func (b *Bus) lookup(address string) (*Endpoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ep, ok := b.endpoints[address]
	return ep, ok
}

func (b *Bus) remove(address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.endpoints, address)
}

// Endpoint is one context attached to the bus. It implements ports.Endpoint.
type Endpoint struct {
	bus       *Bus
	inbox     chan ports.Message
	done      chan struct{}
	subs      map[int]func(ports.Message)
	address   string
	origin    string
	nextSub   int
	mu        sync.RWMutex
	closeOnce sync.Once
}

var _ ports.Endpoint = (*Endpoint)(nil)

// Address implements ports.Endpoint.
func (e *Endpoint) Address() string { return e.address }

// Origin implements ports.Endpoint.
func (e *Endpoint) Origin() string { return e.origin }

// Post implements ports.Endpoint. A targetOrigin mismatch is not an error: the
// message is silently dropped, as a browser does.
func (e *Endpoint) Post(ctx context.Context, target, targetOrigin string, data []byte) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	dst, ok := e.bus.lookup(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if targetOrigin != ports.AnyOrigin && targetOrigin != dst.origin {
		e.bus.logger.Debug("memchan: target origin mismatch, dropping",
			"from", e.address, "to", target, "target_origin", targetOrigin, "origin", dst.origin)
		return nil
	}

	msg := ports.Message{
		Data:   append([]byte(nil), data...),
		Origin: e.origin,
		Source: e.address,
	}
	select {
	case dst.inbox <- msg:
		return nil
	case <-dst.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements ports.Endpoint.
func (e *Endpoint) Subscribe(fn func(ports.Message)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Close stops delivery and detaches the endpoint from the bus.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.bus.remove(e.address)
		close(e.done)
	})
}

func (e *Endpoint) run() {
	for {
		select {
		case <-e.done:
			return
		case msg := <-e.inbox:
			e.mu.RLock()
			subs := make([]func(ports.Message), 0, len(e.subs))
			for _, fn := range e.subs {
				subs = append(subs, fn)
			}
			e.mu.RUnlock()

			for _, fn := range subs {
				fn(msg)
			}
		}
	}
}
