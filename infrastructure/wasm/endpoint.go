// Package wasm is the guest half of the wazero transport: it runs inside a
// wasm module and exposes the host's post_message import and the module's
// on_message export as a ports.Endpoint.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/internal/abi"
)

var (
	// ErrPostInvalid is returned when the host could not decode a post.
	ErrPostInvalid = errors.New("host rejected malformed post")
	// ErrPostRejected is returned when the host could not deliver a post.
	ErrPostRejected = errors.New("host could not deliver post")
)

// Compile-time interface compliance check
var _ ports.Endpoint = (*Endpoint)(nil)

// Endpoint implements ports.Endpoint on top of a post function, normally the
// host's post_message import.
type Endpoint struct {
	post        func([]byte) uint32
	subscribers map[int]func(ports.Message)
	address     string
	origin      string
	nextID      int
	mu          sync.Mutex
}

// NewEndpoint creates an endpoint sending through post.
func NewEndpoint(address, origin string, post func([]byte) uint32) *Endpoint {
	return &Endpoint{
		post:        post,
		subscribers: make(map[int]func(ports.Message)),
		address:     address,
		origin:      origin,
	}
}

// Address implements ports.Endpoint.
func (e *Endpoint) Address() string { return e.address }

// Origin implements ports.Endpoint.
func (e *Endpoint) Origin() string { return e.origin }

// Post implements ports.Endpoint. The host stamps origin and source.
func (e *Endpoint) Post(ctx context.Context, target, targetOrigin string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(abi.Outbound{Target: target, TargetOrigin: targetOrigin, Data: data})
	if err != nil {
		return fmt.Errorf("encode post: %w", err)
	}
	switch status := e.post(payload); status {
	case abi.StatusOK:
		return nil
	case abi.StatusInvalid:
		return ErrPostInvalid
	default:
		return fmt.Errorf("%w: %s (status %d)", ErrPostRejected, target, status)
	}
}

// Subscribe implements ports.Endpoint. Delivery happens synchronously inside
// Receive, on the host's on_message call.
func (e *Endpoint) Subscribe(fn func(ports.Message)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subscribers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// Receive decodes an on_message payload and hands it to every subscriber.
func (e *Endpoint) Receive(payload []byte) error {
	var in abi.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("decode inbound message: %w", err)
	}

	e.mu.Lock()
	fns := make([]func(ports.Message), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ports.Message{Data: in.Data, Origin: in.Origin, Source: in.Source})
	}
	return nil
}
