package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/internal/abi"
	"github.com/tetratelabs/wazero/api"
)

// ErrGuestClosed is returned by Deliver after Close.
var ErrGuestClosed = errors.New("guest module closed")

// Guest is a wasm module bound to an endpoint.
type Guest struct {
	module      api.Module
	endpoint    ports.Endpoint
	host        *Host
	logger      *slog.Logger
	unsubscribe func()
	// mu serializes calls into the module, which is not safe for concurrent use.
	mu     sync.Mutex
	closed bool
}

// Name returns the module name.
func (g *Guest) Name() string {
	return g.module.Name()
}

// Endpoint returns the endpoint the guest is bound to.
func (g *Guest) Endpoint() ports.Endpoint {
	return g.endpoint
}

// Deliver passes msg to the module's on_message export.
func (g *Guest) Deliver(ctx context.Context, msg ports.Message) error {
	payload, err := json.Marshal(abi.Inbound{Data: msg.Data, Origin: msg.Origin, Source: msg.Source})
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGuestClosed
	}

	packed, err := writeGuest(ctx, g.module, payload)
	if err != nil {
		return err
	}
	if _, err := g.module.ExportedFunction(abi.OnMessage).Call(ctx, packed); err != nil {
		return fmt.Errorf("call %s: %w", abi.OnMessage, err)
	}
	return nil
}

func (g *Guest) deliver(msg ports.Message) {
	if err := g.Deliver(context.Background(), msg); err != nil && !errors.Is(err, ErrGuestClosed) {
		g.logger.Warn("wazero: delivery failed", "source", msg.Source, "error", err)
	}
}

// Close unbinds the endpoint and closes the module.
func (g *Guest) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.unsubscribe()
	g.host.remove(g)
	g.logger.Info("wazero: guest disconnected")
	return g.module.Close(ctx)
}
