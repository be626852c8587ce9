package wazero

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/hostfuncs"
	"github.com/reglet-dev/bridge/internal/abi"
	bridgelog "github.com/reglet-dev/bridge/log"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// DefaultMaxMessageSize limits payloads read from guest memory.
const DefaultMaxMessageSize = 1 << 20

// ErrGuestExists is returned when a module name is already connected.
var ErrGuestExists = errors.New("guest module already connected")

// Config holds configuration for the wazero host adapter.
type Config struct {
	// Logger receives adapter diagnostics and forwarded guest records.
	Logger *slog.Logger

	// Operations, when set, are exported as direct host functions.
	Operations *hostfuncs.HandlerRegistry

	// ModuleName is the host module name (default: "bridge").
	ModuleName string

	// MaxMessageSize limits the size of payloads read from guest memory.
	MaxMessageSize uint32
}

// Option configures the adapter.
type Option func(*Config)

// WithModuleName sets the host module name.
func WithModuleName(name string) Option {
	return func(c *Config) {
		c.ModuleName = name
	}
}

// WithMaxMessageSize sets the maximum payload size read from guest memory.
func WithMaxMessageSize(size uint32) Option {
	return func(c *Config) {
		c.MaxMessageSize = size
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithOperations exports the unary operations of registry as direct calls.
func WithOperations(registry *hostfuncs.HandlerRegistry) Option {
	return func(c *Config) {
		c.Operations = registry
	}
}

func defaultConfig() Config {
	return Config{
		ModuleName:     abi.HostModule,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// Host owns the host module and the guests connected through it.
type Host struct {
	guests map[string]*Guest
	logger *slog.Logger
	module api.Module
	cfg    Config
	mu     sync.RWMutex
}

// NewHost instantiates the host module in runtime. It must be called before
// any guest module importing it is instantiated.
func NewHost(ctx context.Context, runtime wazero.Runtime, opts ...Option) (*Host, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	h := &Host{
		guests: make(map[string]*Guest),
		logger: cfg.Logger,
		cfg:    cfg,
	}

	builder := runtime.NewHostModuleBuilder(cfg.ModuleName)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.postMessage), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI32}).
		Export(abi.PostMessage)
	builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(h.logMessage), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		Export(abi.LogMessage)

	if cfg.Operations != nil {
		for _, name := range cfg.Operations.Names() {
			handler, _ := cfg.Operations.Lookup(name)
			if handler.Kind != hostfuncs.KindUnary {
				continue
			}
			operation := name
			builder.NewFunctionBuilder().
				WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
					h.directCall(ctx, mod, stack, operation)
				}), []api.ValueType{api.ValueTypeI64}, []api.ValueType{api.ValueTypeI64, api.ValueTypeI32}).
				Export(operation)
		}
	}

	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, fmt.Errorf("instantiate host module %q: %w", cfg.ModuleName, err)
	}
	h.module = mod
	return h, nil
}

// Connect binds an instantiated guest module to endpoint. Messages posted by
// the module leave through endpoint; messages delivered to endpoint are passed
// to the module's on_message export.
func (h *Host) Connect(mod api.Module, endpoint ports.Endpoint) (*Guest, error) {
	for _, export := range []string{abi.Allocate, abi.OnMessage} {
		if mod.ExportedFunction(export) == nil {
			return nil, fmt.Errorf("guest module %q missing %q export", mod.Name(), export)
		}
	}

	g := &Guest{
		module:   mod,
		endpoint: endpoint,
		host:     h,
		logger:   h.logger.With("guest", mod.Name()),
	}

	h.mu.Lock()
	if _, exists := h.guests[mod.Name()]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGuestExists, mod.Name())
	}
	h.guests[mod.Name()] = g
	h.mu.Unlock()

	g.unsubscribe = endpoint.Subscribe(g.deliver)
	g.logger.Info("wazero: guest connected", "address", endpoint.Address(), "origin", endpoint.Origin())
	return g, nil
}

// Guests returns the number of connected guests.
func (h *Host) Guests() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.guests)
}

// Close disconnects every guest and closes the host module.
func (h *Host) Close(ctx context.Context) error {
	h.mu.RLock()
	guests := make([]*Guest, 0, len(h.guests))
	for _, g := range h.guests {
		guests = append(guests, g)
	}
	h.mu.RUnlock()

	var errs []error
	for _, g := range guests {
		errs = append(errs, g.Close(ctx))
	}
	if h.module != nil {
		errs = append(errs, h.module.Close(ctx))
	}
	return errors.Join(errs...)
}

func (h *Host) guest(name string) (*Guest, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	g, ok := h.guests[name]
	return g, ok
}

func (h *Host) remove(g *Guest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.guests[g.module.Name()]; ok && current == g {
		delete(h.guests, g.module.Name())
	}
}

// postMessage implements post_message(i64) -> i32.
func (h *Host) postMessage(ctx context.Context, mod api.Module, stack []uint64) {
	stack[0] = uint64(h.post(ctx, mod, stack[0]))
}

func (h *Host) post(ctx context.Context, mod api.Module, packed uint64) uint32 {
	g, ok := h.guest(mod.Name())
	if !ok {
		h.logger.WarnContext(ctx, "wazero: post from unconnected module", "module", mod.Name())
		return abi.StatusRejected
	}
	payload, err := h.read(mod, packed)
	if err != nil {
		g.logger.WarnContext(ctx, "wazero: invalid post", "error", err)
		return abi.StatusInvalid
	}

	var out abi.Outbound
	if err := json.Unmarshal(payload, &out); err != nil || out.Target == "" {
		g.logger.WarnContext(ctx, "wazero: invalid post", "error", err)
		return abi.StatusInvalid
	}
	if out.TargetOrigin == "" {
		out.TargetOrigin = ports.AnyOrigin
	}
	if err := g.endpoint.Post(ctx, out.Target, out.TargetOrigin, out.Data); err != nil {
		g.logger.WarnContext(ctx, "wazero: post failed", "target", out.Target, "error", err)
		return abi.StatusRejected
	}
	return abi.StatusOK
}

// logMessage implements log_message(i64).
func (h *Host) logMessage(ctx context.Context, mod api.Module, stack []uint64) {
	payload, err := h.read(mod, stack[0])
	if err != nil {
		h.logger.WarnContext(ctx, "wazero: invalid log record", "module", mod.Name(), "error", err)
		return
	}
	if err := bridgelog.Replay(ctx, h.logger, payload, slog.String("guest", mod.Name())); err != nil {
		h.logger.InfoContext(ctx, "wazero: guest log (raw)", "guest", mod.Name(), "payload", string(payload))
	}
}

// directCall implements an exported operation: (i64 request) -> (i64 response, i32 status).
// On failure the response holds an ErrorDetail.
func (h *Host) directCall(ctx context.Context, mod api.Module, stack []uint64, operation string) {
	inv := hostfuncs.Invocation{Operation: operation, GuestAddress: mod.Name()}
	if g, ok := h.guest(mod.Name()); ok {
		inv.GuestAddress = g.endpoint.Address()
		inv.GuestOrigin = g.endpoint.Origin()
	}

	var resp []byte
	payload, err := h.read(mod, stack[0])
	if err == nil {
		resp, err = h.cfg.Operations.Invoke(hostfuncs.WithInvocation(ctx, inv), operation, payload)
	}
	status := abi.StatusOK
	if err != nil {
		h.logger.DebugContext(ctx, "wazero: direct call failed", "operation", operation, "guest", inv.GuestAddress, "error", err)
		resp, _ = json.Marshal(bridgeerrors.ToErrorDetail(err))
		status = abi.StatusRejected
	}

	packed, err := writeGuest(ctx, mod, resp)
	if err != nil {
		h.logger.ErrorContext(ctx, "wazero: cannot return result", "operation", operation, "error", err)
		stack[0], stack[1] = 0, uint64(abi.StatusInvalid)
		return
	}
	stack[0], stack[1] = packed, uint64(status)
}

// read copies a packed region out of guest memory.
func (h *Host) read(mod api.Module, packed uint64) ([]byte, error) {
	ptr, length, err := abi.UnpackPtrLen(packed)
	if err != nil {
		return nil, err
	}
	if length > h.cfg.MaxMessageSize {
		return nil, hostfuncs.NewValidationError(fmt.Sprintf("payload size %d exceeds maximum %d bytes", length, h.cfg.MaxMessageSize))
	}
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("read %d bytes at %#x: out of range", length, ptr)
	}
	// Read returns a view of guest memory.
	return append([]byte(nil), data...), nil
}

// writeGuest allocates guest memory through the allocate export and copies
// data into it.
func writeGuest(ctx context.Context, mod api.Module, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	allocate := mod.ExportedFunction(abi.Allocate)
	if allocate == nil {
		return 0, fmt.Errorf("guest module %q missing %q export", mod.Name(), abi.Allocate)
	}
	results, err := allocate.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("call guest allocate: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("guest allocate returned no results")
	}
	ptr := uint32(results[0]) //nolint:gosec // G115: wasm32 pointers are 32-bit
	if !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("write %d bytes at %#x: out of range", len(data), ptr)
	}
	return abi.PackPtrLen(ptr, uint32(len(data))), nil //nolint:gosec // G115: bounded by guest allocate
}
