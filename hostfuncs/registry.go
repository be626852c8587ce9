package hostfuncs

import (
	"context"
	"fmt"
	"reflect"
	"sort"
)

// Kind tags a registered operation as one-shot or streaming.
type Kind int

const (
	KindUnary Kind = iota + 1
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindUnary:
		return "unary"
	case KindStream:
		return "stream"
	default:
		return "unknown"
	}
}

// Handler is one entry of the operation table. Exactly one of Unary or Stream
// is set, as indicated by Kind.
type Handler struct {
	Unary  ByteHandler
	Stream ByteStreamHandler
	// params is the typed request for handlers registered through the
	// generic options; nil for byte handlers.
	params reflect.Type
	Kind   Kind
}

// Unary builds a one-shot table entry from a ByteHandler.
func Unary(h ByteHandler) Handler {
	return Handler{Kind: KindUnary, Unary: h}
}

// Stream builds a streaming table entry from a ByteStreamHandler.
func Stream(h ByteStreamHandler) Handler {
	return Handler{Kind: KindStream, Stream: h}
}

// TypedUnary builds a one-shot entry with JSON handling and a params schema.
func TypedUnary[Req any, Resp any](fn HostFunc[Req, Resp]) Handler {
	return Handler{Kind: KindUnary, Unary: NewJSONHandler(fn), params: reflect.TypeFor[Req]()}
}

// TypedStream builds a streaming entry with JSON handling and a params schema.
func TypedStream[Req any, Item any](fn StreamFunc[Req, Item]) Handler {
	return Handler{Kind: KindStream, Stream: NewJSONStreamHandler(fn), params: reflect.TypeFor[Req]()}
}

// HandlerRegistry is an immutable table of named operations.
// Once created via NewRegistry, handlers cannot be added or removed,
// so lookups need no locking.
type HandlerRegistry struct {
	handlers   map[string]Handler
	names      []string // sorted for consistent iteration
	middleware []Middleware
}

// RegistryOption is a functional option for configuring a HandlerRegistry.
type RegistryOption func(*registryBuilder)

// registryBuilder accumulates configuration during registry construction.
type registryBuilder struct {
	handlers   map[string]Handler
	middleware []Middleware
	errors     []error
}

// NewRegistry creates an immutable HandlerRegistry with the given options.
// Returns an error if any operation name is registered twice.
//
// Example usage:
//
//	registry, err := NewRegistry(
//	    WithMiddleware(PanicRecoveryMiddleware()),
//	    WithBundle(DemoBundle(WithMessageURL(url))),
//	    WithHandler("echo", echo),
//	)
func NewRegistry(opts ...RegistryOption) (*HandlerRegistry, error) {
	b := &registryBuilder{
		handlers: make(map[string]Handler),
	}

	for _, opt := range opts {
		opt(b)
	}

	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	// Middleware wraps unary handlers, first added outermost.
	wrapped := make(map[string]Handler, len(b.handlers))
	for name, h := range b.handlers {
		if h.Kind == KindUnary {
			for i := len(b.middleware) - 1; i >= 0; i-- {
				h.Unary = b.middleware[i](h.Unary)
			}
		}
		wrapped[name] = h
	}

	return &HandlerRegistry{
		handlers:   wrapped,
		names:      names,
		middleware: b.middleware,
	}, nil
}

// Lookup returns the table entry for operation.
func (r *HandlerRegistry) Lookup(operation string) (Handler, bool) {
	h, ok := r.handlers[operation]
	return h, ok
}

// Invoke runs a one-shot operation. Unknown operations fail with a NOT_FOUND
// ErrorResponse, as do stream operations invoked as one-shot.
func (r *HandlerRegistry) Invoke(ctx context.Context, operation string, params []byte) ([]byte, error) {
	h, ok := r.handlers[operation]
	if !ok || h.Kind != KindUnary {
		return nil, NewNotFoundError(operation)
	}
	return h.Unary(ensureInvocation(ctx, operation), params)
}

// Produce runs a stream operation until it returns.
func (r *HandlerRegistry) Produce(ctx context.Context, operation string, params []byte, sink Sink) error {
	h, ok := r.handlers[operation]
	if !ok || h.Kind != KindStream {
		return NewNotFoundError(operation)
	}
	return h.Stream(ensureInvocation(ctx, operation), params, sink)
}

// Has returns true if an operation with the given name is registered.
func (r *HandlerRegistry) Has(operation string) bool {
	_, ok := r.handlers[operation]
	return ok
}

// Names returns a sorted list of all registered operation names.
func (r *HandlerRegistry) Names() []string {
	result := make([]string, len(r.names))
	copy(result, r.names)
	return result
}

// addHandler registers a handler with the given name.
func (b *registryBuilder) addHandler(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("operation name cannot be empty")
	}
	if _, exists := b.handlers[name]; exists {
		return fmt.Errorf("duplicate operation name: %q", name)
	}
	switch {
	case h.Kind == KindUnary && h.Unary != nil:
	case h.Kind == KindStream && h.Stream != nil:
	default:
		return fmt.Errorf("operation %q: handler does not match kind %s", name, h.Kind)
	}
	b.handlers[name] = h
	return nil
}

func (b *registryBuilder) add(name string, h Handler) {
	if err := b.addHandler(name, h); err != nil {
		b.errors = append(b.errors, err)
	}
}

// WithByteHandler registers a raw one-shot ByteHandler.
// Use WithHandler for type-safe registration with automatic JSON handling.
func WithByteHandler(name string, handler ByteHandler) RegistryOption {
	return func(b *registryBuilder) {
		b.add(name, Unary(handler))
	}
}

// WithByteStreamHandler registers a raw stream handler.
func WithByteStreamHandler(name string, handler ByteStreamHandler) RegistryOption {
	return func(b *registryBuilder) {
		b.add(name, Stream(handler))
	}
}

// WithHandler registers a typed one-shot operation.
//
// Example usage:
//
//	WithHandler("echo", func(ctx context.Context, req EchoRequest) (EchoResponse, error) {
//	    return EchoResponse{Text: req.Text}, nil
//	})
func WithHandler[Req any, Resp any](name string, fn HostFunc[Req, Resp]) RegistryOption {
	return func(b *registryBuilder) {
		b.add(name, TypedUnary(fn))
	}
}

// WithStreamHandler registers a typed stream operation.
func WithStreamHandler[Req any, Item any](name string, fn StreamFunc[Req, Item]) RegistryOption {
	return func(b *registryBuilder) {
		b.add(name, TypedStream(fn))
	}
}

// WithMiddleware adds middleware to the registry.
// Middleware executes in FIFO order (first added wraps first).
func WithMiddleware(mw ...Middleware) RegistryOption {
	return func(b *registryBuilder) {
		b.middleware = append(b.middleware, mw...)
	}
}
