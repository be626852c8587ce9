package hostfuncs

import "context"

// Invocation identifies one handler call.
type Invocation struct {
	// Operation is the requested operation name.
	Operation string `json:"operation"`

	// CorrelationID is the id of the request envelope.
	CorrelationID string `json:"correlationId,omitempty"`

	// GuestAddress is the transport address of the requesting guest.
	GuestAddress string `json:"guestAddress,omitempty"`

	// GuestOrigin is the trust origin of the requesting guest.
	GuestOrigin string `json:"guestOrigin,omitempty"`
}

type invocationKey struct{}

// WithInvocation returns a copy of ctx carrying inv. Handlers and middleware
// read it back with InvocationFrom.
func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation carried by ctx, if any.
func InvocationFrom(ctx context.Context) (Invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(Invocation)
	return inv, ok
}

// ensureInvocation keeps an invocation already on ctx and otherwise attaches
// one naming only the operation.
func ensureInvocation(ctx context.Context, operation string) context.Context {
	if _, ok := InvocationFrom(ctx); ok {
		return ctx
	}
	return WithInvocation(ctx, Invocation{Operation: operation})
}
