package ports

import "context"

// AnyOrigin as a target origin delivers regardless of the receiver's origin.
const AnyOrigin = "*"

// Message is one unit delivered by an Endpoint.
type Message struct {
	// Data is the raw message body. It may be unrelated traffic sharing the channel.
	Data []byte

	// Origin is the trust origin of the sending context, stamped by the transport.
	Origin string

	// Source is the address of the sending endpoint, usable as a Post target for replies.
	Source string
}

// Endpoint is one context's view of a duplex, at-least-once, unordered
// message channel.
type Endpoint interface {
	// Address identifies this endpoint to its peers.
	Address() string

	// Origin is the trust origin the transport stamps on messages sent from here.
	Origin() string

	// Post sends data to the endpoint at target. Unless targetOrigin is
	// AnyOrigin it must equal the receiver's origin, otherwise the transport
	// drops the message.
	Post(ctx context.Context, target, targetOrigin string, data []byte) error

	// Subscribe registers fn for asynchronous delivery of inbound messages.
	// The returned function removes the subscription and is safe to call twice.
	Subscribe(fn func(Message)) (unsubscribe func())
}
