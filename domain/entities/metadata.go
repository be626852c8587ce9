package entities

// Metadata is the handshake payload the host pushes to a guest exactly once,
// before any other traffic. HostOrigin is the trust origin the guest must
// target for every subsequent send.
type Metadata struct {
	HostOrigin string `json:"hostOrigin" validate:"required"`
	Greeting   string `json:"greeting,omitempty"`
}

// FeedTick is the payload of one frame of the demo timestamp feed.
type FeedTick struct {
	Timestamp string `json:"timestamp"`
}

// Message is the payload returned by the demo REST collaborator.
type Message struct {
	Message string `json:"message"`
}
