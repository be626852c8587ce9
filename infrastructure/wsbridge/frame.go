package wsbridge

import (
	"errors"
	"io"
	"net"
	"net/url"
)

// GuestParam is the query parameter naming the connecting guest.
const GuestParam = "guest"

var (
	// ErrUnknownTarget is returned when no connection has the target address.
	ErrUnknownTarget = errors.New("unknown target endpoint")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("websocket endpoint closed")
)

// frame is one websocket message.
type frame struct {
	// TargetOrigin is the origin the sender requires of the receiver.
	TargetOrigin string `json:"targetOrigin,omitempty"`
	// Origin and Source are stamped by the server on frames to guests.
	Origin string `json:"origin,omitempty"`
	Source string `json:"source,omitempty"`
	Data   []byte `json:"data"`
}

// originOf reduces a URL to its scheme://host origin.
func originOf(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
