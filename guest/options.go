package guest

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/reglet-dev/bridge/exchange"
)

// DefaultParent is the address of the host endpoint when none is configured.
const DefaultParent = "host"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	handshake      *Handshake
	logger         *slog.Logger
	newID          func() string
	parent         string
	defaultTimeout time.Duration
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		parent:         DefaultParent,
		defaultTimeout: exchange.DefaultTimeout,
		newID:          uuid.NewString,
	}
}

// WithParent sets the address of the host endpoint. Handshakes are accepted
// only from this address and every send targets it.
func WithParent(address string) Option {
	return func(c *clientConfig) {
		if address != "" {
			c.parent = address
		}
	}
}

// WithHandshake injects the handshake state, e.g. to share it with code that
// gates application start.
func WithHandshake(h *Handshake) Option {
	return func(c *clientConfig) {
		c.handshake = h
	}
}

// WithDefaultTimeout sets the timeout for requests that do not set one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithIDGenerator replaces the UUID v4 correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *clientConfig) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// CallOption configures one request.
type CallOption func(*callConfig)

type callConfig struct {
	timeout time.Duration
}

// WithTimeout bounds a single request.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) {
		c.timeout = d
	}
}
