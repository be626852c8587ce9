package host

import (
	"log/slog"
	"time"
)

// DefaultSendTimeout bounds each post to a guest.
const DefaultSendTimeout = 5 * time.Second

// Option configures a Router.
type Option func(*routerConfig)

type routerConfig struct {
	logger        *slog.Logger
	rates         map[time.Duration]int
	hostOrigin    string
	greeting      string
	sendTimeout   time.Duration
	silentUnknown bool
	attachedOnly  bool
}

func defaultRouterConfig() routerConfig {
	return routerConfig{
		sendTimeout: DefaultSendTimeout,
	}
}

// WithHostOrigin sets the origin announced in the handshake. Guests only
// accept traffic from this origin. Defaults to the endpoint's own origin.
func WithHostOrigin(origin string) Option {
	return func(c *routerConfig) {
		c.hostOrigin = origin
	}
}

// WithGreeting sets the greeting carried by the handshake.
func WithGreeting(greeting string) Option {
	return func(c *routerConfig) {
		c.greeting = greeting
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// WithRateLimit limits inbound requests per guest address. Rates map a window
// to the number of requests allowed in it, e.g. {time.Second: 20}. Requests
// over the limit are answered with a RATE_LIMITED error frame.
func WithRateLimit(rates map[time.Duration]int) Option {
	return func(c *routerConfig) {
		c.rates = rates
	}
}

// WithSilentUnknownOperations drops requests for unregistered operations
// instead of answering with a NOT_FOUND error frame. Guests then see a timeout.
func WithSilentUnknownOperations() Option {
	return func(c *routerConfig) {
		c.silentUnknown = true
	}
}

// WithAttachedOnly ignores requests from guests that were not attached.
func WithAttachedOnly() Option {
	return func(c *routerConfig) {
		c.attachedOnly = true
	}
}

// WithSendTimeout bounds each post to a guest.
func WithSendTimeout(d time.Duration) Option {
	return func(c *routerConfig) {
		if d > 0 {
			c.sendTimeout = d
		}
	}
}
