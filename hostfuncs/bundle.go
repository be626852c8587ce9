package hostfuncs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Demo operation names.
const (
	OpFetchMessage     = "fetch-message"
	OpExampleWebsocket = "example-websocket"
)

// HostFuncBundle is a pre-configured set of related operations.
// Bundles allow registering multiple handlers at once.
type HostFuncBundle interface {
	// Handlers returns the table entries keyed by operation name.
	Handlers() map[string]Handler
}

// staticBundle implements HostFuncBundle with a fixed set of handlers.
type staticBundle struct {
	handlers map[string]Handler
}

func (b *staticBundle) Handlers() map[string]Handler {
	return b.handlers
}

// DemoOption configures DemoBundle.
type DemoOption func(*demoConfig)

type demoConfig struct {
	client      *http.Client
	messageURL  string
	feedURL     string
	feedOrigin  string
	timeout     time.Duration
	maxBodySize int64
}

func defaultDemoConfig() demoConfig {
	return demoConfig{
		messageURL:  "http://localhost:8080/api/message",
		feedURL:     "ws://localhost:8080/feed",
		feedOrigin:  "http://localhost/",
		timeout:     5 * time.Second,
		maxBodySize: DefaultMaxBodySize,
	}
}

// WithMessageURL sets the REST endpoint behind fetch-message.
func WithMessageURL(u string) DemoOption {
	return func(c *demoConfig) {
		if u != "" {
			c.messageURL = u
		}
	}
}

// WithFeedURL sets the websocket feed proxied by example-websocket.
func WithFeedURL(u string) DemoOption {
	return func(c *demoConfig) {
		if u != "" {
			c.feedURL = u
		}
	}
}

// WithFeedOrigin sets the Origin header presented to the feed.
func WithFeedOrigin(origin string) DemoOption {
	return func(c *demoConfig) {
		if origin != "" {
			c.feedOrigin = origin
		}
	}
}

// WithHTTPClient replaces the client used by fetch-message.
func WithHTTPClient(client *http.Client) DemoOption {
	return func(c *demoConfig) {
		c.client = client
	}
}

// WithFetchTimeout bounds each fetch-message call.
func WithFetchTimeout(d time.Duration) DemoOption {
	return func(c *demoConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// DemoBundle returns the demo operations:
// fetch-message (GET on the REST collaborator) and example-websocket (feed proxy).
func DemoBundle(opts ...DemoOption) HostFuncBundle {
	cfg := defaultDemoConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.client == nil {
		cfg.client = newHTTPClient(cfg.timeout)
	}

	return &staticBundle{
		handlers: map[string]Handler{
			OpFetchMessage: TypedUnary(func(ctx context.Context, req FetchRequest) (json.RawMessage, error) {
				target := cfg.messageURL
				if req.Path != "" {
					u, err := url.Parse(cfg.messageURL)
					if err != nil {
						return nil, NewInternalError(err.Error())
					}
					u.Path = req.Path
					u.RawQuery = ""
					target = u.String()
				}
				return FetchJSON(ctx, cfg.client, target, cfg.maxBodySize)
			}),
			OpExampleWebsocket: Stream(func(ctx context.Context, _ []byte, sink Sink) error {
				return ProxyFeed(ctx, cfg.feedURL, cfg.feedOrigin, sink)
			}),
		},
	}
}

// compositeBundle combines multiple bundles into one.
type compositeBundle struct {
	bundles []HostFuncBundle
}

func (b *compositeBundle) Handlers() map[string]Handler {
	result := make(map[string]Handler)
	for _, bundle := range b.bundles {
		for name, handler := range bundle.Handlers() {
			result[name] = handler
		}
	}
	return result
}

// Bundles combines bundles; later bundles override earlier ones on name clashes.
func Bundles(bundles ...HostFuncBundle) HostFuncBundle {
	return &compositeBundle{bundles: bundles}
}

// WithBundle registers all handlers from a bundle.
func WithBundle(bundle HostFuncBundle) RegistryOption {
	return func(b *registryBuilder) {
		for name, handler := range bundle.Handlers() {
			b.add(name, handler)
		}
	}
}
