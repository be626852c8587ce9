package log

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// ForwardingHandler implements slog.Handler by serializing each record as a
// LogMessageWire and handing it to a sink, typically the host's log_message
// import.
type ForwardingHandler struct {
	sink   func([]byte)
	attrs  []slog.Attr
	prefix string
	opts   handlerConfig
}

// HandlerOption configures the ForwardingHandler.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	level slog.Leveler
}

// WithHandlerLevel sets the minimum level to forward.
// Records below this level are dropped on the guest side.
func WithHandlerLevel(level slog.Leveler) HandlerOption {
	return func(c *handlerConfig) {
		c.level = level
	}
}

// NewForwardingHandler creates a handler that forwards to sink.
func NewForwardingHandler(sink func([]byte), opts ...HandlerOption) *ForwardingHandler {
	cfg := handlerConfig{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &ForwardingHandler{sink: sink, opts: cfg}
}

// Enabled reports whether the handler handles records at the given level.
func (h *ForwardingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.level.Level()
}

// Handle serializes record and passes it to the sink.
func (h *ForwardingHandler) Handle(_ context.Context, record slog.Record) error {
	msg := LogMessageWire{
		Timestamp: record.Time,
		Level:     record.Level.String(),
		Message:   record.Message,
	}
	for _, attr := range h.attrs {
		msg.Attrs = append(msg.Attrs, toLogAttrWire(attr))
	}
	record.Attrs(func(attr slog.Attr) bool {
		attr.Key = h.prefix + attr.Key
		msg.Attrs = append(msg.Attrs, toLogAttrWire(attr))
		return true
	})

	data, err := json.Marshal(msg)
	if err != nil {
		// Nothing else can carry the record, so fall back to stderr.
		fmt.Fprintf(os.Stderr, "log: cannot forward record %q: %v\n", record.Message, err)
		return nil
	}
	h.sink(data)
	return nil
}

// WithAttrs returns a handler that adds attrs to every record.
func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	for _, attr := range attrs {
		attr.Key = h.prefix + attr.Key
		next.attrs = append(next.attrs, attr)
	}
	return &next
}

// WithGroup returns a handler that qualifies later keys with name.
// Groups are flattened into dotted keys on the wire.
func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.attrs = slices.Clone(h.attrs)
	next.prefix = h.prefix + name + "."
	return &next
}
