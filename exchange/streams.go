package exchange

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/reglet-dev/bridge/domain/entities"
	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/wireformat"
)

// StreamHandlers receive the frames of one stream. Nil handlers are skipped.
// Handlers run on a goroutine owned by the stream, never on the caller of
// Dispatch, so they may issue further requests. Calls for one stream never
// overlap and follow frame order.
type StreamHandlers struct {
	OnData   func(payload json.RawMessage)
	OnError  func(err error)
	OnClosed func()
}

// CancelNotifier emits the best-effort cancellation notice for an exchange to
// the remote side. It is not acknowledged.
type CancelNotifier func(id, operation string)

type activeStream struct {
	handlers  StreamHandlers
	done      chan struct{}
	err       error
	id        string
	operation string
	queue     []wireformat.Frame
	queueMu   sync.Mutex
	draining  bool
	terminal  atomic.Bool
}

// finish moves the stream to a terminal state; only the first caller wins.
func (s *activeStream) finish(err error) bool {
	if !s.terminal.CompareAndSwap(false, true) {
		return false
	}
	s.err = err
	close(s.done)
	return true
}

// enqueue appends frame to the delivery queue and starts a drain goroutine
// when none is running.
func (s *activeStream) enqueue(frame wireformat.Frame) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queue = append(s.queue, frame)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *activeStream) drain() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.queueMu.Unlock()
			return
		}
		frame := s.queue[0]
		s.queue[0] = wireformat.Frame{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.deliver(frame)
	}
}

// idle reports whether every queued frame has been handled.
func (s *activeStream) idle() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return !s.draining
}

func (s *activeStream) deliver(frame wireformat.Frame) {
	switch frame.State {
	case wireformat.StreamData:
		// Cancelled or failed while the frame was queued.
		if s.terminal.Load() {
			return
		}
		if s.handlers.OnData != nil {
			s.handlers.OnData(frame.Payload)
		}
	case wireformat.StreamError:
		err := DecodeError(s.operation, frame.Error)
		if s.finish(err) && s.handlers.OnError != nil {
			s.handlers.OnError(err)
		}
	case wireformat.StreamClosed:
		if s.finish(nil) && s.handlers.OnClosed != nil {
			s.handlers.OnClosed()
		}
	}
}

// StreamsOption configures a Streams registry.
type StreamsOption func(*streamsConfig)

type streamsConfig struct {
	logger *slog.Logger
	notify CancelNotifier
}

// WithCancelNotifier sets the function that tells the remote side a stream
// was cancelled locally.
func WithCancelNotifier(fn CancelNotifier) StreamsOption {
	return func(c *streamsConfig) {
		c.notify = fn
	}
}

// WithStreamsLogger sets the logger for registry diagnostics.
func WithStreamsLogger(logger *slog.Logger) StreamsOption {
	return func(c *streamsConfig) {
		c.logger = logger
	}
}

// Streams is the registry of active subscriptions.
type Streams struct {
	active map[string]*activeStream
	cfg    streamsConfig
	mu     sync.Mutex
}

// NewStreams creates an empty registry.
func NewStreams(opts ...StreamsOption) *Streams {
	var cfg streamsConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Streams{
		active: make(map[string]*activeStream),
		cfg:    cfg,
	}
}

// Open stores an active stream for id and returns its subscription handle.
func (s *Streams) Open(id, operation string, handlers StreamHandlers) (*Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.active[id]; exists {
		return nil, fmt.Errorf("correlation id %q already in flight", id)
	}
	stream := &activeStream{
		id:        id,
		operation: operation,
		handlers:  handlers,
		done:      make(chan struct{}),
	}
	s.active[id] = stream
	return &Subscription{stream: stream, streams: s}, nil
}

// Dispatch queues a frame for the stream registered under id. It reports false
// when the frame was dropped: unknown state, unknown id, or the stream is
// already terminal.
func (s *Streams) Dispatch(id string, frame wireformat.Frame) bool {
	switch frame.State {
	case wireformat.StreamData, wireformat.StreamError, wireformat.StreamClosed:
	default:
		return false
	}
	terminal := frame.State != wireformat.StreamData

	s.mu.Lock()
	stream, ok := s.active[id]
	if ok && terminal {
		delete(s.active, id)
	}
	s.mu.Unlock()

	if !ok {
		s.cfg.logger.Debug("exchange: dropping frame for unknown stream", "correlation_id", id, "state", frame.State)
		return false
	}
	if stream.terminal.Load() {
		return false
	}
	stream.enqueue(frame)
	return true
}

// Has reports whether id names an active stream.
func (s *Streams) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[id]
	return ok
}

// Cancel marks the stream cancelled, removes it and notifies the remote side.
// Cancelling an unknown or terminal stream is a no-op that reports false.
func (s *Streams) Cancel(id string) bool {
	s.mu.Lock()
	stream, ok := s.active[id]
	if ok {
		delete(s.active, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	return s.cancelStream(stream)
}

// CancelAll cancels every active stream, notifying the remote side for each.
func (s *Streams) CancelAll() {
	s.mu.Lock()
	streams := make([]*activeStream, 0, len(s.active))
	for id, stream := range s.active {
		delete(s.active, id)
		streams = append(streams, stream)
	}
	s.mu.Unlock()

	for _, stream := range streams {
		s.cancelStream(stream)
	}
}

// Len returns the number of active streams.
func (s *Streams) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Streams) cancelStream(stream *activeStream) bool {
	if !stream.finish(&bridgeerrors.CancelledError{CorrelationID: stream.id}) {
		return false
	}
	if s.cfg.notify != nil {
		s.cfg.notify(stream.id, stream.operation)
	}
	return true
}

// DecodeError converts the body of an error frame into a typed error.
func DecodeError(operation string, raw json.RawMessage) error {
	var detail entities.ErrorDetail
	if err := json.Unmarshal(raw, &detail); err != nil || (detail.Message == "" && detail.Type == "") {
		// Not an ErrorDetail: surface the raw value as the message.
		return &bridgeerrors.RemoteError{
			Operation: operation,
			Detail:    entities.NewErrorDetail(entities.ErrorTypeRemote, string(raw)),
		}
	}
	return bridgeerrors.FromErrorDetail(operation, &detail)
}

// Subscription is the consumer's handle on an open stream.
type Subscription struct {
	stream  *activeStream
	streams *Streams
}

// ID returns the correlation id of the stream.
func (s *Subscription) ID() string {
	return s.stream.id
}

// Cancel stops delivery and asks the remote side to stop producing. Frames
// already in flight are dropped. Calling Cancel more than once is harmless.
func (s *Subscription) Cancel() {
	s.streams.Cancel(s.stream.id)
}

// Done is closed when the stream reaches a terminal state.
func (s *Subscription) Done() <-chan struct{} {
	return s.stream.done
}

// Err returns the terminal error once Done is closed: nil after a clean close,
// a CancelledError after cancellation, or the remote error.
func (s *Subscription) Err() error {
	select {
	case <-s.stream.done:
		return s.stream.err
	default:
		return nil
	}
}
