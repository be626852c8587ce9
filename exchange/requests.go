package exchange

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
)

// DefaultTimeout bounds a one-shot exchange when the caller sets no timeout.
const DefaultTimeout = 1000 * time.Millisecond

// PendingRequest is one outstanding one-shot exchange.
type PendingRequest struct {
	CreatedAt     time.Time
	Deadline      time.Time
	timer         *time.Timer
	future        *Future
	CorrelationID string
	Operation     string
}

// RequestsOption configures a Requests registry.
type RequestsOption func(*requestsConfig)

type requestsConfig struct {
	logger         *slog.Logger
	now            func() time.Time
	abandon        CancelNotifier
	defaultTimeout time.Duration
}

func defaultRequestsConfig() requestsConfig {
	return requestsConfig{
		defaultTimeout: DefaultTimeout,
		now:            time.Now,
	}
}

// WithDefaultTimeout sets the timeout used when Register is called with a
// non-positive timeout.
func WithDefaultTimeout(d time.Duration) RequestsOption {
	return func(c *requestsConfig) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// WithRequestsLogger sets the logger for registry diagnostics.
func WithRequestsLogger(logger *slog.Logger) RequestsOption {
	return func(c *requestsConfig) {
		c.logger = logger
	}
}

// WithAbandonNotifier sets the function told about exchanges that end locally
// without a response, through timeout or cancellation. The remote side may
// have started work for them, such as a stream production.
func WithAbandonNotifier(fn CancelNotifier) RequestsOption {
	return func(c *requestsConfig) {
		c.abandon = fn
	}
}

// Requests is the correlation registry for one-shot exchanges.
type Requests struct {
	pending map[string]*PendingRequest
	cfg     requestsConfig
	mu      sync.Mutex
}

// NewRequests creates an empty registry.
func NewRequests(opts ...RequestsOption) *Requests {
	cfg := defaultRequestsConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Requests{
		pending: make(map[string]*PendingRequest),
		cfg:     cfg,
	}
}

// Register stores a pending request and returns its future. The future fails
// with a TimeoutError when nothing resolves it within timeout (the default
// timeout when timeout <= 0). An id may not be registered twice while in flight.
func (r *Requests) Register(id, operation string, timeout time.Duration) (*Future, error) {
	if id == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}
	if timeout <= 0 {
		timeout = r.cfg.defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %q already in flight", id)
	}

	now := r.cfg.now()
	entry := &PendingRequest{
		CorrelationID: id,
		Operation:     operation,
		CreatedAt:     now,
		Deadline:      now.Add(timeout),
		future:        newFuture(id),
	}
	entry.timer = time.AfterFunc(timeout, func() {
		r.expire(entry, timeout)
	})
	r.pending[id] = entry
	return entry.future, nil
}

// Resolve completes the exchange with a response. It reports false, and does
// nothing, when the id is unknown or already terminal: late responses are normal.
func (r *Requests) Resolve(id string, response json.RawMessage) bool {
	entry := r.take(id)
	if entry == nil {
		r.cfg.logger.Debug("exchange: dropping response for unknown correlation id", "correlation_id", id)
		return false
	}
	entry.future.complete(response, nil)
	return true
}

// Reject completes the exchange with an error received from the remote side.
func (r *Requests) Reject(id string, err error) bool {
	entry := r.take(id)
	if entry == nil {
		return false
	}
	entry.future.complete(nil, err)
	return true
}

// Cancel fails one pending exchange with a CancelledError.
func (r *Requests) Cancel(id string, cause error) bool {
	entry := r.take(id)
	if entry == nil {
		return false
	}
	entry.future.complete(nil, &bridgeerrors.CancelledError{CorrelationID: id, Cause: cause})
	r.notifyAbandoned(entry)
	return true
}

// CancelAll fails every pending exchange with a CancelledError. Used when the
// owning context is torn down.
func (r *Requests) CancelAll() {
	r.mu.Lock()
	entries := make([]*PendingRequest, 0, len(r.pending))
	for id, entry := range r.pending {
		delete(r.pending, id)
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.future.complete(nil, &bridgeerrors.CancelledError{CorrelationID: entry.CorrelationID})
		r.notifyAbandoned(entry)
	}
}

// Has reports whether id is in flight.
func (r *Requests) Has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// Len returns the number of in-flight exchanges.
func (r *Requests) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// take removes and returns the entry for id, stopping its timer.
func (r *Requests) take(id string) *PendingRequest {
	r.mu.Lock()
	entry, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	entry.timer.Stop()
	return entry
}

func (r *Requests) expire(entry *PendingRequest, timeout time.Duration) {
	r.mu.Lock()
	current, ok := r.pending[entry.CorrelationID]
	if !ok || current != entry {
		// Resolved first, or the id was reused after completion.
		r.mu.Unlock()
		return
	}
	delete(r.pending, entry.CorrelationID)
	r.mu.Unlock()

	r.cfg.logger.Debug("exchange: request timed out",
		"correlation_id", entry.CorrelationID, "operation", entry.Operation, "timeout", timeout)
	entry.future.complete(nil, &bridgeerrors.TimeoutError{
		Operation:     entry.Operation,
		CorrelationID: entry.CorrelationID,
		Duration:      timeout,
	})
	r.notifyAbandoned(entry)
}

func (r *Requests) notifyAbandoned(entry *PendingRequest) {
	if r.cfg.abandon != nil {
		r.cfg.abandon(entry.CorrelationID, entry.Operation)
	}
}
