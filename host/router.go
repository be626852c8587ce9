package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-catrate"
	"github.com/reglet-dev/bridge/domain/entities"
	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/hostfuncs"
	"github.com/reglet-dev/bridge/wireformat"
)

var (
	// ErrStreamStopped is returned by a production's sink once the stream was
	// cancelled or its guest went away.
	ErrStreamStopped = errors.New("stream stopped")

	// ErrRouterClosed is returned by operations on a closed Router.
	ErrRouterClosed = errors.New("router closed")
)

type productionKey struct {
	guest string
	id    string
}

// production is one running stream handler.
type production struct {
	ctx    context.Context
	cancel context.CancelFunc
	key    productionKey
	// silent productions end without a terminal frame: the guest cancelled
	// the stream or went away.
	silent atomic.Bool
	// mu serializes the frames of one stream.
	mu sync.Mutex
}

type peer struct {
	address string
	origin  string
}

// Router serves a handler registry to the guests reachable through one
// endpoint. It is safe for concurrent use.
type Router struct {
	ctx         context.Context
	endpoint    ports.Endpoint
	registry    *hostfuncs.HandlerRegistry
	limiter     *catrate.Limiter
	logger      *slog.Logger
	productions map[productionKey]*production
	attached    map[string]string
	cancel      context.CancelFunc
	unsubscribe func()
	cfg         routerConfig
	wg          sync.WaitGroup
	mu          sync.Mutex
	closed      bool
}

// NewRouter creates a router for endpoint. Call Start to begin serving.
func NewRouter(endpoint ports.Endpoint, registry *hostfuncs.HandlerRegistry, opts ...Option) (*Router, error) {
	if endpoint == nil {
		return nil, fmt.Errorf("endpoint is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("handler registry is required")
	}

	cfg := defaultRouterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.hostOrigin == "" {
		cfg.hostOrigin = endpoint.Origin()
	}

	r := &Router{
		endpoint:    endpoint,
		registry:    registry,
		logger:      cfg.logger.With("host", endpoint.Address()),
		productions: make(map[productionKey]*production),
		attached:    make(map[string]string),
		cfg:         cfg,
	}
	if len(cfg.rates) > 0 {
		limiter, err := newLimiter(cfg.rates)
		if err != nil {
			return nil, err
		}
		r.limiter = limiter
	}
	return r, nil
}

func newLimiter(rates map[time.Duration]int) (limiter *catrate.Limiter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rate limit: %v", r)
		}
	}()
	return catrate.NewLimiter(rates), nil
}

// Start subscribes to the endpoint. Productions and handlers run under ctx.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRouterClosed
	}
	if r.unsubscribe != nil {
		return fmt.Errorf("router already started")
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.unsubscribe = r.endpoint.Subscribe(r.handle)
	r.logger.Info("host: router started", "operations", r.registry.Names(), "host_origin", r.cfg.hostOrigin)
	return nil
}

// Attach pushes the metadata handshake to a guest. Attaching an already
// attached guest is a no-op.
func (r *Router) Attach(ctx context.Context, guestAddress, guestOrigin string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRouterClosed
	}
	if _, ok := r.attached[guestAddress]; ok {
		r.mu.Unlock()
		return nil
	}
	r.attached[guestAddress] = guestOrigin
	r.mu.Unlock()

	params, err := json.Marshal(entities.Metadata{HostOrigin: r.cfg.hostOrigin, Greeting: r.cfg.greeting})
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	env := wireformat.NewRequest(uuid.NewString(), wireformat.OriginHost, wireformat.OpMetadata, params)
	if err := r.post(ctx, peer{address: guestAddress, origin: guestOrigin}, env); err != nil {
		r.mu.Lock()
		delete(r.attached, guestAddress)
		r.mu.Unlock()
		return fmt.Errorf("send handshake to %s: %w", guestAddress, err)
	}

	r.logger.Info("host: guest attached", "guest", guestAddress, "origin", guestOrigin)
	return nil
}

// Detach forgets a guest and stops all of its productions.
func (r *Router) Detach(guestAddress string) {
	r.mu.Lock()
	delete(r.attached, guestAddress)
	r.mu.Unlock()

	n := r.stopProductions(func(k productionKey) bool { return k.guest == guestAddress }, true)
	r.logger.Info("host: guest detached", "guest", guestAddress, "streams_stopped", n)
}

// Attached returns the addresses of attached guests, sorted.
func (r *Router) Attached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.attached))
	for address := range r.attached {
		out = append(out, address)
	}
	sort.Strings(out)
	return out
}

// Productions returns the number of running stream productions.
func (r *Router) Productions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.productions)
}

// Close unsubscribes and stops every production, sending each guest a
// closed frame, then waits for running handlers.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	unsubscribe, cancel := r.unsubscribe, r.cancel
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.stopProductions(func(productionKey) bool { return true }, false)
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.logger.Info("host: router closed")
	return nil
}

func (r *Router) handle(msg ports.Message) {
	env, err := wireformat.Decode(msg.Data)
	if err != nil {
		r.logger.Debug("host: dropping message", "error", &bridgeerrors.MalformedEnvelopeError{Err: err, Source: msg.Source})
		return
	}
	// Own echoes, and anything that is not a request.
	if env.Origin != wireformat.OriginApplication || env.Kind() != wireformat.KindRequest {
		return
	}

	from := peer{address: msg.Source, origin: msg.Origin}
	r.mu.Lock()
	closed := r.closed
	_, attached := r.attached[from.address]
	r.mu.Unlock()
	if closed {
		return
	}
	if r.cfg.attachedOnly && !attached {
		r.logger.Warn("host: ignoring request from unattached guest", "guest", from.address, "operation", env.Operation)
		return
	}

	switch env.Operation {
	case wireformat.OpCancelStream:
		r.cancelProduction(productionKey{guest: from.address, id: env.CorrelationID})
		return
	case wireformat.OpMetadata:
		r.logger.Debug("host: ignoring reserved operation from guest", "guest", from.address)
		return
	}

	if r.limiter != nil {
		if next, ok := r.limiter.Allow(from.address); !ok {
			r.logger.Warn("host: rate limited", "guest", from.address, "operation", env.Operation)
			r.replyError(from, env.CorrelationID, env.Operation, hostfuncs.NewRateLimitedError(env.Operation, next))
			return
		}
	}

	h, ok := r.registry.Lookup(env.Operation)
	if !ok {
		if r.cfg.silentUnknown {
			r.logger.Debug("host: dropping unknown operation", "guest", from.address, "operation", env.Operation)
			return
		}
		r.replyError(from, env.CorrelationID, env.Operation, hostfuncs.NewNotFoundError(env.Operation))
		return
	}

	inv := hostfuncs.Invocation{
		Operation:     env.Operation,
		CorrelationID: env.CorrelationID,
		GuestAddress:  from.address,
		GuestOrigin:   from.origin,
	}
	switch h.Kind {
	case hostfuncs.KindUnary:
		r.goServe(func() { r.serveUnary(from, inv, h.Unary, env.Params) })
	case hostfuncs.KindStream:
		p, err := r.openProduction(productionKey{guest: from.address, id: env.CorrelationID})
		if errors.Is(err, ErrRouterClosed) {
			return
		}
		if err != nil {
			r.replyError(from, env.CorrelationID, env.Operation, hostfuncs.NewValidationError(err.Error()))
			return
		}
		if !r.goServe(func() { r.serveStream(from, inv, p, h.Stream, env.Params) }) {
			// Close ran between opening the production and serving it.
			r.finishProduction(p)
		}
	}
}

// goServe runs fn on its own goroutine unless the router is closing. It
// reports whether fn was started.
func (r *Router) goServe(fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
	return true
}

func (r *Router) serveUnary(from peer, inv hostfuncs.Invocation, handler hostfuncs.ByteHandler, params []byte) {
	ctx := hostfuncs.WithInvocation(r.ctx, inv)

	resp, err := func() (resp []byte, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = hostfuncs.NewPanicError(rec)
			}
		}()
		return handler(ctx, params)
	}()
	if err == nil && len(resp) > 0 && !json.Valid(resp) {
		err = hostfuncs.NewInternalError("handler returned invalid JSON")
	}
	if err != nil {
		r.logger.DebugContext(ctx, "host: operation failed", "operation", inv.Operation, "correlation_id", inv.CorrelationID, "error", err)
		r.replyError(from, inv.CorrelationID, inv.Operation, err)
		return
	}

	env := wireformat.NewResponse(inv.CorrelationID, wireformat.OriginHost, resp)
	if err := r.post(ctx, from, env); err != nil {
		r.logger.Warn("host: response not delivered", "guest", from.address, "correlation_id", inv.CorrelationID, "error", err)
	}
}

func (r *Router) openProduction(key productionKey) (*production, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRouterClosed
	}
	if _, exists := r.productions[key]; exists {
		return nil, fmt.Errorf("stream %q already in flight", key.id)
	}
	ctx, cancel := context.WithCancel(r.ctx)
	p := &production{ctx: ctx, cancel: cancel, key: key}
	r.productions[key] = p
	return p, nil
}

func (r *Router) serveStream(from peer, inv hostfuncs.Invocation, p *production, handler hostfuncs.ByteStreamHandler, params []byte) {
	defer r.finishProduction(p)

	ctx := hostfuncs.WithInvocation(p.ctx, inv)
	sink := hostfuncs.SinkFunc(func(payload []byte) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.ctx.Err() != nil {
			return ErrStreamStopped
		}
		if !json.Valid(payload) {
			return hostfuncs.NewInternalError("stream payload is not JSON")
		}
		if err := r.post(p.ctx, from, wireformat.NewData(inv.CorrelationID, wireformat.OriginHost, payload)); err != nil {
			p.cancel()
			return fmt.Errorf("%w: %v", ErrStreamStopped, err)
		}
		return nil
	})

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = hostfuncs.NewPanicError(rec)
			}
		}()
		return handler(ctx, params, sink)
	}()

	// Hold the send lock so no data frame can follow the terminal one.
	p.mu.Lock()
	defer p.mu.Unlock()

	var terminal wireformat.Envelope
	switch {
	case p.silent.Load():
		r.logger.DebugContext(ctx, "host: stream stopped", "operation", inv.Operation, "correlation_id", inv.CorrelationID)
		return
	case err == nil, p.ctx.Err() != nil:
		terminal = wireformat.NewClosed(inv.CorrelationID, wireformat.OriginHost)
	default:
		r.logger.DebugContext(ctx, "host: stream failed", "operation", inv.Operation, "correlation_id", inv.CorrelationID, "error", err)
		terminal = errorFrame(inv.CorrelationID, inv.Operation, err)
	}
	if err := r.post(ctx, from, terminal); err != nil {
		r.logger.Warn("host: terminal frame not delivered", "guest", from.address, "correlation_id", inv.CorrelationID, "error", err)
	}
}

func (r *Router) finishProduction(p *production) {
	r.mu.Lock()
	if current, ok := r.productions[p.key]; ok && current == p {
		delete(r.productions, p.key)
	}
	r.mu.Unlock()
	p.cancel()
}

// stopProductions removes the productions matching pred and cancels them.
// Silent productions end without a terminal frame.
func (r *Router) stopProductions(pred func(productionKey) bool, silent bool) int {
	r.mu.Lock()
	var stopped []*production
	for key, p := range r.productions {
		if pred(key) {
			delete(r.productions, key)
			stopped = append(stopped, p)
		}
	}
	r.mu.Unlock()

	for _, p := range stopped {
		if silent {
			p.silent.Store(true)
		}
		p.cancel()
	}
	return len(stopped)
}

func (r *Router) cancelProduction(key productionKey) {
	n := r.stopProductions(func(k productionKey) bool { return k == key }, true)
	if n == 0 {
		r.logger.Debug("host: cancel for unknown stream", "guest", key.guest, "correlation_id", key.id)
		return
	}
	r.logger.Debug("host: stream cancelled by guest", "guest", key.guest, "correlation_id", key.id)
}

func (r *Router) replyError(to peer, id, operation string, err error) {
	if postErr := r.post(context.Background(), to, errorFrame(id, operation, err)); postErr != nil {
		r.logger.Warn("host: error frame not delivered", "guest", to.address, "correlation_id", id, "error", postErr)
	}
}

// errorFrame builds the terminal error frame for id. The detail names the
// failed operation so the guest can type the error.
func errorFrame(id, operation string, err error) wireformat.Envelope {
	detail := *bridgeerrors.ToErrorDetail(err)
	if detail.Operation == "" {
		detail.Operation = operation
	}
	raw, encErr := json.Marshal(&detail)
	if encErr != nil {
		raw, _ = json.Marshal(hostfuncs.NewInternalError(encErr.Error()).ToErrorDetail())
	}
	return wireformat.NewError(id, wireformat.OriginHost, raw)
}

// post sends env to a guest. Cancellation of ctx does not abort the send;
// only the send timeout does.
func (r *Router) post(ctx context.Context, to peer, env wireformat.Envelope) error {
	data, err := wireformat.Encode(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.sendTimeout)
	defer cancel()
	return r.endpoint.Post(ctx, to.address, to.origin, data)
}
