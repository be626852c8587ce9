package wsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/reglet-dev/bridge/domain/ports"
	"golang.org/x/net/websocket"
)

// Compile-time interface compliance check
var _ ports.Endpoint = (*Server)(nil)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConnectHook is called after a guest connects, e.g. to attach it to a
// router.
func WithConnectHook(fn func(address, origin string)) ServerOption {
	return func(s *Server) {
		s.onConnect = fn
	}
}

// WithDisconnectHook is called after a guest connection ends.
func WithDisconnectHook(fn func(address string)) ServerOption {
	return func(s *Server) {
		s.onDisconnect = fn
	}
}

// WithAllowedOrigins restricts which websocket origins may connect.
func WithAllowedOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		s.allowed = make(map[string]bool, len(origins))
		for _, o := range origins {
			s.allowed[o] = true
		}
	}
}

type peerConn struct {
	conn    *websocket.Conn
	address string
	origin  string
	// wmu serializes writes to conn.
	wmu sync.Mutex
}

// Server is the host endpoint of the websocket transport.
type Server struct {
	logger       *slog.Logger
	peers        map[string]*peerConn
	subscribers  map[int]func(ports.Message)
	allowed      map[string]bool
	onConnect    func(address, origin string)
	onDisconnect func(address string)
	address      string
	origin       string
	nextID       int
	mu           sync.RWMutex
	closed       bool
}

// NewServer creates the host endpoint with the given address and origin.
func NewServer(address, origin string, opts ...ServerOption) *Server {
	s := &Server{
		peers:       make(map[string]*peerConn),
		subscribers: make(map[int]func(ports.Message)),
		address:     address,
		origin:      origin,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Address implements ports.Endpoint.
func (s *Server) Address() string { return s.address }

// Origin implements ports.Endpoint.
func (s *Server) Origin() string { return s.origin }

// ServeHTTP upgrades guest connections.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get(GuestParam)
	if address == "" || address == s.address {
		http.Error(w, "missing or reserved guest address", http.StatusBadRequest)
		return
	}
	srv := websocket.Server{
		Handshake: s.handshake,
		Handler:   func(conn *websocket.Conn) { s.serveConn(conn, address) },
	}
	srv.ServeHTTP(w, r)
}

func (s *Server) handshake(cfg *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(cfg, r)
	if err != nil {
		return err
	}
	cfg.Origin = origin
	if originOf(origin) == "" {
		return fmt.Errorf("missing origin")
	}
	if s.allowed != nil && !s.allowed[originOf(origin)] {
		return fmt.Errorf("origin %q not allowed", originOf(origin))
	}
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, address string) {
	defer conn.Close()

	p := &peerConn{conn: conn, address: address, origin: originOf(conn.Config().Origin)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, exists := s.peers[address]; exists {
		s.mu.Unlock()
		s.logger.Warn("wsbridge: duplicate guest address", "guest", address)
		return
	}
	s.peers[address] = p
	s.mu.Unlock()

	s.logger.Info("wsbridge: guest connected", "guest", address, "origin", p.origin)
	if s.onConnect != nil {
		s.onConnect(address, p.origin)
	}

	defer func() {
		s.mu.Lock()
		if current, ok := s.peers[address]; ok && current == p {
			delete(s.peers, address)
		}
		s.mu.Unlock()
		s.logger.Info("wsbridge: guest disconnected", "guest", address)
		if s.onDisconnect != nil {
			s.onDisconnect(address)
		}
	}()

	for {
		var f frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if !isClosedErr(err) {
				s.logger.Debug("wsbridge: read failed", "guest", address, "error", err)
			}
			return
		}
		if f.TargetOrigin != "" && f.TargetOrigin != ports.AnyOrigin && f.TargetOrigin != s.origin {
			s.logger.Debug("wsbridge: dropping frame for another origin", "guest", address, "target_origin", f.TargetOrigin)
			continue
		}
		s.dispatch(ports.Message{Data: f.Data, Origin: p.origin, Source: address})
	}
}

func (s *Server) dispatch(msg ports.Message) {
	s.mu.RLock()
	fns := make([]func(ports.Message), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// Post implements ports.Endpoint.
func (s *Server) Post(ctx context.Context, target, targetOrigin string, data []byte) error {
	s.mu.RLock()
	closed := s.closed
	p, ok := s.peers[target]
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	if targetOrigin != ports.AnyOrigin && targetOrigin != p.origin {
		return nil
	}
	return p.send(ctx, frame{Origin: s.origin, Source: s.address, Data: data})
}

// Subscribe implements ports.Endpoint. Messages from one connection are
// delivered in order on that connection's goroutine.
func (s *Server) Subscribe(fn func(ports.Message)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// Guests returns the addresses of connected guests.
func (s *Server) Guests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.peers))
	for address := range s.peers {
		out = append(out, address)
	}
	return out
}

// Close drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	peers := make([]*peerConn, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
	return nil
}

func (p *peerConn) send(ctx context.Context, f frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = p.conn.SetWriteDeadline(deadline)
		defer func() { _ = p.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := websocket.JSON.Send(p.conn, f); err != nil {
		return fmt.Errorf("send to %s: %w", p.address, err)
	}
	return nil
}
