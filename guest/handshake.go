package guest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/reglet-dev/bridge/domain/entities"
)

// ErrHandshakeDone is returned when a second handshake is applied.
var ErrHandshakeDone = errors.New("handshake already received")

var validate = validator.New()

// Handshake is the per-guest-context handshake state. It moves from unset to
// set exactly once; every send reads it.
type Handshake struct {
	meta  *entities.Metadata
	ready chan struct{}
	mu    sync.RWMutex
}

// NewHandshake returns an unset handshake state.
func NewHandshake() *Handshake {
	return &Handshake{ready: make(chan struct{})}
}

// Set records the host metadata. It fails if the metadata is invalid or the
// handshake was already received.
func (h *Handshake) Set(meta entities.Metadata) error {
	if err := validate.Struct(meta); err != nil {
		return fmt.Errorf("invalid handshake metadata: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.meta != nil {
		return ErrHandshakeDone
	}
	h.meta = &meta
	close(h.ready)
	return nil
}

// Origin returns the host origin, and false while the handshake is unset.
func (h *Handshake) Origin() (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.meta == nil {
		return "", false
	}
	return h.meta.HostOrigin, true
}

// Metadata returns the full handshake payload once set.
func (h *Handshake) Metadata() (entities.Metadata, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.meta == nil {
		return entities.Metadata{}, false
	}
	return *h.meta, true
}

// Ready is closed when the handshake is set.
func (h *Handshake) Ready() <-chan struct{} {
	return h.ready
}
