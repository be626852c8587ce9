package exchange

import (
	"context"
	"encoding/json"
)

// Future is the eventual outcome of a one-shot exchange.
type Future struct {
	done     chan struct{}
	err      error
	id       string
	response json.RawMessage
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// complete must be called at most once; the registry guarantees it by
// removing the entry before completing.
func (f *Future) complete(response json.RawMessage, err error) {
	f.response = response
	f.err = err
	close(f.done)
}

// CorrelationID returns the id of the exchange.
func (f *Future) CorrelationID() string {
	return f.id
}

// Done is closed once the exchange reached a terminal state.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the exchange completes and returns its outcome.
func (f *Future) Result() (json.RawMessage, error) {
	<-f.done
	return f.response, f.err
}

// Wait blocks until the exchange completes or ctx is done. A ctx error leaves
// the registry entry in place; callers that give up should cancel it.
func (f *Future) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-f.done:
		return f.response, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
