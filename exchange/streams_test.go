package exchange

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the frames delivered to one stream.
type recorder struct {
	data   []string
	errs   []error
	closed int
	mu     sync.Mutex
}

func (r *recorder) handlers() StreamHandlers {
	return StreamHandlers{
		OnData: func(p json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.data = append(r.data, string(p))
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnClosed: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed++
		},
	}
}

func (r *recorder) snapshot() ([]string, []error, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.data...), append([]error(nil), r.errs...), r.closed
}

// waitDelivered blocks until every frame queued for subs has been handled.
func waitDelivered(t *testing.T, subs ...*Subscription) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, sub := range subs {
			if !sub.stream.idle() {
				return false
			}
		}
		return true
	}, time.Second, time.Millisecond)
}

func data(v string) wireformat.Frame {
	return wireformat.Frame{State: wireformat.StreamData, Payload: json.RawMessage(v)}
}

func closed() wireformat.Frame {
	return wireformat.Frame{State: wireformat.StreamClosed}
}

func errFrame(t *testing.T, d *entities.ErrorDetail) wireformat.Frame {
	t.Helper()
	raw, err := json.Marshal(d)
	require.NoError(t, err)
	return wireformat.Frame{State: wireformat.StreamError, Error: raw}
}

func TestStreams_DataThenClosed(t *testing.T) {
	streams := NewStreams()
	rec := &recorder{}

	sub, err := streams.Open("s1", "feed", rec.handlers())
	require.NoError(t, err)

	assert.True(t, streams.Dispatch("s1", data(`1`)))
	assert.True(t, streams.Dispatch("s1", data(`2`)))
	assert.True(t, streams.Dispatch("s1", closed()))

	// Terminal-state lock-in: nothing is delivered after closed.
	assert.False(t, streams.Dispatch("s1", data(`3`)))
	assert.False(t, streams.Dispatch("s1", closed()))

	waitDelivered(t, sub)
	got, errs, closedCount := rec.snapshot()
	assert.Equal(t, []string{"1", "2"}, got)
	assert.Empty(t, errs)
	assert.Equal(t, 1, closedCount)

	<-sub.Done()
	assert.NoError(t, sub.Err())
	assert.Equal(t, 0, streams.Len())
}

func TestStreams_ErrorIsTerminal(t *testing.T) {
	streams := NewStreams()
	rec := &recorder{}

	sub, err := streams.Open("s1", "feed", rec.handlers())
	require.NoError(t, err)

	assert.True(t, streams.Dispatch("s1", data(`1`)))
	assert.True(t, streams.Dispatch("s1", errFrame(t, entities.NewErrorDetail(entities.ErrorTypeRemote, "upstream gone"))))
	assert.False(t, streams.Dispatch("s1", data(`2`)))

	waitDelivered(t, sub)
	got, errs, closedCount := rec.snapshot()
	assert.Equal(t, []string{"1"}, got)
	require.Len(t, errs, 1)
	assert.Equal(t, 0, closedCount)

	var remote *bridgeerrors.RemoteError
	require.ErrorAs(t, errs[0], &remote)
	assert.Equal(t, "feed", remote.Operation)
	assert.Equal(t, "upstream gone", remote.Detail.Message)
	assert.Equal(t, errs[0], sub.Err())
}

func TestStreams_ErrorWithForeignPayload(t *testing.T) {
	streams := NewStreams()
	rec := &recorder{}

	sub, err := streams.Open("s1", "feed", rec.handlers())
	require.NoError(t, err)

	streams.Dispatch("s1", wireformat.Frame{State: wireformat.StreamError, Error: json.RawMessage(`"socket closed"`)})

	waitDelivered(t, sub)
	_, errs, _ := rec.snapshot()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "socket closed")
}

func TestStreams_UnknownIDDropped(t *testing.T) {
	streams := NewStreams()
	assert.False(t, streams.Dispatch("missing", data(`1`)))
	assert.False(t, streams.Cancel("missing"))
}

func TestStreams_CancelNotifiesOnce(t *testing.T) {
	var notified []string
	streams := NewStreams(WithCancelNotifier(func(id, operation string) {
		notified = append(notified, id+"/"+operation)
	}))
	rec := &recorder{}

	sub, err := streams.Open("s1", "feed", rec.handlers())
	require.NoError(t, err)

	sub.Cancel()
	sub.Cancel()
	assert.False(t, streams.Cancel("s1"))

	assert.Equal(t, []string{"s1/feed"}, notified)
	assert.ErrorIs(t, sub.Err(), bridgeerrors.ErrCancelled)
	assert.False(t, streams.Dispatch("s1", data(`1`)))

	got, errs, closedCount := rec.snapshot()
	assert.Empty(t, got)
	assert.Empty(t, errs)
	assert.Equal(t, 0, closedCount, "local cancellation invokes no handler")
}

// Server emits data(1), data(2), the consumer cancels, the server emits data(3):
// only 1 and 2 reach the consumer.
func TestStreams_CancelBetweenFrames(t *testing.T) {
	streams := NewStreams()
	rec := &recorder{}

	sub, err := streams.Open("s1", "feed", rec.handlers())
	require.NoError(t, err)

	streams.Dispatch("s1", data(`1`))
	streams.Dispatch("s1", data(`2`))
	waitDelivered(t, sub)
	sub.Cancel()
	assert.False(t, streams.Dispatch("s1", data(`3`)))

	got, _, _ := rec.snapshot()
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestStreams_CancelFromHandler(t *testing.T) {
	streams := NewStreams()

	var got []string
	var sub *Subscription
	sub, err := streams.Open("s1", "feed", StreamHandlers{
		OnData: func(p json.RawMessage) {
			got = append(got, string(p))
			sub.Cancel()
		},
	})
	require.NoError(t, err)

	streams.Dispatch("s1", data(`1`))
	streams.Dispatch("s1", data(`2`))

	waitDelivered(t, sub)
	assert.Equal(t, []string{"1"}, got)
}

func TestStreams_Isolation(t *testing.T) {
	streams := NewStreams()

	const n = 8
	const cancelled = 3
	recs := make([]*recorder, n)
	subs := make([]*Subscription, n)
	for i := range recs {
		recs[i] = &recorder{}
		sub, err := streams.Open(fmt.Sprintf("s%d", i), "feed", recs[i].handlers())
		require.NoError(t, err)
		subs[i] = sub
	}

	for i := range n {
		streams.Dispatch(fmt.Sprintf("s%d", i), data(`"before"`))
	}
	waitDelivered(t, subs...)
	subs[cancelled].Cancel()

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			streams.Dispatch(fmt.Sprintf("s%d", i), data(`"after"`))
		}(i)
	}
	wg.Wait()
	waitDelivered(t, subs...)

	for i, rec := range recs {
		got, _, _ := rec.snapshot()
		if i == cancelled {
			assert.Equal(t, []string{`"before"`}, got)
			continue
		}
		assert.Equal(t, []string{`"before"`, `"after"`}, got, "stream %d", i)
	}
	assert.Equal(t, n-1, streams.Len())
}

func TestStreams_CancelAll(t *testing.T) {
	var mu sync.Mutex
	notified := map[string]bool{}
	streams := NewStreams(WithCancelNotifier(func(id, _ string) {
		mu.Lock()
		defer mu.Unlock()
		notified[id] = true
	}))

	for _, id := range []string{"a", "b"} {
		_, err := streams.Open(id, "feed", StreamHandlers{})
		require.NoError(t, err)
	}

	streams.CancelAll()
	assert.Equal(t, 0, streams.Len())
	assert.Equal(t, map[string]bool{"a": true, "b": true}, notified)
}

func TestStreams_DuplicateInFlight(t *testing.T) {
	streams := NewStreams()

	_, err := streams.Open("s1", "feed", StreamHandlers{})
	require.NoError(t, err)
	_, err = streams.Open("s1", "feed", StreamHandlers{})
	require.Error(t, err)

	streams.Cancel("s1")
	_, err = streams.Open("s1", "feed", StreamHandlers{})
	require.NoError(t, err, "ids may be reused after a terminal state")
}

func TestStreams_HandlersDoNotBlockDispatch(t *testing.T) {
	streams := NewStreams()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []string
	sub, err := streams.Open("s1", "feed", StreamHandlers{
		OnData: func(p json.RawMessage) {
			<-release
			mu.Lock()
			defer mu.Unlock()
			got = append(got, string(p))
		},
	})
	require.NoError(t, err)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for _, v := range []string{`1`, `2`, `3`} {
			streams.Dispatch("s1", data(v))
		}
		streams.Dispatch("s1", closed())
	}()

	select {
	case <-dispatched:
	case <-time.After(time.Second):
		t.Fatal("dispatch waited for a blocked handler")
	}

	close(release)
	<-sub.Done()
	waitDelivered(t, sub)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestStreams_Has(t *testing.T) {
	streams := NewStreams()
	sub, err := streams.Open("s1", "feed", StreamHandlers{})
	require.NoError(t, err)

	assert.True(t, streams.Has("s1"))
	assert.False(t, streams.Has("s2"))

	streams.Dispatch("s1", closed())
	assert.False(t, streams.Has("s1"))
	<-sub.Done()
}
