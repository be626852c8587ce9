package guest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/reglet-dev/bridge/domain/entities"
	bridgeerrors "github.com/reglet-dev/bridge/domain/errors"
	"github.com/reglet-dev/bridge/domain/ports"
	"github.com/reglet-dev/bridge/exchange"
	"github.com/reglet-dev/bridge/infrastructure/memchan"
	"github.com/reglet-dev/bridge/wireformat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	hostOrigin  = "https://host.test"
	guestOrigin = "https://app1.test"
)

// fakeHost answers guest requests with scripted handlers.
type fakeHost struct {
	t        *testing.T
	ep       *memchan.Endpoint
	handlers map[string]func(env wireformat.Envelope, reply func(wireformat.Envelope))
	seen     []wireformat.Envelope
	mu       sync.Mutex
}

func newFakeHost(t *testing.T, bus *memchan.Bus) *fakeHost {
	t.Helper()
	ep, err := bus.Endpoint("host", hostOrigin)
	require.NoError(t, err)

	h := &fakeHost{t: t, ep: ep, handlers: map[string]func(wireformat.Envelope, func(wireformat.Envelope)){}}
	ep.Subscribe(func(msg ports.Message) {
		env, err := wireformat.Decode(msg.Data)
		if err != nil || env.Origin != wireformat.OriginApplication {
			return
		}
		h.mu.Lock()
		h.seen = append(h.seen, env)
		fn := h.handlers[env.Operation]
		h.mu.Unlock()
		if fn != nil {
			fn(env, func(out wireformat.Envelope) { h.post(msg.Source, out) })
		}
	})
	return h
}

func (h *fakeHost) on(op string, fn func(env wireformat.Envelope, reply func(wireformat.Envelope))) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[op] = fn
}

// post ignores errors: replies may outlive the test's bus.
func (h *fakeHost) post(target string, env wireformat.Envelope) {
	data, _ := json.Marshal(env)
	_ = h.ep.Post(context.Background(), target, guestOrigin, data)
}

func (h *fakeHost) handshake(target string) {
	params, _ := json.Marshal(entities.Metadata{HostOrigin: hostOrigin, Greeting: "hello"})
	h.post(target, wireformat.NewRequest("hs-1", wireformat.OriginHost, wireformat.OpMetadata, params))
}

func (h *fakeHost) operations() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops := make([]string, 0, len(h.seen))
	for _, env := range h.seen {
		ops = append(ops, env.Operation)
	}
	return ops
}

func setup(t *testing.T, opts ...Option) (*Client, *fakeHost, *memchan.Bus) {
	t.Helper()
	bus := memchan.NewBus()
	t.Cleanup(bus.Close)

	host := newFakeHost(t, bus)
	ep, err := bus.Endpoint("app1", guestOrigin)
	require.NoError(t, err)

	client := NewClient(ep, opts...)
	t.Cleanup(func() { _ = client.Close() })
	return client, host, bus
}

func ready(t *testing.T, client *Client, host *fakeHost) {
	t.Helper()
	host.handshake("app1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	meta, err := client.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, hostOrigin, meta.HostOrigin)
}

func TestClient_NotReadyBeforeHandshake(t *testing.T) {
	client, host, _ := setup(t)

	for range 2 {
		_, err := client.Request(context.Background(), "echo", nil)
		var notReady *bridgeerrors.NotReadyError
		require.ErrorAs(t, err, &notReady)
		assert.Equal(t, "echo", notReady.Operation)
	}
	_, err := client.OpenStream(context.Background(), "feed", nil, exchange.StreamHandlers{})
	assert.ErrorIs(t, err, bridgeerrors.ErrNotReady)

	reqs, streams := client.Pending()
	assert.Zero(t, reqs)
	assert.Zero(t, streams)
	assert.Empty(t, host.operations(), "nothing is queued before the handshake")
}

func TestClient_HandshakeOnlyFromParent(t *testing.T) {
	client, _, bus := setup(t)

	rogue, err := bus.Endpoint("rogue", hostOrigin)
	require.NoError(t, err)
	params, _ := json.Marshal(entities.Metadata{HostOrigin: "https://rogue.test"})
	data, _ := json.Marshal(wireformat.NewRequest("hs", wireformat.OriginHost, wireformat.OpMetadata, params))
	require.NoError(t, rogue.Post(context.Background(), "app1", ports.AnyOrigin, data))

	select {
	case <-client.Ready():
		t.Fatal("handshake accepted from a non-parent endpoint")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_HandshakeIsSetOnce(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	params, _ := json.Marshal(entities.Metadata{HostOrigin: "https://other.test"})
	host.post("app1", wireformat.NewRequest("hs-2", wireformat.OriginHost, wireformat.OpMetadata, params))

	// A follow-up request proves the second handshake was processed and ignored.
	host.on("echo", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, env.Params))
	})
	_, err := client.Request(context.Background(), "echo", nil)
	require.NoError(t, err)

	origin, ok := client.Handshake().Origin()
	require.True(t, ok)
	assert.Equal(t, hostOrigin, origin)
}

func TestClient_RequestEcho(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	host.on("echo", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, env.Params))
	})

	resp, err := client.Request(context.Background(), "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(resp))

	reqs, _ := client.Pending()
	assert.Zero(t, reqs)
}

func TestClient_RequestTimeout(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	host.on("slow", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		go func() {
			time.Sleep(200 * time.Millisecond)
			reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`"late"`)))
		}()
	})

	start := time.Now()
	_, err := client.Request(context.Background(), "slow", nil, WithTimeout(50*time.Millisecond))
	var timeoutErr *bridgeerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	reqs, _ := client.Pending()
	assert.Zero(t, reqs, "timed out entry is removed")
}

func TestClient_RequestRejectedByErrorFrame(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	host.on("missing", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		detail := (&bridgeerrors.UnknownOperationError{Operation: env.Operation}).ToErrorDetail()
		raw, _ := json.Marshal(detail)
		reply(wireformat.NewError(env.CorrelationID, wireformat.OriginHost, raw))
	})

	_, err := client.Request(context.Background(), "missing", nil)
	var unknown *bridgeerrors.UnknownOperationError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "missing", unknown.Operation)
}

func TestClient_RequestContextCancelled(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	ctx, cancel := context.WithCancel(context.Background())
	host.on("hang", func(wireformat.Envelope, func(wireformat.Envelope)) { cancel() })

	_, err := client.Request(ctx, "hang", nil, WithTimeout(time.Minute))
	assert.ErrorIs(t, err, bridgeerrors.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_RequestTimeoutSendsCancelNotice(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	var requested string
	host.on("feed", func(env wireformat.Envelope, _ func(wireformat.Envelope)) { requested = env.CorrelationID })
	notices := make(chan wireformat.Envelope, 1)
	host.on(wireformat.OpCancelStream, func(env wireformat.Envelope, _ func(wireformat.Envelope)) { notices <- env })

	_, err := client.Request(context.Background(), "feed", nil, WithTimeout(30*time.Millisecond))
	var timeoutErr *bridgeerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	select {
	case env := <-notices:
		assert.Equal(t, requested, env.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("no cancel notice for the abandoned request")
	}
}

func TestClient_UntrustedOriginDropped(t *testing.T) {
	client, host, bus := setup(t)
	ready(t, client, host)

	rogue, err := bus.Endpoint("rogue", "https://rogue.test")
	require.NoError(t, err)
	host.on("echo", func(env wireformat.Envelope, _ func(wireformat.Envelope)) {
		data, _ := json.Marshal(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`"forged"`)))
		_ = rogue.Post(context.Background(), "app1", ports.AnyOrigin, data)
	})

	_, err = client.Request(context.Background(), "echo", nil, WithTimeout(50*time.Millisecond))
	var timeoutErr *bridgeerrors.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestClient_IgnoresMalformedAndEchoes(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	require.NoError(t, host.ep.Post(context.Background(), "app1", guestOrigin, []byte(`not json`)))
	require.NoError(t, host.ep.Post(context.Background(), "app1", guestOrigin, []byte(`{"correlationId":"x"}`)))

	host.on("echo", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		// An application-tagged echo of the request must not resolve it.
		echo := env
		echo.Operation = ""
		echo.Response = json.RawMessage(`"echo"`)
		reply(echo)
		reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`"real"`)))
	})

	resp, err := client.Request(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, `"real"`, string(resp))
}

func TestClient_StreamCancel(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	cancelled := make(chan wireformat.Envelope, 1)
	var streamID string
	opened := make(chan struct{})
	host.on("feed", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		streamID = env.CorrelationID
		reply(wireformat.NewData(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`1`)))
		reply(wireformat.NewData(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`2`)))
		close(opened)
	})
	host.on(wireformat.OpCancelStream, func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		cancelled <- env
		// Already in flight when the cancel arrived.
		reply(wireformat.NewData(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`3`)))
	})

	var mu sync.Mutex
	var got []int
	twoFrames := make(chan struct{})
	sub, err := Subscribe(context.Background(), client, "feed", nil, Handlers[int]{
		OnData: func(v int) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, v)
			if len(got) == 2 {
				close(twoFrames)
			}
		},
	})
	require.NoError(t, err)

	<-opened
	select {
	case <-twoFrames:
	case <-time.After(time.Second):
		t.Fatal("frames not delivered")
	}
	sub.Cancel()

	select {
	case env := <-cancelled:
		assert.Equal(t, streamID, env.CorrelationID)
		assert.Equal(t, sub.ID(), env.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("cancel-stream not sent")
	}

	// Let the late frame reach the guest.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, got)
	assert.ErrorIs(t, sub.Err(), bridgeerrors.ErrCancelled)
}

func TestClient_StreamClosedByHost(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	host.on("feed", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		reply(wireformat.NewData(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`{"timestamp":"t1"}`)))
		reply(wireformat.NewClosed(env.CorrelationID, wireformat.OriginHost))
	})

	var ticks []entities.FeedTick
	closed := make(chan struct{})
	sub, err := Subscribe(context.Background(), client, "feed", nil, Handlers[entities.FeedTick]{
		OnData:   func(v entities.FeedTick) { ticks = append(ticks, v) },
		OnClosed: func() { close(closed) },
	})
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
	<-sub.Done()
	assert.NoError(t, sub.Err())
	assert.Equal(t, []entities.FeedTick{{Timestamp: "t1"}}, ticks)
	assert.NotContains(t, host.operations(), wireformat.OpCancelStream)
}

func TestClient_StreamCancelledWithContext(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	cancelled := make(chan struct{})
	host.on(wireformat.OpCancelStream, func(wireformat.Envelope, func(wireformat.Envelope)) { close(cancelled) })

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := client.OpenStream(ctx, "feed", nil, exchange.StreamHandlers{})
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("stream outlived its context")
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel-stream not sent")
	}
}

func TestClient_CloseCancelsEverything(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	future, err := client.Go(context.Background(), "hang", nil, WithTimeout(time.Minute))
	require.NoError(t, err)
	sub, err := client.OpenStream(context.Background(), "feed", nil, exchange.StreamHandlers{})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err = future.Result()
	assert.ErrorIs(t, err, bridgeerrors.ErrCancelled)
	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), bridgeerrors.ErrCancelled)
}

func TestCall_Typed(t *testing.T) {
	client, host, _ := setup(t)
	ready(t, client, host)

	host.on("fetch-message", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`{"message":"message from server"}`)))
	})

	msg, err := Call[entities.Message](context.Background(), client, "fetch-message", nil)
	require.NoError(t, err)
	assert.Equal(t, "message from server", msg.Message)
}

func TestClient_CustomIDGenerator(t *testing.T) {
	client, host, _ := setup(t, WithIDGenerator(func() string { return "fixed" }))
	ready(t, client, host)

	host.on("echo", func(env wireformat.Envelope, reply func(wireformat.Envelope)) {
		reply(wireformat.NewResponse(env.CorrelationID, wireformat.OriginHost, json.RawMessage(`"`+env.CorrelationID+`"`)))
	})

	resp, err := client.Request(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.Equal(t, `"fixed"`, string(resp))
}
