package hostfuncs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

func newMessageServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/message", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"message from server"}`))
	})
	mux.HandleFunc("/api/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/api/text", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("plain text"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// newFeedServer serves n frames then closes, or streams until the client
// leaves when n is negative.
func newFeedServer(t *testing.T, n int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(websocket.Handler(func(conn *websocket.Conn) {
		defer func() { _ = conn.Close() }()
		for i := 0; n < 0 || i < n; i++ {
			frame := fmt.Sprintf(`{"timestamp":"t%d"}`, i)
			if i == 1 {
				frame = "not-json"
			}
			if err := websocket.Message.Send(conn, frame); err != nil {
				return
			}
			if n < 0 {
				time.Sleep(5 * time.Millisecond)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDemoBundle_Names(t *testing.T) {
	reg, err := NewRegistry(WithBundle(DemoBundle()))
	require.NoError(t, err)
	assert.Equal(t, []string{OpExampleWebsocket, OpFetchMessage}, reg.Names())

	h, _ := reg.Lookup(OpExampleWebsocket)
	assert.Equal(t, KindStream, h.Kind)
	h, _ = reg.Lookup(OpFetchMessage)
	assert.Equal(t, KindUnary, h.Kind)
}

func TestDemoBundle_FetchMessage(t *testing.T) {
	srv := newMessageServer(t)
	reg, err := NewRegistry(WithBundle(DemoBundle(WithMessageURL(srv.URL + "/api/message"))))
	require.NoError(t, err)

	t.Run("default path", func(t *testing.T) {
		resp, err := reg.Invoke(context.Background(), OpFetchMessage, nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"message":"message from server"}`, string(resp))
	})

	t.Run("upstream failure", func(t *testing.T) {
		_, err := reg.Invoke(context.Background(), OpFetchMessage, []byte(`{"path":"/api/broken"}`))
		var errResp *ErrorResponse
		require.ErrorAs(t, err, &errResp)
		assert.Equal(t, CodeUpstream, errResp.Kind)
		assert.Equal(t, http.StatusServiceUnavailable, errResp.Status)
	})

	t.Run("non JSON body", func(t *testing.T) {
		_, err := reg.Invoke(context.Background(), OpFetchMessage, []byte(`{"path":"/api/text"}`))
		var errResp *ErrorResponse
		require.ErrorAs(t, err, &errResp)
		assert.Contains(t, errResp.Message, "not JSON")
	})

	t.Run("invalid path", func(t *testing.T) {
		_, err := reg.Invoke(context.Background(), OpFetchMessage, []byte(`{"path":"relative"}`))
		var errResp *ErrorResponse
		require.ErrorAs(t, err, &errResp)
		assert.Equal(t, CodeValidation, errResp.Kind)
	})
}

func TestFetchJSON_BodyLimit(t *testing.T) {
	srv := newMessageServer(t)
	_, err := FetchJSON(context.Background(), srv.Client(), srv.URL+"/api/message", 8)
	var errResp *ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.Contains(t, errResp.Message, "exceeds")
}

func TestFetchJSON_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := FetchJSON(context.Background(), http.DefaultClient, url, DefaultMaxBodySize)
	var errResp *ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.Equal(t, CodeUpstream, errResp.Kind)
}

func TestDemoBundle_FeedUntilEOF(t *testing.T) {
	feed := newFeedServer(t, 3)
	reg, err := NewRegistry(WithBundle(DemoBundle(WithFeedURL(wsURL(feed)), WithFeedOrigin(feed.URL))))
	require.NoError(t, err)

	var frames []string
	err = reg.Produce(context.Background(), OpExampleWebsocket, nil, SinkFunc(func(p []byte) error {
		frames = append(frames, string(p))
		return nil
	}))
	require.NoError(t, err, "end of feed closes the stream")
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"timestamp":"t0"}`, frames[0])
	assert.Equal(t, `"not-json"`, frames[1], "non-JSON frames are forwarded as strings")
	assert.JSONEq(t, `{"timestamp":"t2"}`, frames[2])
}

func TestProxyFeed_Cancel(t *testing.T) {
	feed := newFeedServer(t, -1)

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	count := 0
	done := make(chan error, 1)
	go func() {
		done <- ProxyFeed(ctx, wsURL(feed), feed.URL, SinkFunc(func([]byte) error {
			mu.Lock()
			defer mu.Unlock()
			count++
			if count == 3 {
				cancel()
			}
			return nil
		}))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy did not stop after cancel")
	}
}

func TestProxyFeed_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	err := ProxyFeed(context.Background(), url, "http://localhost/", SinkFunc(func([]byte) error { return nil }))
	var errResp *ErrorResponse
	require.ErrorAs(t, err, &errResp)
	assert.Equal(t, CodeUpstream, errResp.Kind)
}

func TestBundles_Compose(t *testing.T) {
	extra := &staticBundle{handlers: map[string]Handler{
		"echo": TypedUnary(echo),
	}}

	reg, err := NewRegistry(WithBundle(Bundles(DemoBundle(), extra)))
	require.NoError(t, err)
	assert.Len(t, reg.Names(), 3)

	resp, err := reg.Invoke(context.Background(), "echo", []byte(`{"text":"x"}`))
	require.NoError(t, err)

	var out echoResponse
	require.NoError(t, json.Unmarshal(resp, &out))
	assert.Equal(t, "x", out.Text)
}

func TestWithBundle_DuplicateWithHandler(t *testing.T) {
	_, err := NewRegistry(
		WithBundle(DemoBundle()),
		WithByteHandler(OpFetchMessage, echoBytes),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate operation name")
}
