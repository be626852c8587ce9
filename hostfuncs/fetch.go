package hostfuncs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultMaxBodySize caps collaborator responses read by demo operations (1MB).
const DefaultMaxBodySize = 1 * 1024 * 1024

// FetchRequest optionally overrides the path fetched by fetch-message.
type FetchRequest struct {
	// Path is appended to the configured message URL's origin when set.
	Path string `json:"path,omitempty" validate:"omitempty,startswith=/"`
}

// FetchJSON performs a GET against url and returns the body, which must be
// JSON. Non-2xx statuses and transport failures become UPSTREAM_ERROR
// responses.
func FetchJSON(ctx context.Context, client *http.Client, url string, maxBody int64) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("invalid URL: %v", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyFetchError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := ReadCapped(resp.Body, maxBody)
	switch {
	case errors.Is(err, ErrTooLarge):
		return nil, NewUpstreamError(fmt.Sprintf("response exceeds %d bytes", maxBody), http.StatusBadGateway)
	case err != nil:
		return nil, NewUpstreamError(fmt.Sprintf("read body: %v", err), http.StatusBadGateway)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewUpstreamError(fmt.Sprintf("GET %s: %s", url, resp.Status), resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, NewUpstreamError("response is not JSON", http.StatusBadGateway)
	}
	return json.RawMessage(body), nil
}

func classifyFetchError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(err.Error(), "timeout"):
		return NewUpstreamError(err.Error(), http.StatusGatewayTimeout)
	case strings.Contains(err.Error(), "connection refused"):
		return NewUpstreamError(err.Error(), http.StatusServiceUnavailable)
	default:
		return NewUpstreamError(err.Error(), http.StatusBadGateway)
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
