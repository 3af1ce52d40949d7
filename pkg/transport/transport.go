// Package transport defines the byte-range HTTP fetch collaborator the
// core treats as external (spec §6: "any implementation that returns the
// correct byte ranges suffices"). A default implementation backed by
// retryablehttp is provided so the engine is usable out of the box, but
// internal/download only depends on the Transport interface.
// © 2025 moe-engine authors. MIT License.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Transport fetches a byte range [offset, offset+length) from a URL.
type Transport interface {
	FetchRange(ctx context.Context, url string, offset, length int64) ([]byte, error)
}

// HTTPTransport is the default Transport, built on
// github.com/hashicorp/go-retryablehttp so transient failures (connection
// resets, 5xx responses) are retried with exponential backoff before
// surfacing as a terminal error (spec §4.B, §7: TransportFailure only
// after retries are exhausted).
type HTTPTransport struct {
	client *retryablehttp.Client
}

// NewHTTPTransport builds an HTTPTransport with the given retry ceiling.
func NewHTTPTransport(maxRetries int) *HTTPTransport {
	c := retryablehttp.NewClient()
	c.RetryMax = maxRetries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = nil
	return &HTTPTransport{client: c}
}

// FetchRange issues a GET with a Range header and returns the body bytes.
func (t *HTTPTransport) FetchRange(ctx context.Context, url string, offset, length int64) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	res, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent && res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: unexpected status %s for %s", res.Status, url)
	}
	return io.ReadAll(res.Body)
}
