// Package direct reads byte ranges from plain HTTP(S) URLs.
package direct

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"time"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/credentials"
	"github.com/rescale/rescale-fetch/internal/http"
)

// maxDrain bounds how much of an error body is read before closing so the
// connection can be reused.
const maxDrain = 64 * 1024

// Reader issues ranged requests with a shared HTTP client.
type Reader struct {
	client *nethttp.Client
	now    func() time.Time
}

// NewReader wraps client. The client should come from http.CreateOptimizedClient
// so proxy and pool settings apply.
func NewReader(client *nethttp.Client) *Reader {
	if client == nil {
		client = nethttp.DefaultClient
	}
	return &Reader{client: client, now: time.Now}
}

// ReadRange fetches [offset, offset+length). A 206 is required unless the
// range covers the whole object from offset 0, where a 200 of exactly
// length bytes is also accepted.
func (r *Reader) ReadRange(ctx context.Context, ep cloud.Endpoint, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	method := ep.Method
	if method == "" {
		method = nethttp.MethodGet
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, ep.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	for k, v := range ep.Headers {
		if credentials.IsCredentialHeader(k) {
			continue
		}
		req.Header.Set(k, v)
	}
	req.Header.Set("Range", cloud.RangeHeader(offset, length))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == nethttp.StatusPartialContent:
	case resp.StatusCode == nethttp.StatusOK && offset == 0 && resp.ContentLength == length:
	default:
		_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
		return nil, &http.StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: http.ParseRetryAfter(resp.Header.Get("Retry-After"), r.now()),
		}
	}

	return cloud.ReadExactly(resp.Body, length)
}

var _ cloud.RangeReader = (*Reader)(nil)
