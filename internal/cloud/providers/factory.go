// Package providers selects a range reader by URL scheme.
package providers

import (
	"context"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/azure"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/direct"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/s3"
	"github.com/rescale/rescale-fetch/internal/config"
)

// Factory implements cloud.RangeReader by dispatching each request to the
// backend matching the endpoint's URL scheme. Backends are created lazily
// and shared for the factory's lifetime.
type Factory struct {
	cfg        *config.Config
	httpClient *nethttp.Client

	mu     sync.Mutex
	direct *direct.Reader
	azure  *azure.Reader
	s3     *s3.Reader
}

// NewFactory creates a factory around a shared HTTP client.
func NewFactory(cfg *config.Config, httpClient *nethttp.Client) *Factory {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	return &Factory{cfg: cfg, httpClient: httpClient}
}

// ReaderFor returns the backend for rawURL.
func (f *Factory) ReaderFor(ctx context.Context, rawURL string) (cloud.RangeReader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if f.direct == nil {
			f.direct = direct.NewReader(f.httpClient)
		}
		return f.direct, nil
	case "azblob", "azblob+http":
		if f.azure == nil {
			f.azure = azure.NewReader(f.httpClient)
		}
		return f.azure, nil
	case "s3":
		if f.s3 == nil {
			reader, err := s3.NewReader(ctx, f.httpClient, s3.Options{
				Region:   f.cfg.S3Region,
				Endpoint: f.cfg.S3Endpoint,
			})
			if err != nil {
				return nil, err
			}
			f.s3 = reader
		}
		return f.s3, nil
	default:
		return nil, fmt.Errorf("unsupported remote url scheme %q", u.Scheme)
	}
}

// ReadRange resolves the backend from ep.URL on every call so a refreshed
// endpoint may move between backends.
func (f *Factory) ReadRange(ctx context.Context, ep cloud.Endpoint, offset, length int64) ([]byte, error) {
	reader, err := f.ReaderFor(ctx, ep.URL)
	if err != nil {
		return nil, err
	}
	return reader.ReadRange(ctx, ep, offset, length)
}

var _ cloud.RangeReader = (*Factory)(nil)
