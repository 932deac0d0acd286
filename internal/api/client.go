// Package api obtains download descriptors, either from the admission service
// over HTTP or from a local file.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"

	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/models"
	"github.com/rescale/rescale-fetch/internal/ratelimit"
)

const maxDescriptorSize = 1 << 20

// DescriptorSource produces the descriptor of the object to download.
type DescriptorSource interface {
	Descriptor(ctx context.Context) (*models.Descriptor, error)
}

// retryLogger adapts zerolog to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *logging.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Token        string // sent as a bearer token when set
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *logging.Logger
}

// Client fetches descriptors from the admission service.
type Client struct {
	httpClient *nethttp.Client
	url        string
	token      string
	limiter    *ratelimit.RateLimiter
	logger     *logging.Logger
}

// NewClient creates a client for the descriptor at url, honoring the proxy
// settings of cfg.
func NewClient(cfg *config.Config, url string, opts Options) (*Client, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("descriptor URL is empty")
	}
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = constants.MaxRetries
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = constants.RetryInitialDelay
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = constants.RetryMaxDelay
	}

	httpClient, err := http.ConfigureHTTPClient(cfg, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = httpClient
	retryClient.RetryMax = opts.RetryMax
	retryClient.RetryWaitMin = opts.RetryWaitMin
	retryClient.RetryWaitMax = opts.RetryWaitMax
	retryClient.Logger = retryLogger{logger: opts.Logger}

	return &Client{
		httpClient: retryClient.StandardClient(),
		url:        url,
		token:      opts.Token,
		limiter:    ratelimit.NewRateLimiter(2, 1, opts.Logger),
		logger:     opts.Logger,
	}, nil
}

// Descriptor requests and validates the descriptor.
func (c *Client) Descriptor(ctx context.Context) (*models.Descriptor, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter cancelled: %w", err)
	}

	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("descriptor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: c.url, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	desc, err := models.ParseDescriptor(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("file", desc.Meta.FileName).Int64("size", desc.Meta.Size).Msg("Descriptor received")
	return desc, nil
}

// FileSource reads a descriptor from a JSON file.
type FileSource struct {
	Fs   afero.Fs
	Path string
}

func (s FileSource) Descriptor(context.Context) (*models.Descriptor, error) {
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, s.Path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	return models.ParseDescriptor(data)
}

// Static returns a source that always yields d.
func Static(d *models.Descriptor) DescriptorSource {
	return staticSource{d: d}
}

type staticSource struct{ d *models.Descriptor }

func (s staticSource) Descriptor(context.Context) (*models.Descriptor, error) {
	if s.d == nil {
		return nil, &models.ConfigError{Field: "descriptor", Reason: "missing"}
	}
	return s.d, nil
}
