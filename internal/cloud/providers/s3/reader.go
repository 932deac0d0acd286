// Package s3 reads byte ranges of S3 objects addressed as s3://bucket/key.
package s3

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/credentials"
	"github.com/rescale/rescale-fetch/internal/http"
)

const defaultRegion = "us-east-1"

// Reader wraps one S3 client. Region and credentials may be overridden per
// request from the endpoint headers so a refreshed descriptor takes effect.
type Reader struct {
	client *s3.Client
	now    func() time.Time
}

// Options configure NewReader.
type Options struct {
	Region   string // fallback region when the endpoint carries none
	Endpoint string // S3-compatible base endpoint; enables path-style addressing
}

// NewReader loads the default AWS configuration around httpClient. SDK
// retries are disabled because the fetcher owns the retry policy.
func NewReader(ctx context.Context, httpClient *nethttp.Client, opts Options) (*Reader, error) {
	region := opts.Region
	if region == "" {
		region = defaultRegion
	}
	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if httpClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(httpClient))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Reader{client: client, now: time.Now}, nil
}

// ParseURL splits s3://bucket/key.
func ParseURL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid s3 url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid s3 url %q: scheme must be s3", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q: want s3://bucket/key", raw)
	}
	return u.Host, key, nil
}

// ReadRange issues GetObject with a Range header.
func (r *Reader) ReadRange(ctx context.Context, ep cloud.Endpoint, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	bucket, key, err := ParseURL(ep.URL)
	if err != nil {
		return nil, err
	}

	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(cloud.RangeHeader(offset, length)),
	}, func(o *s3.Options) {
		if region := credentials.Header(ep.Headers, credentials.HeaderAWSRegion); region != "" {
			o.Region = region
		}
		if provider, ok := credentials.S3Provider(ep.Headers); ok {
			o.Credentials = provider
		}
	})
	if err != nil {
		return nil, r.mapError(err)
	}
	defer out.Body.Close()

	return cloud.ReadExactly(out.Body, length)
}

// mapError surfaces the HTTP status so throttling is classified as a rate limit.
func (r *Reader) mapError(err error) error {
	var respErr *awshttp.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	statusErr := &http.StatusError{
		StatusCode: respErr.HTTPStatusCode(),
		Status:     fmt.Sprintf("%d (%v)", respErr.HTTPStatusCode(), respErr.Err),
	}
	if respErr.Response != nil && respErr.Response.Response != nil {
		statusErr.RetryAfter = http.ParseRetryAfter(respErr.Response.Header.Get("Retry-After"), r.now())
	}
	return fmt.Errorf("s3 get object: %w", statusErr)
}

var _ cloud.RangeReader = (*Reader)(nil)
