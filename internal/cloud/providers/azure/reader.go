// Package azure reads byte ranges of Azure blobs addressed by SAS URL.
//
// Accepted forms:
//
//	azblob://<account>.blob.core.windows.net/<container>/<blob>?<sas>
//	azblob+http://<host>/<account>/<container>/<blob>?<sas>   (emulators)
package azure

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/http"
)

// Reader downloads blob ranges through a shared HTTP transport.
type Reader struct {
	httpClient *nethttp.Client
	now        func() time.Time
}

// NewReader wraps httpClient so proxy and pool settings are preserved.
func NewReader(httpClient *nethttp.Client) *Reader {
	if httpClient == nil {
		httpClient = nethttp.DefaultClient
	}
	return &Reader{httpClient: httpClient, now: time.Now}
}

// BlobURL converts an azblob URL into the HTTP(S) URL the SDK expects.
func BlobURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid azure blob url: %w", err)
	}
	switch u.Scheme {
	case "azblob":
		u.Scheme = "https"
	case "azblob+http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("invalid azure blob url %q: scheme must be azblob", raw)
	}
	if u.Host == "" || len(u.Path) < 2 {
		return "", fmt.Errorf("invalid azure blob url %q: missing host or blob path", raw)
	}
	return u.String(), nil
}

// ReadRange downloads one range. A client is built per call because the SAS
// token in the URL may change after a refresh.
func (r *Reader) ReadRange(ctx context.Context, ep cloud.Endpoint, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	blobURL, err := BlobURL(ep.URL)
	if err != nil {
		return nil, err
	}

	client, err := blob.NewClientWithNoCredential(blobURL, &blob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: r.httpClient,
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	resp, err := client.DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset, Count: length},
	})
	if err != nil {
		return nil, r.mapError(err)
	}
	defer resp.Body.Close()

	return cloud.ReadExactly(resp.Body, length)
}

func (r *Reader) mapError(err error) error {
	var respErr *azcore.ResponseError
	if !errors.As(err, &respErr) {
		return err
	}
	statusErr := &http.StatusError{
		StatusCode: respErr.StatusCode,
		Status:     fmt.Sprintf("%d %s", respErr.StatusCode, respErr.ErrorCode),
	}
	if respErr.RawResponse != nil {
		statusErr.RetryAfter = http.ParseRetryAfter(respErr.RawResponse.Header.Get("Retry-After"), r.now())
	}
	return fmt.Errorf("azure download: %w", statusErr)
}

var _ cloud.RangeReader = (*Reader)(nil)
