package providers

import (
	"context"
	nethttp "net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/azure"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/direct"
	"github.com/rescale/rescale-fetch/internal/cloud/providers/s3"
)

func TestReaderFor(t *testing.T) {
	f := NewFactory(nil, nil)
	ctx := context.Background()

	r, err := f.ReaderFor(ctx, "https://example.com/file")
	require.NoError(t, err)
	assert.IsType(t, &direct.Reader{}, r)

	again, err := f.ReaderFor(ctx, "HTTP://example.com/other")
	require.NoError(t, err)
	assert.Same(t, r, again, "backends are shared")

	r, err = f.ReaderFor(ctx, "azblob://acct.blob.core.windows.net/c/b")
	require.NoError(t, err)
	assert.IsType(t, &azure.Reader{}, r)

	r, err = f.ReaderFor(ctx, "s3://bucket/key")
	require.NoError(t, err)
	assert.IsType(t, &s3.Reader{}, r)

	_, err = f.ReaderFor(ctx, "ftp://host/file")
	assert.Error(t, err)
}

func TestFactoryReadRange(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusPartialContent)
		_, _ = w.Write([]byte("xyz"))
	}))
	defer srv.Close()

	f := NewFactory(nil, srv.Client())
	got, err := f.ReadRange(context.Background(), cloud.Endpoint{URL: srv.URL}, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, "xyz", string(got))
}
