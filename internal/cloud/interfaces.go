// Package cloud defines the byte-range read abstraction shared by the HTTP,
// S3 and Azure backends.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrShortRead is returned when a backend delivers fewer bytes than requested.
var ErrShortRead = errors.New("short range read")

// Endpoint is the current remote address of an object. A refresh may swap it
// between calls, so readers take it per request instead of caching it.
type Endpoint struct {
	URL     string
	Method  string
	Headers map[string]string
}

// RangeReader fetches an inclusive byte range [offset, offset+length) of a
// remote object. Implementations must return exactly length bytes or an error.
type RangeReader interface {
	ReadRange(ctx context.Context, ep Endpoint, offset, length int64) ([]byte, error)
}

// RangeReaderFunc adapts a function to RangeReader.
type RangeReaderFunc func(ctx context.Context, ep Endpoint, offset, length int64) ([]byte, error)

// ReadRange calls f.
func (f RangeReaderFunc) ReadRange(ctx context.Context, ep Endpoint, offset, length int64) ([]byte, error) {
	return f(ctx, ep, offset, length)
}

// RangeHeader formats an HTTP Range header value for a bounded range.
func RangeHeader(offset, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)
}

// ReadExactly reads length bytes from r. Fewer bytes yields ErrShortRead.
func ReadExactly(r io.Reader, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, n, length)
		}
		return nil, err
	}
	return buf, nil
}

// ApplyHeaders copies endpoint headers onto an outgoing request.
func ApplyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		req.Header.Set(k, v)
	}
}
