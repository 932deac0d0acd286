package api

import (
	"errors"
	"fmt"
	nethttp "net/http"
)

// StatusError is a non-2xx answer from the admission service.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("descriptor request to %s failed: %d %s", e.URL, e.StatusCode, nethttp.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("descriptor request to %s failed: %d %s: %s", e.URL, e.StatusCode, nethttp.StatusText(e.StatusCode), e.Body)
}

// IsAccessDenied reports whether err is a 401 or 403 from the admission
// service, meaning a new access signature is needed.
func IsAccessDenied(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == nethttp.StatusUnauthorized || se.StatusCode == nethttp.StatusForbidden
}
