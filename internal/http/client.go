package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"golang.org/x/net/http2"

	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/logging"
)

// CreateOptimizedClient creates the HTTP client used for ranged downloads.
//
// Key features:
//   - Proxy support (uses ConfigureHTTPClient as base)
//   - Connection pool sized to the connection limit
//   - HTTP/2, unless a proxy is active or DISABLE_HTTP2=true
//   - Compression disabled so Content-Length matches the requested range
//
// The client has no overall timeout; each request carries its own context.
func CreateOptimizedClient(cfg *config.Config, logger *logging.Logger) (*nethttp.Client, error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	baseClient, err := ConfigureHTTPClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	tr, ok := baseClient.Transport.(*nethttp.Transport)
	if !ok {
		// NTLM wraps the transport; leave it as configured.
		return baseClient, nil
	}

	perHost := cfg.ConnectionLimit * 2
	if perHost < 8 {
		perHost = 8
	}
	tr.MaxIdleConns = perHost * 4
	tr.MaxIdleConnsPerHost = perHost
	tr.MaxConnsPerHost = perHost

	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	if os.Getenv("DISABLE_HTTP2") == "true" || (proxyActive(cfg) && os.Getenv("FORCE_HTTP2") != "true") {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	baseClient.Transport = tr
	baseClient.Timeout = 0
	return baseClient, nil
}

// proxyActive reports whether requests will go through a proxy. Proxies often
// break HTTP/2 streams mid-transfer.
func proxyActive(cfg *config.Config) bool {
	switch cfg.ProxyMode {
	case "no-proxy", "":
		return false
	case "system":
		return os.Getenv("HTTP_PROXY") != "" || os.Getenv("HTTPS_PROXY") != "" ||
			os.Getenv("http_proxy") != "" || os.Getenv("https_proxy") != ""
	default:
		return cfg.ProxyHost != ""
	}
}
