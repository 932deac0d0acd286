package constants

import (
	"time"
)

// Segment planning
const (
	// DefaultSegmentSize - logical size of each download segment (32 MB)
	// Each segment is fetched with one ranged request and decrypted as a unit.
	DefaultSegmentSize = 32 * 1024 * 1024

	// MinSegmentSize - smallest segment size accepted from configuration (1 MB)
	MinSegmentSize = 1 * 1024 * 1024

	// MaxSegmentSize - largest segment size accepted from configuration (256 MB)
	// Caps per-segment memory since a whole segment is buffered before decrypt.
	MaxSegmentSize = 256 * 1024 * 1024
)

// Fetcher concurrency
const (
	// DefaultConnectionLimit - concurrent ranged requests per task
	DefaultConnectionLimit = 4

	// MinConnectionLimit / MaxConnectionLimit - clamp for the connection limit
	MinConnectionLimit = 1
	MaxConnectionLimit = 16

	// DefaultRequestsPerSecond - dispatch throttle, independent of the connection limit
	DefaultRequestsPerSecond = 8.0
)

// Decrypt pipeline
const (
	// DefaultDecryptParallelism - decrypt workers per task
	DefaultDecryptParallelism = 6

	// MinDecryptParallelism / MaxDecryptParallelism - clamp for decrypt workers
	MinDecryptParallelism = 1
	MaxDecryptParallelism = 32
)

// Retry configuration
const (
	// DefaultSegmentRetryLimit - retries per segment for generic errors
	DefaultSegmentRetryLimit = 10

	// UnboundedRetries - retry limit value meaning "never give up"
	UnboundedRetries = -1

	// GenericRetryDelay - fixed delay between retries of a generic failure (2s)
	GenericRetryDelay = 2 * time.Second

	// RateLimitSilentRetries - rate-limit retries taken at a short fixed delay without logging
	RateLimitSilentRetries = 9

	// RateLimitSilentDelay - delay for each silent rate-limit retry (1s)
	RateLimitSilentDelay = 1 * time.Second

	// RateLimitBackoffBase - first backoff delay once silent retries are used up (2s)
	RateLimitBackoffBase = 2 * time.Second

	// RateLimitBackoffMax - cap for rate-limit backoff (30s)
	RateLimitBackoffMax = 30 * time.Second

	// RateLimitRetryLimit - rate-limit retries per segment when the retry limit is bounded
	RateLimitRetryLimit = 30

	// MaxRetries - retries for descriptor API calls
	MaxRetries = 10

	// RetryInitialDelay - initial delay before first API retry (200ms)
	RetryInitialDelay = 200 * time.Millisecond

	// RetryMaxDelay - maximum delay between API retries (15s)
	RetryMaxDelay = 15 * time.Second
)

// Resume store
const (
	// InfoCacheTTL - how long a cached descriptor stays usable (1 hour)
	// Signed URLs in descriptors expire, so stale entries are purged on read.
	InfoCacheTTL = 1 * time.Hour

	// StateDirName - directory under the user's home holding the resume store
	StateDirName = ".rescale-fetch"
)

// Sink
const (
	// DiskSpaceSafetyMargin - multiplier applied to the plaintext size before writing (15% buffer)
	DiskSpaceSafetyMargin = 1.15

	// PartialFileSuffix - suffix of a durable output while it is still being written
	PartialFileSuffix = ".part"
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar updates (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond
)

// API and Context Timeouts
const (
	// APIContextTimeout - default timeout for descriptor API operations (30 seconds)
	APIContextTimeout = 30 * time.Second

	// SegmentRequestTimeout - upper bound for one ranged request (10 minutes)
	SegmentRequestTimeout = 10 * time.Minute
)

// HTTP Client Timeouts
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (60 seconds)
	HTTPTLSHandshakeTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - timeout for establishing connection (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - keep-alive period for dialer (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPResponseHeaderTimeout - wait for response headers after the request is written
	HTTPResponseHeaderTimeout = 60 * time.Second
)

// Rate Limiter Timeouts
const (
	// RateLimitWarningThreshold - delay threshold to show warning (2 seconds)
	RateLimitWarningThreshold = 2 * time.Second

	// RateLimitWarningInterval - minimum interval between warnings (10 seconds)
	RateLimitWarningInterval = 10 * time.Second
)
