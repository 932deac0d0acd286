package ratelimit

import (
	"net/url"
	"strings"
	"sync"

	"github.com/rescale/rescale-fetch/internal/logging"
)

// LimiterStore shares one RateLimiter per remote host so every task reading
// from the same origin draws from the same bucket and cooldown.
type LimiterStore struct {
	perSecond float64
	burst     int
	logger    *logging.Logger

	mu       sync.Mutex
	limiters map[string]*RateLimiter
}

// NewLimiterStore creates a store whose limiters use the given pacing.
func NewLimiterStore(perSecond float64, burst int, logger *logging.Logger) *LimiterStore {
	return &LimiterStore{
		perSecond: perSecond,
		burst:     burst,
		logger:    logger,
		limiters:  make(map[string]*RateLimiter),
	}
}

// ForURL returns the limiter for rawURL's host. Unparseable URLs share the
// empty-host limiter.
func (s *LimiterStore) ForURL(rawURL string) *RateLimiter {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(u.Host)
	}
	return s.GetLimiter(host)
}

// GetLimiter returns the limiter for host, creating it on first use.
func (s *LimiterStore) GetLimiter(host string) *RateLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rl, ok := s.limiters[host]; ok {
		return rl
	}
	rl := NewRateLimiter(s.perSecond, s.burst, s.logger)
	s.limiters[host] = rl
	return rl
}
