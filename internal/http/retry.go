package http

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rescale/rescale-fetch/internal/constants"
)

// ErrorClass selects the retry strategy for a failed request.
type ErrorClass int

const (
	// ClassGeneric covers transport failures, server errors, short reads and
	// unexpected statuses. Retried after a fixed delay.
	ClassGeneric ErrorClass = iota
	// ClassRateLimit covers 429 and 503-with-Retry-After responses and SDK
	// throttling errors.
	ClassRateLimit
	// ClassCancelled means the caller's context was cancelled. Never retried.
	ClassCancelled
)

// String returns a human-readable name for an ErrorClass
func (c ErrorClass) String() string {
	switch c {
	case ClassGeneric:
		return "generic"
	case ClassRateLimit:
		return "rate_limit"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// StatusError is an unexpected HTTP status from a ranged request.
type StatusError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("unexpected response status: %s", e.Status)
	}
	return fmt.Sprintf("unexpected response status: %d", e.StatusCode)
}

// ParseRetryAfter reads a Retry-After header as delay-seconds or an HTTP
// date. Unparseable or past values yield zero.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := nethttp.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// Classify determines the error class for retry strategy.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassGeneric
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return ClassRateLimit
		case statusErr.StatusCode == 503 && statusErr.RetryAfter > 0:
			return ClassRateLimit
		}
	}

	// SDK throttling errors that do not surface a status code.
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "slowdown") ||
		strings.Contains(errStr, "throttl") ||
		strings.Contains(errStr, "toomanyrequests") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "serverbusy") ||
		strings.Contains(errStr, "server busy") {
		return ClassRateLimit
	}
	return ClassGeneric
}

// Strategy is one row of the retry table.
type Strategy struct {
	// SilentRetries is how many retries are taken without logging.
	SilentRetries int
	// MaxRetries caps retries of this class; constants.UnboundedRetries for no cap.
	MaxRetries int
	// Delay returns the wait before retry n (1-based).
	Delay func(n int) time.Duration
}

// Policy maps each error class to its strategy.
type Policy map[ErrorClass]Strategy

// NewPolicy builds the retry table for a segment retry limit.
//
// Generic errors wait a fixed delay and are capped by segmentRetryLimit. Rate
// limit errors take RateLimitSilentRetries quiet retries at a short fixed delay,
// then back off exponentially up to RateLimitBackoffMax. They have their own
// cap, lifted when segmentRetryLimit is unbounded.
func NewPolicy(segmentRetryLimit int) Policy {
	rateLimitMax := constants.RateLimitRetryLimit
	if segmentRetryLimit == constants.UnboundedRetries {
		rateLimitMax = constants.UnboundedRetries
	}

	return Policy{
		ClassGeneric: {
			MaxRetries:    segmentRetryLimit,
			SilentRetries: 0,
			Delay:         func(int) time.Duration { return constants.GenericRetryDelay },
		},
		ClassRateLimit: {
			MaxRetries:    rateLimitMax,
			SilentRetries: constants.RateLimitSilentRetries,
			Delay: func(n int) time.Duration {
				if n <= constants.RateLimitSilentRetries {
					return constants.RateLimitSilentDelay
				}
				return CalculateBackoff(n-constants.RateLimitSilentRetries,
					constants.RateLimitBackoffBase, constants.RateLimitBackoffMax)
			},
		},
		ClassCancelled: {MaxRetries: 0},
	}
}

// CalculateBackoff returns initialDelay * 2^(attempt-1), capped at maxDelay.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 30 {
		return maxDelay
	}
	d := initialDelay << uint(attempt-1)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// Decision is the outcome of one failed attempt.
type Decision struct {
	Class  ErrorClass
	Retry  bool
	Silent bool
	Delay  time.Duration
	// Attempt is the retry number within the class (1-based).
	Attempt int
}

// Tracker counts retries per class for one segment.
type Tracker struct {
	policy Policy
	counts map[ErrorClass]int
}

// NewTracker starts retry accounting against the policy.
func (p Policy) NewTracker() *Tracker {
	return &Tracker{policy: p, counts: make(map[ErrorClass]int)}
}

// Next classifies err and decides whether and when to retry.
func (t *Tracker) Next(err error) Decision {
	class := Classify(err)
	strategy := t.policy[class]

	t.counts[class]++
	n := t.counts[class]

	d := Decision{Class: class, Attempt: n}
	if class == ClassCancelled {
		return d
	}
	if strategy.MaxRetries != constants.UnboundedRetries && n > strategy.MaxRetries {
		return d
	}

	d.Retry = true
	d.Silent = n <= strategy.SilentRetries
	if strategy.Delay != nil {
		d.Delay = strategy.Delay(n)
	}

	var statusErr *StatusError
	if class == ClassRateLimit && !d.Silent && errors.As(err, &statusErr) && statusErr.RetryAfter > d.Delay {
		d.Delay = statusErr.RetryAfter
		if d.Delay > constants.RateLimitBackoffMax {
			d.Delay = constants.RateLimitBackoffMax
		}
	}
	return d
}

// Total returns the number of failures recorded across all classes.
func (t *Tracker) Total() int {
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
