// Package ratelimit paces outgoing range requests per remote host.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/logging"
)

// RateLimiter is a token bucket with a shared cooldown. A rate-limit response
// on one segment sets a cooldown that pauses every request through the limiter.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *logging.Logger
	now     func() time.Time

	mu            sync.Mutex
	cooldownUntil time.Time
	lastWarnTime  time.Time
}

// NewRateLimiter creates a limiter refilling at perSecond up to burst tokens.
// A non-positive perSecond disables pacing.
func NewRateLimiter(perSecond float64, burst int, logger *logging.Logger) *RateLimiter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(toLimit(perSecond), normalizeBurst(burst)),
		logger:  logger,
		now:     time.Now,
	}
}

func toLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

func normalizeBurst(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}

// Wait blocks until the cooldown has passed and a token is available.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if d := rl.CooldownRemaining(); d > 0 {
		rl.warn(d, "cooldown")
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}

	r := rl.limiter.ReserveN(rl.now(), 1)
	if !r.OK() {
		return rl.limiter.Wait(ctx)
	}
	delay := r.DelayFrom(rl.now())
	if delay == 0 {
		return nil
	}
	rl.warn(delay, "pacing")
	if err := sleep(ctx, delay); err != nil {
		r.Cancel()
		return err
	}
	return nil
}

// SetCooldown pauses all requests for d. An existing longer cooldown is kept.
func (rl *RateLimiter) SetCooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	until := rl.now().Add(d)
	if until.After(rl.cooldownUntil) {
		rl.cooldownUntil = until
	}
}

// CooldownRemaining returns how long the current cooldown still lasts.
func (rl *RateLimiter) CooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if d := rl.cooldownUntil.Sub(rl.now()); d > 0 {
		return d
	}
	return 0
}

// Reconfigure changes rate and burst while keeping the current token count.
func (rl *RateLimiter) Reconfigure(perSecond float64, burst int) {
	now := rl.now()
	rl.limiter.SetLimitAt(now, toLimit(perSecond))
	rl.limiter.SetBurstAt(now, normalizeBurst(burst))
}

// Tokens returns the currently available tokens.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.TokensAt(rl.now())
}

func (rl *RateLimiter) warn(wait time.Duration, reason string) {
	if wait <= constants.RateLimitWarningThreshold {
		return
	}
	rl.mu.Lock()
	now := rl.now()
	if now.Sub(rl.lastWarnTime) < constants.RateLimitWarningInterval {
		rl.mu.Unlock()
		return
	}
	rl.lastWarnTime = now
	rl.mu.Unlock()

	rl.logger.Warn().
		Str("reason", reason).
		Dur("wait", wait).
		Msgf("Rate limited: waiting ~%.1fs for request capacity", wait.Seconds())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
