// Package fetch downloads planned segments with bounded parallelism, pacing
// and per-class retry budgets.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/metrics"
	"github.com/rescale/rescale-fetch/internal/ratelimit"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

// SegmentStore persists fetched segment bytes for resumption.
type SegmentStore interface {
	PutSegment(key string, index int, data []byte, signature string) error
}

// Options configure a Fetcher. Zero values fall back to defaults.
type Options struct {
	ConnectionLimit int
	// MaxAhead bounds dispatch to indices below flushed+MaxAhead. Zero or
	// negative disables the window.
	MaxAhead int
	Policy   http.Policy
	Limiter  *ratelimit.RateLimiter

	Store     SegmentStore
	CacheKey  string
	Signature string

	// Endpoint returns the current remote endpoint; it may change between
	// requests after a refresh.
	Endpoint func() cloud.Endpoint
	// Deliver hands a Done segment to the pipeline.
	Deliver func(index int)
	// Sleep waits between retries. Defaults to http.SleepContext.
	Sleep func(ctx context.Context, d time.Duration) error

	TaskID string
	Events *events.EventBus
	Logger *logging.Logger
	Timer  *cloud.SegmentTimer
}

// Fetcher drives network reads for one plan.
type Fetcher struct {
	plan   *transfer.Plan
	reader cloud.RangeReader
	opts   Options
	queue  *transfer.SegmentQueue
	sem    *semaphore.Weighted
	logger *logging.Logger

	wg       sync.WaitGroup
	wake     chan struct{}
	inFlight atomic.Int32
	flushed  atomic.Int64
	fetched  atomic.Int64

	mu     sync.Mutex
	failed map[int]struct{}
}

// New creates a fetcher whose queue holds every Pending segment of plan.
func New(plan *transfer.Plan, reader cloud.RangeReader, opts Options) *Fetcher {
	if opts.ConnectionLimit < 1 {
		opts.ConnectionLimit = constants.DefaultConnectionLimit
	}
	if opts.Policy == nil {
		opts.Policy = http.NewPolicy(constants.DefaultSegmentRetryLimit)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewRateLimiter(0, 1, nil)
	}
	if opts.Sleep == nil {
		opts.Sleep = http.SleepContext
	}
	if opts.Deliver == nil {
		opts.Deliver = func(int) {}
	}
	if opts.Endpoint == nil {
		opts.Endpoint = func() cloud.Endpoint { return cloud.Endpoint{} }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Fetcher{
		plan:   plan,
		reader: reader,
		opts:   opts,
		queue:  transfer.NewSegmentQueue(plan.Indices(transfer.SegmentPending)...),
		sem:    semaphore.NewWeighted(int64(opts.ConnectionLimit)),
		logger: logger,
		wake:   make(chan struct{}, 1),
		failed: make(map[int]struct{}),
	}
}

// Run dispatches segments until every segment has been flushed by the
// pipeline or ctx is cancelled. Failed segments do not end the run; they
// wait for RetryFailed.
func (f *Fetcher) Run(ctx context.Context) error {
	defer f.wg.Wait()

	for {
		if f.flushed.Load() >= int64(f.plan.Len()) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			f.queue.Clear()
			return err
		}

		if f.sem.TryAcquire(1) {
			idx, ok := f.queue.PopBelow(f.windowLimit())
			if ok && f.plan.MarkInFlight(idx) {
				f.inFlight.Add(1)
				f.wg.Add(1)
				go f.fetchSegment(ctx, idx)
				continue
			}
			f.sem.Release(1)
			if ok {
				continue
			}
		}

		select {
		case <-ctx.Done():
			f.queue.Clear()
			return ctx.Err()
		case <-f.queue.Notify():
		case <-f.wake:
		}
	}
}

func (f *Fetcher) windowLimit() int {
	if f.opts.MaxAhead <= 0 {
		return -1
	}
	return int(f.flushed.Load()) + f.opts.MaxAhead
}

// fetchSegment owns one connection slot on entry and releases it on exit and
// while sleeping between retries.
func (f *Fetcher) fetchSegment(ctx context.Context, idx int) {
	defer func() {
		f.inFlight.Add(-1)
		f.wg.Done()
		f.signal()
	}()

	seg := f.plan.Snapshot(idx)
	tracker := f.opts.Policy.NewTracker()
	log := f.logger.With().Int("segment", idx).Logger()

	for {
		data, elapsed, err := f.attempt(ctx, seg)
		if err == nil {
			f.sem.Release(1)
			f.complete(idx, data, elapsed)
			return
		}

		decision := tracker.Next(err)
		if ctx.Err() != nil || decision.Class == http.ClassCancelled {
			f.sem.Release(1)
			f.plan.MarkPending(idx)
			f.queue.PushFront(idx)
			return
		}

		f.plan.RecordRetry(idx, err)
		if !decision.Retry {
			f.sem.Release(1)
			f.markFailed(idx, decision, err)
			return
		}

		var statusErr *http.StatusError
		if errors.As(err, &statusErr) && statusErr.RetryAfter > 0 {
			f.opts.Limiter.SetCooldown(statusErr.RetryAfter)
		}

		metrics.IncRetry(decision.Class.String())
		f.opts.Events.PublishSegmentRetry(f.opts.TaskID, idx, decision.Attempt, decision.Class.String(), decision.Delay, err)
		if decision.Silent {
			log.Debug().Err(err).Int("attempt", decision.Attempt).Dur("delay", decision.Delay).Msg("Retrying segment")
		} else {
			log.Warn().Err(err).Str("class", decision.Class.String()).Int("attempt", decision.Attempt).
				Dur("delay", decision.Delay).Msg("Retrying segment")
		}

		f.sem.Release(1)
		f.signal()
		if err := f.opts.Sleep(ctx, decision.Delay); err != nil {
			f.plan.MarkPending(idx)
			f.queue.PushFront(idx)
			return
		}
		if err := f.sem.Acquire(ctx, 1); err != nil {
			f.plan.MarkPending(idx)
			f.queue.PushFront(idx)
			return
		}
	}
}

func (f *Fetcher) attempt(ctx context.Context, seg transfer.Segment) ([]byte, time.Duration, error) {
	if err := f.opts.Limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, constants.SegmentRequestTimeout)
	defer cancel()

	start := time.Now()
	data, err := f.reader.ReadRange(reqCtx, f.opts.Endpoint(), seg.Range.Offset, seg.Range.Length)
	elapsed := time.Since(start)
	if err != nil {
		return nil, elapsed, fmt.Errorf("segment %d: %w", seg.Index, err)
	}
	if int64(len(data)) != seg.Range.Length {
		return nil, elapsed, fmt.Errorf("segment %d: %w: got %d of %d bytes",
			seg.Index, cloud.ErrShortRead, len(data), seg.Range.Length)
	}
	return data, elapsed, nil
}

// complete persists, marks Done and delivers in that order.
func (f *Fetcher) complete(idx int, data []byte, elapsed time.Duration) {
	n := int64(len(data))
	f.fetched.Add(n)
	metrics.IncSegmentFetched(n, elapsed)
	if f.opts.Timer != nil {
		f.opts.Timer.RecordSegment(idx, elapsed, n)
	}

	if f.opts.Store != nil {
		if err := f.opts.Store.PutSegment(f.opts.CacheKey, idx, data, f.opts.Signature); err != nil {
			f.logger.Warn().Err(err).Int("segment", idx).Msg("Failed to persist segment")
		}
	}

	f.plan.MarkDone(idx, data)
	f.opts.Deliver(idx)
}

func (f *Fetcher) markFailed(idx int, decision http.Decision, err error) {
	f.plan.MarkFailed(idx, err)
	metrics.IncSegmentFailed()
	f.opts.Events.PublishSegmentFailed(f.opts.TaskID, idx, decision.Attempt, decision.Class.String(), err)
	f.logger.Error().Err(err).Int("segment", idx).Str("class", decision.Class.String()).
		Msg("Segment failed after exhausting retries")

	f.mu.Lock()
	f.failed[idx] = struct{}{}
	f.mu.Unlock()
}

// RetryFailed moves every failed segment to the front of the queue with a
// fresh retry budget and returns their indices.
func (f *Fetcher) RetryFailed() []int {
	f.mu.Lock()
	indices := make([]int, 0, len(f.failed))
	for idx := range f.failed {
		indices = append(indices, idx)
	}
	f.failed = make(map[int]struct{})
	f.mu.Unlock()

	sort.Ints(indices)
	for _, idx := range indices {
		f.plan.ResetForRetry(idx)
	}
	f.queue.PushFront(indices...)
	return indices
}

// Requeue sends a segment back to the network, for example when its stored
// bytes could not be loaded.
func (f *Fetcher) Requeue(idx int) {
	f.plan.MarkPending(idx)
	f.queue.PushFront(idx)
}

// SetFlushed records how many leading segments the pipeline has written.
func (f *Fetcher) SetFlushed(n int) {
	f.flushed.Store(int64(n))
	f.signal()
}

// Failed returns the failed segment indices, ascending.
func (f *Fetcher) Failed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, 0, len(f.failed))
	for idx := range f.failed {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// FetchedBytes returns container bytes received from the network.
func (f *Fetcher) FetchedBytes() int64 {
	return f.fetched.Load()
}

// InFlight returns the number of segments currently being fetched or
// waiting to retry.
func (f *Fetcher) InFlight() int {
	return int(f.inFlight.Load())
}

// Pending returns the number of queued segments.
func (f *Fetcher) Pending() int {
	return f.queue.Len()
}

// Stalled reports whether the run cannot progress without RetryFailed: some
// segment failed, nothing is in flight and nothing dispatchable is queued.
func (f *Fetcher) Stalled() bool {
	f.mu.Lock()
	failed := len(f.failed)
	f.mu.Unlock()
	return failed > 0 && f.inFlight.Load() == 0 && !f.queue.HasBelow(f.windowLimit())
}

func (f *Fetcher) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}
