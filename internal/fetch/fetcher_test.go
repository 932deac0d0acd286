package fetch

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

func testPlan(t *testing.T, total, segSize int64) *transfer.Plan {
	t.Helper()
	plan, err := transfer.NewPlan(total, segSize, encryption.Framing{})
	require.NoError(t, err)
	return plan
}

func sourceBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// sliceReader serves ranges of src and counts calls.
func sliceReader(src []byte, calls *atomic.Int32) cloud.RangeReader {
	return cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		calls.Add(1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := make([]byte, length)
		copy(out, src[offset:offset+length])
		return out, nil
	})
}

// flushAll marks everything flushed once every segment was delivered.
func flushAll(f **Fetcher, total int) func(int) {
	var mu sync.Mutex
	seen := map[int]bool{}
	return func(idx int) {
		mu.Lock()
		seen[idx] = true
		n := len(seen)
		mu.Unlock()
		if n == total {
			(*f).SetFlushed(total)
		}
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRun_FetchesEverySegment(t *testing.T) {
	src := sourceBytes(1000)
	plan := testPlan(t, 1000, 128)
	var calls atomic.Int32

	var f *Fetcher
	f = New(plan, sliceReader(src, &calls), Options{ConnectionLimit: 3, Deliver: flushAll(&f, plan.Len())})
	require.NoError(t, f.Run(context.Background()))

	assert.Equal(t, int32(plan.Len()), calls.Load())
	assert.Equal(t, int64(1000), f.FetchedBytes())
	for i := 0; i < plan.Len(); i++ {
		seg := plan.Snapshot(i)
		assert.Equal(t, transfer.SegmentDone, seg.Status)
		buf := plan.TakeBuffer(i)
		assert.Equal(t, src[seg.Offset:seg.End()], buf)
	}
	assert.Zero(t, f.InFlight())
}

func TestRun_EmptyPlan(t *testing.T) {
	plan := testPlan(t, 0, 128)
	f := New(plan, cloud.RangeReaderFunc(func(context.Context, cloud.Endpoint, int64, int64) ([]byte, error) {
		t.Fatal("no requests expected")
		return nil, nil
	}), Options{})
	require.NoError(t, f.Run(context.Background()))
}

// TestRun_RateLimitSilentRetries checks nine silent one-second waits, then
// exponential backoff, and that success follows.
func TestRun_RateLimitSilentRetries(t *testing.T) {
	plan := testPlan(t, 10, 10)
	var calls atomic.Int32
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		if calls.Add(1) <= 11 {
			return nil, &http.StatusError{StatusCode: 429}
		}
		return make([]byte, length), nil
	})

	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	bus := events.NewEventBus(100)
	retries := bus.Subscribe(events.EventSegmentRetry)

	var f *Fetcher
	f = New(plan, reader, Options{Sleep: sleep, Events: bus, Deliver: flushAll(&f, 1)})
	require.NoError(t, f.Run(context.Background()))

	want := []time.Duration{
		time.Second, time.Second, time.Second, time.Second, time.Second,
		time.Second, time.Second, time.Second, time.Second,
		2 * time.Second, 4 * time.Second,
	}
	assert.Equal(t, want, delays)
	assert.Equal(t, int32(12), calls.Load())
	assert.Equal(t, 11, len(retries))
	assert.Equal(t, 11, plan.Snapshot(0).RetryCount)
}

// Nine 429s in a row stay within the silent budget: fixed waits and nothing
// above debug in the log.
func TestRun_RateLimitNineFailuresThenSuccess(t *testing.T) {
	plan := testPlan(t, 10, 10)
	var calls atomic.Int32
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		if calls.Add(1) <= 9 {
			return nil, &http.StatusError{StatusCode: 429, Status: "429 Too Many Requests"}
		}
		return make([]byte, length), nil
	})

	var mu sync.Mutex
	var delays []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err()
	}

	var logs bytes.Buffer
	logger := logging.NewLogger(&logs, logging.FormatJSON)

	var f *Fetcher
	f = New(plan, reader, Options{Sleep: sleep, Logger: logger, Deliver: flushAll(&f, 1)})
	require.NoError(t, f.Run(context.Background()))

	require.Len(t, delays, constants.RateLimitSilentRetries)
	for _, d := range delays {
		assert.Equal(t, constants.RateLimitSilentDelay, d)
	}
	assert.Equal(t, int32(10), calls.Load())
	assert.Equal(t, transfer.SegmentDone, plan.Snapshot(0).Status)
	assert.NotContains(t, logs.String(), `"level":"warn"`)
	assert.NotContains(t, logs.String(), "Retrying segment", "silent retries log at debug, hidden at the default level")
}

func TestRun_GenericExhaustionAndRetryFailed(t *testing.T) {
	plan := testPlan(t, 30, 10)
	var broken atomic.Bool
	broken.Store(true)
	var calls atomic.Int32
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		calls.Add(1)
		if offset == 10 && broken.Load() {
			return nil, errors.New("connection reset by peer")
		}
		return make([]byte, length), nil
	})

	bus := events.NewEventBus(100)
	failedEvents := bus.Subscribe(events.EventSegmentFailed)

	var f *Fetcher
	delivered := make(chan int, 10)
	f = New(plan, reader, Options{
		Policy:  http.NewPolicy(2),
		Sleep:   noSleep,
		Events:  bus,
		Deliver: func(idx int) { delivered <- idx },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.Failed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{1}, f.Failed())
	assert.Equal(t, transfer.SegmentFailed, plan.Status(1))
	assert.Len(t, failedEvents, 1)
	require.Eventually(t, func() bool { return calls.Load() == 2+3 }, time.Second, 5*time.Millisecond,
		"two good segments plus one try and two retries")
	require.Eventually(t, f.Stalled, time.Second, 5*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("run ended with failed segments outstanding: %v", err)
	default:
	}

	broken.Store(false)
	assert.Equal(t, []int{1}, f.RetryFailed())
	assert.Empty(t, f.Failed())

	got := map[int]bool{}
	for len(got) < 3 {
		select {
		case idx := <-delivered:
			got[idx] = true
		case <-time.After(2 * time.Second):
			t.Fatal("segments not delivered")
		}
	}
	f.SetFlushed(3)
	require.NoError(t, <-done)
	assert.Equal(t, transfer.SegmentDone, plan.Status(1))
}

func TestRun_CancelWithThreeInFlight(t *testing.T) {
	plan := testPlan(t, 50, 10)
	var started atomic.Int32
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		started.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	f := New(plan, reader, Options{ConnectionLimit: 3, Sleep: noSleep})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	require.Eventually(t, func() bool { return started.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	assert.Equal(t, int32(3), started.Load(), "no dispatch after cancel")
	assert.Empty(t, f.Failed())
	assert.Zero(t, f.InFlight())
	for i := 0; i < plan.Len(); i++ {
		assert.Equal(t, transfer.SegmentPending, plan.Status(i))
	}
}

func TestRun_DispatchWindow(t *testing.T) {
	plan := testPlan(t, 100, 10)
	var mu sync.Mutex
	var maxIndex int
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		mu.Lock()
		if idx := int(offset / 10); idx > maxIndex {
			maxIndex = idx
		}
		mu.Unlock()
		return make([]byte, length), nil
	})

	delivered := make(chan int, 10)
	f := New(plan, reader, Options{
		ConnectionLimit: 4,
		MaxAhead:        3,
		Deliver:         func(idx int) { delivered <- idx },
	})
	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	for i := 0; i < 3; i++ {
		<-delivered
	}
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 2, maxIndex, "window holds dispatch below flushed+MaxAhead")
	mu.Unlock()

	for flushed := 1; flushed <= plan.Len(); flushed++ {
		f.SetFlushed(flushed)
		if flushed+2 < plan.Len() {
			<-delivered
		}
	}
	require.NoError(t, <-done)
}

type recordingStore struct {
	mu   sync.Mutex
	puts map[int]string
	err  error
}

func (s *recordingStore) PutSegment(key string, index int, data []byte, signature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[int]string{}
	}
	s.puts[index] = key + "|" + signature
	return s.err
}

func TestRun_PersistsBeforeDelivery(t *testing.T) {
	plan := testPlan(t, 40, 10)
	var calls atomic.Int32
	store := &recordingStore{}

	var f *Fetcher
	flush := flushAll(&f, plan.Len())
	f = New(plan, sliceReader(sourceBytes(40), &calls), Options{
		Store:     store,
		CacheKey:  "k",
		Signature: "sig",
		Deliver: func(idx int) {
			store.mu.Lock()
			_, persisted := store.puts[idx]
			store.mu.Unlock()
			assert.True(t, persisted, "segment %d delivered before persist", idx)
			flush(idx)
		},
	})
	require.NoError(t, f.Run(context.Background()))
	assert.Len(t, store.puts, 4)
	assert.Equal(t, "k|sig", store.puts[2])
}

func TestRun_StoreErrorsIgnored(t *testing.T) {
	plan := testPlan(t, 20, 10)
	var calls atomic.Int32
	var f *Fetcher
	f = New(plan, sliceReader(sourceBytes(20), &calls), Options{
		Store:   &recordingStore{err: errors.New("disk full")},
		Deliver: flushAll(&f, plan.Len()),
	})
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, transfer.SegmentDone, plan.Status(1))
}

func TestRun_ShortReadRetried(t *testing.T) {
	plan := testPlan(t, 10, 10)
	var calls atomic.Int32
	reader := cloud.RangeReaderFunc(func(ctx context.Context, _ cloud.Endpoint, offset, length int64) ([]byte, error) {
		if calls.Add(1) == 1 {
			return make([]byte, length-1), nil
		}
		return make([]byte, length), nil
	})
	var f *Fetcher
	f = New(plan, reader, Options{Sleep: noSleep, Deliver: flushAll(&f, 1)})
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, int32(2), calls.Load())
	assert.NoError(t, plan.Snapshot(0).LastError)
}

func TestRun_UsesCurrentEndpoint(t *testing.T) {
	plan := testPlan(t, 20, 10)
	var mu sync.Mutex
	current := cloud.Endpoint{URL: "https://a"}
	var seen []string
	reader := cloud.RangeReaderFunc(func(ctx context.Context, ep cloud.Endpoint, offset, length int64) ([]byte, error) {
		mu.Lock()
		seen = append(seen, ep.URL)
		current = cloud.Endpoint{URL: "https://b"}
		mu.Unlock()
		return make([]byte, length), nil
	})

	var f *Fetcher
	f = New(plan, reader, Options{
		ConnectionLimit: 1,
		Endpoint: func() cloud.Endpoint {
			mu.Lock()
			defer mu.Unlock()
			return current
		},
		Deliver: flushAll(&f, plan.Len()),
	})
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, []string{"https://a", "https://b"}, seen)
}
