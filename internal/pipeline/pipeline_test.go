package pipeline

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/transfer"
)

var testFraming = encryption.Framing{
	Mode:            encryption.ModeFramed,
	BlockDataSize:   1000,
	BlockHeaderSize: encryption.TagSize,
	FileHeaderSize:  encryption.HeaderMinSize,
}

func plaintext(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/13)
	}
	return b
}

// sealed returns a container of plain plus a cipher able to open it.
func sealed(t *testing.T, plain []byte) ([]byte, *encryption.BlockCipher) {
	t.Helper()
	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	nonce, err := encryption.GenerateNonce()
	require.NoError(t, err)
	container, err := encryption.SealBytes(plain, key, nonce, testFraming)
	require.NoError(t, err)
	c, err := encryption.NewBlockCipher(key, nonce, testFraming)
	require.NoError(t, err)
	return container, c
}

// fill marks every segment Done with its container bytes from src.
func fill(plan *transfer.Plan, src []byte) {
	for i := 0; i < plan.Len(); i++ {
		r := plan.Snapshot(i).Range
		buf := make([]byte, r.Length)
		copy(buf, src[r.Offset:r.End()])
		plan.MarkDone(i, buf)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestRun_ReverseOrderCompletion(t *testing.T) {
	plain := plaintext(5000)
	plan, err := transfer.NewPlan(5000, 1000, encryption.Framing{})
	require.NoError(t, err)
	fill(plan, plain)

	var sink lockedBuffer
	var flushed []int
	p := New(plan, &sink, Options{
		Parallelism: 4,
		OnFlushed:   func(n int) { flushed = append(flushed, n) },
	})
	for i := plan.Len() - 1; i >= 0; i-- {
		p.Submit(i)
	}

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, plain, sink.Bytes())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, flushed)
	assert.Equal(t, int64(5000), p.Written())
	assert.Equal(t, 5, p.Flushed())
}

func TestRun_FramedUnalignedSegments(t *testing.T) {
	plain := plaintext(7777)
	container, c := sealed(t, plain)

	plan, err := transfer.NewPlan(int64(len(plain)), 1500, testFraming)
	require.NoError(t, err)
	require.Equal(t, int64(len(container)), plan.EncryptedSize)
	fill(plan, container)

	var sink lockedBuffer
	p := New(plan, &sink, Options{Parallelism: 3, Cipher: c})
	for i := 0; i < plan.Len(); i++ {
		p.Submit(i)
	}
	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, plain, sink.Bytes())
}

func TestRun_TamperedBlockIsFatal(t *testing.T) {
	plain := plaintext(4000)
	container, c := sealed(t, plain)
	container[len(container)-5] ^= 0xff

	plan, err := transfer.NewPlan(4000, 2000, testFraming)
	require.NoError(t, err)
	fill(plan, container)

	var sink lockedBuffer
	p := New(plan, &sink, Options{Cipher: c})
	p.Submit(0)
	p.Submit(1)

	err = p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err), "got %v", err)
	var ie *encryption.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, int64(3), ie.Block)
}

func TestRun_ReusedSegmentsLoadedLazily(t *testing.T) {
	plain := plaintext(3000)
	container, c := sealed(t, plain)
	plan, err := transfer.NewPlan(3000, 1000, testFraming)
	require.NoError(t, err)

	store := map[int][]byte{}
	for i := 0; i < plan.Len(); i++ {
		r := plan.Snapshot(i).Range
		store[i] = append([]byte(nil), container[r.Offset:r.End()]...)
	}
	plan.MarkReused(0)
	plan.MarkReused(2)
	r := plan.Snapshot(1).Range
	plan.MarkDone(1, append([]byte(nil), container[r.Offset:r.End()]...))

	var mu sync.Mutex
	var loads []int
	var reusedBytes, freshBytes int64
	var sink lockedBuffer
	p := New(plan, &sink, Options{
		Cipher: c,
		Load: func(i int) ([]byte, error) {
			mu.Lock()
			loads = append(loads, i)
			mu.Unlock()
			return store[i], nil
		},
		OnWritten: func(n int64, reused bool) {
			if reused {
				reusedBytes += n
			} else {
				freshBytes += n
			}
		},
	})
	assert.Equal(t, int64(2000), p.Progress(), "reused bytes count before anything is written")
	assert.Zero(t, p.Written())
	p.Submit(1)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, plain, sink.Bytes())
	assert.Equal(t, int64(3000), p.Progress())
	assert.Equal(t, int64(3000), p.Written())
	assert.ElementsMatch(t, []int{0, 2}, loads)
	assert.Equal(t, int64(2000), reusedBytes)
	assert.Equal(t, int64(1000), freshBytes)
}

func TestRun_UnusableStoredSegmentRequeued(t *testing.T) {
	plain := plaintext(2000)
	plan, err := transfer.NewPlan(2000, 1000, encryption.Framing{})
	require.NoError(t, err)
	plan.MarkReused(0)
	plan.MarkDone(1, append([]byte(nil), plain[1000:]...))

	var sink lockedBuffer
	var requeued []int
	var p *Pipeline
	p = New(plan, &sink, Options{
		Load: func(int) ([]byte, error) { return nil, errors.New("record missing") },
		Requeue: func(i int) {
			requeued = append(requeued, i)
			// The fetcher would download it again and deliver it.
			plan.MarkPending(i)
			plan.MarkDone(i, append([]byte(nil), plain[:1000]...))
			p.Submit(i)
		},
	})
	p.Submit(1)

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []int{0}, requeued)
	assert.Equal(t, plain, sink.Bytes())
	assert.Equal(t, int64(2000), p.Progress(), "a requeued segment is counted once")
}

func TestRun_BatchWaitsForAllSegments(t *testing.T) {
	plain := plaintext(3000)
	plan, err := transfer.NewPlan(3000, 1000, encryption.Framing{})
	require.NoError(t, err)
	fill(plan, plain)

	var sink lockedBuffer
	p := New(plan, &sink, Options{Batch: true})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	p.Submit(0)
	p.Submit(1)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, sink.Bytes(), "batch mode writes nothing before the last segment")

	p.Submit(2)
	require.NoError(t, <-done)
	assert.Equal(t, plain, sink.Bytes())
}

func TestRun_WindowHoldsReusedSegments(t *testing.T) {
	plain := plaintext(6000)
	plan, err := transfer.NewPlan(6000, 1000, encryption.Framing{})
	require.NoError(t, err)
	for i := 1; i < plan.Len(); i++ {
		plan.MarkReused(i)
	}

	var mu sync.Mutex
	var loads []int
	var sink lockedBuffer
	p := New(plan, &sink, Options{
		MaxAhead: 2,
		Load: func(i int) ([]byte, error) {
			mu.Lock()
			loads = append(loads, i)
			mu.Unlock()
			return append([]byte(nil), plain[i*1000:(i+1)*1000]...), nil
		},
	})
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1}, loads, "only indices below flushed+MaxAhead are decoded")
	mu.Unlock()

	plan.MarkDone(0, append([]byte(nil), plain[:1000]...))
	p.Submit(0)
	require.NoError(t, <-done)
	assert.Equal(t, plain, sink.Bytes())
}

func TestRun_Cancelled(t *testing.T) {
	plan, err := transfer.NewPlan(2000, 1000, encryption.Framing{})
	require.NoError(t, err)

	p := New(plan, &lockedBuffer{}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestRun_SinkErrorEndsRun(t *testing.T) {
	plan, err := transfer.NewPlan(1000, 1000, encryption.Framing{})
	require.NoError(t, err)
	fill(plan, plaintext(1000))

	p := New(plan, failingWriter{}, Options{})
	p.Submit(0)
	assert.ErrorContains(t, p.Run(context.Background()), "disk gone")
}

func TestNew_WorkerCount(t *testing.T) {
	plan, err := transfer.NewPlan(2000, 1000, encryption.Framing{})
	require.NoError(t, err)
	p := New(plan, &lockedBuffer{}, Options{Parallelism: 32})
	assert.Equal(t, 2, p.Workers(), "never more workers than segments")
}
