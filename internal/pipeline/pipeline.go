// Package pipeline decodes fetched segments in parallel and writes them to
// the sink strictly in index order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/metrics"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

// Options configure a Pipeline.
type Options struct {
	Parallelism int
	// Batch holds decoding until every segment is Done.
	Batch bool
	// MaxAhead bounds decoding to indices below flushed+MaxAhead in
	// streaming mode. Zero or negative disables the bound.
	MaxAhead int
	// Cipher decrypts framed containers. Nil means plain mode.
	Cipher *encryption.BlockCipher

	// Load returns stored container bytes for a segment reused from the
	// resume store.
	Load func(index int) ([]byte, error)
	// Requeue sends a segment back to the network when its stored bytes are
	// unusable.
	Requeue func(index int)
	// OnFlushed reports the count of leading segments written.
	OnFlushed func(flushed int)
	// OnWritten reports plaintext bytes written for one segment.
	OnWritten func(n int64, reused bool)

	Logger *logging.Logger
}

// Pipeline is the decrypt stage of one task. Submit is called by the
// fetcher; Run owns the workers and the single flusher.
type Pipeline struct {
	plan    *transfer.Plan
	sink    io.Writer
	opts    Options
	input   *transfer.SegmentQueue
	workers int
	logger  *logging.Logger

	advance chan struct{}
	next    atomic.Int64
	written atomic.Int64
	// progress counts reused plaintext up front so resumed tasks never
	// report less than what the store already holds.
	progress atomic.Int64
}

type result struct {
	index   int
	data    []byte
	reused  bool
	requeue bool
	err     error
}

// New creates a pipeline writing plan's plaintext to sink. Segments already
// reused from the resume store are queued immediately.
func New(plan *transfer.Plan, sink io.Writer, opts Options) *Pipeline {
	if opts.Parallelism < 1 {
		opts.Parallelism = constants.DefaultDecryptParallelism
	}
	if opts.OnFlushed == nil {
		opts.OnFlushed = func(int) {}
	}
	if opts.OnWritten == nil {
		opts.OnWritten = func(int64, bool) {}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	workers := opts.Parallelism
	if cpus := runtime.NumCPU(); cpus < workers {
		workers = cpus
	}
	if n := plan.Len(); n < workers {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}

	p := &Pipeline{
		plan:    plan,
		sink:    sink,
		opts:    opts,
		input:   transfer.NewSegmentQueue(),
		workers: workers,
		logger:  logger,
		advance: make(chan struct{}, 1),
	}
	for i := 0; i < plan.Len(); i++ {
		if plan.Snapshot(i).Reused {
			p.input.Push(i)
		}
	}
	reused, _ := plan.ReusedBytes()
	p.progress.Store(reused)
	return p
}

// Submit hands a Done segment to the pipeline. It never blocks.
func (p *Pipeline) Submit(index int) {
	p.input.Push(index)
}

// Workers returns the decode worker count.
func (p *Pipeline) Workers() int {
	return p.workers
}

// Flushed returns the count of leading segments written to the sink.
func (p *Pipeline) Flushed() int {
	return int(p.next.Load())
}

// Written returns plaintext bytes written to the sink.
func (p *Pipeline) Written() int64 {
	return p.written.Load()
}

// Progress returns plaintext bytes accounted for: reused segments from the
// start plus network segments as they are written.
func (p *Pipeline) Progress() int64 {
	return p.progress.Load()
}

// Run decodes and writes until every segment is flushed. It returns the
// first fatal error, or ctx's error on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	n := p.plan.Len()
	if n == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan int)
	results := make(chan result, p.workers)

	g.Go(func() error {
		defer close(work)
		p.dispatch(gctx, work)
		return nil
	})
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.work(gctx, work, results)
			return nil
		})
	}
	g.Go(func() error {
		err := p.flush(gctx, results)
		cancel()
		return err
	})

	return g.Wait()
}

// dispatch forwards submitted indices to the workers in ascending order,
// holding any index at or beyond the flushed watermark plus MaxAhead. In
// batch mode nothing is released until every segment has arrived.
func (p *Pipeline) dispatch(ctx context.Context, work chan<- int) {
	n := p.plan.Len()
	released := !p.opts.Batch
	seen := make(map[int]bool, n)
	var held []int

	for {
		for {
			idx, ok := p.input.Pop()
			if !ok {
				break
			}
			seen[idx] = true
			held = append(held, idx)
		}
		if !released && len(seen) == n {
			released = true
		}

		if released && len(held) > 0 {
			sort.Ints(held)
			limit := p.windowLimit()
			sent := 0
			for _, idx := range held {
				if limit >= 0 && idx >= limit {
					break
				}
				select {
				case work <- idx:
				case <-ctx.Done():
					return
				}
				sent++
			}
			held = held[sent:]
		}

		select {
		case <-ctx.Done():
			return
		case <-p.input.Notify():
		case <-p.advance:
		}
	}
}

func (p *Pipeline) windowLimit() int {
	if p.opts.MaxAhead <= 0 || p.opts.Batch {
		return -1
	}
	return int(p.next.Load()) + p.opts.MaxAhead
}

func (p *Pipeline) work(ctx context.Context, work <-chan int, results chan<- result) {
	for {
		select {
		case <-ctx.Done():
			return
		case idx, ok := <-work:
			if !ok {
				return
			}
			r := p.process(idx)
			select {
			case results <- r:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) process(idx int) result {
	seg := p.plan.Snapshot(idx)
	data := p.plan.TakeBuffer(idx)
	fromStore := false

	if data == nil {
		if p.opts.Load == nil {
			return result{index: idx, err: fmt.Errorf("segment %d has no data", idx)}
		}
		loaded, err := p.opts.Load(idx)
		if err == nil && int64(len(loaded)) != seg.Range.Length {
			err = fmt.Errorf("stored length %d, expected %d", len(loaded), seg.Range.Length)
		}
		if err != nil {
			p.logger.Warn().Err(err).Int("segment", idx).Msg("Stored segment unusable, fetching again")
			return result{index: idx, requeue: true}
		}
		data, fromStore = loaded, true
	}

	plain, err := p.decode(seg, data)
	if err != nil {
		if fromStore {
			p.logger.Warn().Err(err).Int("segment", idx).Msg("Stored segment failed to decode, fetching again")
			return result{index: idx, requeue: true}
		}
		return result{index: idx, err: fmt.Errorf("segment %d: %w", idx, err)}
	}
	return result{index: idx, data: plain, reused: fromStore}
}

// decode turns one segment's container bytes into exactly seg.Length
// plaintext bytes.
func (p *Pipeline) decode(seg transfer.Segment, data []byte) ([]byte, error) {
	if p.opts.Cipher != nil {
		return p.opts.Cipher.DecryptRange(data, seg.Range, seg.Length)
	}

	start := seg.Range.LeadingDiscard
	end := start + seg.Length
	if int64(len(data)) < end {
		return nil, &encryption.IntegrityError{
			Block:  -1,
			Reason: fmt.Sprintf("segment holds %d bytes, expected %d", len(data), end),
		}
	}
	return data[start:end], nil
}

// flush is the only writer to the sink. It owns the reorder buffer.
func (p *Pipeline) flush(ctx context.Context, results <-chan result) error {
	n := p.plan.Len()
	pending := make(map[int]result)

	for int(p.next.Load()) < n {
		var r result
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-results:
		}

		switch {
		case r.requeue:
			if p.opts.Requeue == nil {
				return fmt.Errorf("segment %d: stored bytes unusable and no fetcher to requeue", r.index)
			}
			p.progress.Add(-p.plan.Snapshot(r.index).Length)
			p.opts.Requeue(r.index)
			continue
		case r.err != nil:
			return r.err
		case r.index < int(p.next.Load()):
			continue
		}
		pending[r.index] = r

		for {
			next := int(p.next.Load())
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			if _, err := p.sink.Write(ready.data); err != nil {
				return fmt.Errorf("write segment %d: %w", next, err)
			}
			size := int64(len(ready.data))
			p.written.Add(size)
			if !ready.reused {
				p.progress.Add(size)
			}
			metrics.AddBytesWritten(size)
			p.opts.OnWritten(size, ready.reused)
			p.next.Store(int64(next + 1))
			p.opts.OnFlushed(next + 1)
			select {
			case p.advance <- struct{}{}:
			default:
			}
			runtime.Gosched()
		}
	}
	return nil
}

// IsIntegrityError reports whether err is a fatal authentication or length
// failure.
func IsIntegrityError(err error) bool {
	var ie *encryption.IntegrityError
	return errors.As(err, &ie)
}
