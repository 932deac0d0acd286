// Package core drives one download task through its lifecycle: prepare the
// plan and sink, run the fetcher and decrypt pipeline, and finish or cancel.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/rescale-fetch/internal/api"
	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/cloud/state"
	"github.com/rescale/rescale-fetch/internal/config"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/crypto" // package name is 'encryption'
	"github.com/rescale/rescale-fetch/internal/events"
	"github.com/rescale/rescale-fetch/internal/fetch"
	"github.com/rescale/rescale-fetch/internal/http"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/metrics"
	"github.com/rescale/rescale-fetch/internal/models"
	"github.com/rescale/rescale-fetch/internal/pipeline"
	"github.com/rescale/rescale-fetch/internal/ratelimit"
	"github.com/rescale/rescale-fetch/internal/sink"
	"github.com/rescale/rescale-fetch/internal/transfer"
)

// ResumeStore is the part of the resume store a task uses. *state.Store
// implements it.
type ResumeStore interface {
	sink.Settings
	Get(key string) (*models.Descriptor, bool, error)
	Put(key string, d *models.Descriptor) error
	PutSegment(key string, index int, data []byte, signature string) error
	ListSegments(key string) ([]state.SegmentRecord, error)
	LoadSegment(key string, index int) (state.SegmentRecord, error)
	DeleteAll(key string) error
}

// Request says what to prepare. The descriptor comes from Descriptor when
// set, else from the info cache, else from Source.
type Request struct {
	Descriptor *models.Descriptor
	Source     api.DescriptorSource

	// LogicalPath and AccessSignature form the cache key. LogicalPath
	// defaults to the descriptor's file name.
	LogicalPath     string
	AccessSignature string

	// OutputDir overrides the configured output directory.
	OutputDir string
}

// Options wires a Controller. Reader is required.
type Options struct {
	Config  *config.Config
	Reader  cloud.RangeReader
	Store   ResumeStore
	Fs      afero.Fs
	Saver   sink.Saver
	Limiter *ratelimit.RateLimiter
	// Limiters, when set, replaces Limiter with the limiter shared by every
	// task reading from the descriptor's host.
	Limiters *ratelimit.LimiterStore
	// Sleep waits between retries. Defaults to http.SleepContext.
	Sleep  func(ctx context.Context, d time.Duration) error
	Events *events.EventBus
	Logger *logging.Logger
}

// Status is a point-in-time view of a task.
type Status struct {
	TaskID string
	State  transfer.TaskState
	// Message describes the last transition or error.
	Message string

	FileName       string
	Segments       int
	ReusedSegments int
	FetchedBytes   int64
	EncryptedTotal int64
	WrittenBytes   int64
	PlainTotal     int64

	Failed   []int
	InFlight int
	// Stalled is set while failed segments block completion.
	Stalled bool

	SinkKind sink.Kind
	Output   string
	Err      error
}

// Controller owns the mutable state of one task.
type Controller struct {
	cfg      *config.Config
	reader   cloud.RangeReader
	store    ResumeStore
	fs       afero.Fs
	prober   *sink.Prober
	saver    sink.Saver
	limiter  *ratelimit.RateLimiter
	limiters *ratelimit.LimiterStore
	sleep    func(ctx context.Context, d time.Duration) error
	events   *events.EventBus
	logger   *logging.Logger

	endpoint atomic.Pointer[cloud.Endpoint]

	mu        sync.Mutex
	state     transfer.TaskState
	taskID    string
	message   string
	lastErr   error
	req       Request
	desc      *models.Descriptor
	signature string
	cacheKey  string
	cipher    *encryption.BlockCipher
	plan      *transfer.Plan
	target    sink.Target
	reused    int
	output    string

	fetcher  *fetch.Fetcher
	pipeline *pipeline.Pipeline
	sink     sink.Sink
	cancel   context.CancelFunc
	done     chan struct{}

	cancelRequested bool
	failCause       error
}

// prepared is the result of a prepare, committed in one step.
type prepared struct {
	desc      *models.Descriptor
	signature string
	cacheKey  string
	endpoint  cloud.Endpoint
	cipher    *encryption.BlockCipher
	plan      *transfer.Plan
	target    sink.Target
	reused    int
}

// New creates an Idle controller.
func New(opts Options) (*Controller, error) {
	if opts.Reader == nil {
		return nil, errors.New("core: range reader is required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefault()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	fs := opts.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	saver := opts.Saver
	if saver == nil {
		saver = sink.FileSaver{Fs: fs, Dir: cfg.FallbackDir}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewRateLimiter(cfg.RequestsPerSecond, 1, logger)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = http.SleepContext
	}

	return &Controller{
		cfg:      cfg,
		reader:   opts.Reader,
		store:    opts.Store,
		fs:       fs,
		prober:   sink.NewProber(fs),
		saver:    saver,
		limiter:  limiter,
		limiters: opts.Limiters,
		sleep:    sleep,
		events:   opts.Events,
		logger:   logger,
		state:    transfer.StateIdle,
		taskID:   uuid.NewString(),
	}, nil
}

// TaskID identifies this task in events and logs.
func (c *Controller) TaskID() string {
	return c.taskID
}

// Prepare resolves the descriptor, reads the container header, plans the
// segments, marks those reusable from the resume store and picks the sink
// target. Configuration and header errors move the task to Failed.
func (c *Controller) Prepare(ctx context.Context, req Request) error {
	c.mu.Lock()
	if !c.state.CanTransition(transfer.StatePrepared) {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: prepare while %s", transfer.ErrInvalidTransition, cur)
	}
	c.mu.Unlock()

	p, err := c.prepare(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if ctx.Err() == nil {
			c.lastErr = err
			_ = c.transitionLocked(transfer.StateFailed, err.Error())
		}
		return err
	}
	if !c.state.CanTransition(transfer.StatePrepared) {
		return fmt.Errorf("%w: prepare while %s", transfer.ErrInvalidTransition, c.state)
	}

	c.req = req
	c.desc = p.desc
	if c.limiters != nil {
		if u, err := p.desc.ResolvedURL(); err == nil {
			c.limiter = c.limiters.ForURL(u)
		}
	}
	c.signature = p.signature
	c.cacheKey = p.cacheKey
	c.cipher = p.cipher
	c.plan = p.plan
	c.target = p.target
	c.reused = p.reused
	c.output = ""
	c.lastErr = nil
	c.fetcher, c.pipeline, c.sink = nil, nil, nil
	ep := p.endpoint
	c.endpoint.Store(&ep)

	msg := fmt.Sprintf("prepared %d segments, %d reused, output to %s", p.plan.Len(), p.reused, p.target.Kind)
	if p.target.Kind == sink.Memory && p.target.Reason != "" {
		msg += " (" + p.target.Reason + ")"
	}
	cloud.TimingLog(c.logger.Output(), "%s: %s", p.desc.OutputName(), msg)
	return c.transitionLocked(transfer.StatePrepared, msg)
}

func (c *Controller) prepare(ctx context.Context, req Request) (*prepared, error) {
	desc, cacheKey, err := c.resolveDescriptor(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	p := &prepared{desc: desc, signature: desc.Signature(), cacheKey: cacheKey}
	url, _ := desc.ResolvedURL()
	p.endpoint = cloud.Endpoint{URL: url, Method: desc.Method(), Headers: desc.Clone().Remote.Headers}

	framing := desc.Framing()
	if desc.Mode() == encryption.ModeFramed {
		nonce, err := c.readHeader(ctx, p.endpoint, framing.FileHeaderSize)
		if err != nil {
			return nil, err
		}
		key, err := desc.Key()
		if err != nil {
			return nil, err
		}
		cipher, err := encryption.NewBlockCipher(key, nonce, framing)
		if err != nil {
			return nil, &models.ConfigError{Field: "meta", Reason: "cipher setup failed", Err: err}
		}
		p.cipher = cipher
	}

	plan, err := transfer.NewPlan(desc.Meta.Size, c.cfg.SegmentSize, framing)
	if err != nil {
		return nil, &models.ConfigError{Field: "meta.size", Reason: "cannot plan segments", Err: err}
	}
	p.plan = plan
	p.reused = c.markReused(plan, cacheKey, p.signature)

	var settings sink.Settings
	if c.store != nil {
		settings = c.store
	}
	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir = c.cfg.OutputDir
	}
	p.target = c.prober.ResolveTarget(settings, outputDir, desc.OutputName(), desc.Meta.Size)
	return p, nil
}

func (c *Controller) resolveDescriptor(ctx context.Context, req Request) (*models.Descriptor, string, error) {
	logicalPath := req.LogicalPath
	if logicalPath == "" && req.Descriptor != nil {
		logicalPath = req.Descriptor.OutputName()
	}
	cacheKey := ""
	if logicalPath != "" {
		cacheKey = state.CacheKey(logicalPath, req.AccessSignature)
	}

	if req.Descriptor != nil {
		desc := req.Descriptor.Clone()
		c.cacheDescriptor(cacheKey, desc)
		return desc, cacheKey, nil
	}

	if c.store != nil && cacheKey != "" {
		desc, ok, err := c.store.Get(cacheKey)
		switch {
		case err != nil:
			c.logger.Warn().Err(err).Msg("Descriptor cache unavailable")
		case ok:
			c.logger.Debug().Str("file", desc.OutputName()).Msg("Using cached descriptor")
			return desc, cacheKey, nil
		}
	}

	if req.Source == nil {
		return nil, "", &models.ConfigError{Field: "descriptor", Reason: "no descriptor and no source"}
	}
	srcCtx, cancel := context.WithTimeout(ctx, constants.APIContextTimeout)
	defer cancel()
	desc, err := req.Source.Descriptor(srcCtx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to obtain descriptor: %w", err)
	}
	if cacheKey == "" {
		cacheKey = state.CacheKey(desc.OutputName(), req.AccessSignature)
	}
	c.cacheDescriptor(cacheKey, desc)
	return desc, cacheKey, nil
}

func (c *Controller) cacheDescriptor(key string, desc *models.Descriptor) {
	if c.store == nil || key == "" {
		return
	}
	if err := c.store.Put(key, desc); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to cache descriptor")
	}
}

// readHeader fetches the container header, retrying transport errors with
// the segment policy, and returns the base nonce.
func (c *Controller) readHeader(ctx context.Context, ep cloud.Endpoint, size int64) ([]byte, error) {
	tracker := http.NewPolicy(c.cfg.SegmentRetryLimit).NewTracker()
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		header, err := c.reader.ReadRange(ctx, ep, 0, size)
		if err == nil {
			return encryption.ParseHeader(header)
		}

		decision := tracker.Next(err)
		if !decision.Retry {
			if decision.Class == http.ClassCancelled {
				return nil, err
			}
			return nil, fmt.Errorf("failed to read container header: %w", err)
		}
		c.logger.Warn().Err(err).Int("attempt", decision.Attempt).Dur("delay", decision.Delay).
			Msg("Retrying container header")
		if err := c.sleep(ctx, decision.Delay); err != nil {
			return nil, err
		}
	}
}

// markReused marks every segment whose persisted record matches the
// signature and planned range. Storage errors mean nothing is reused.
func (c *Controller) markReused(plan *transfer.Plan, key, signature string) int {
	if c.store == nil || key == "" {
		return 0
	}
	records, err := c.store.ListSegments(key)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Resume state unavailable, downloading everything")
		return 0
	}

	reused := 0
	for _, rec := range records {
		if rec.Signature != signature || rec.Index < 0 || rec.Index >= plan.Len() {
			continue
		}
		if rec.Length != plan.Snapshot(rec.Index).Range.Length {
			continue
		}
		plan.MarkReused(rec.Index)
		reused++
	}
	if reused > 0 {
		metrics.AddSegmentsReused(reused)
		c.logger.Info().Int("segments", reused).Msg("Resuming from stored segments")
	}
	return reused
}

// Start begins the download. It returns once the run is launched; use Wait
// for the outcome.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != transfer.StatePrepared {
		return fmt.Errorf("%w: start while %s", transfer.ErrInvalidTransition, c.state)
	}

	snk := sink.Open(c.fs, c.target, c.saver, c.onSinkFallback, c.logger)
	f, p, segTimer := c.build(snk)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.fetcher, c.pipeline, c.sink = f, p, snk
	c.cancel, c.done = cancel, done
	c.cancelRequested, c.failCause = false, nil

	if err := c.transitionLocked(transfer.StateRunning, "download started"); err != nil {
		cancel()
		return err
	}
	go c.run(runCtx, cancel, f, p, segTimer, snk, done)
	return nil
}

func (c *Controller) build(snk sink.Sink) (*fetch.Fetcher, *pipeline.Pipeline, *cloud.SegmentTimer) {
	plan := c.plan
	key, signature := c.cacheKey, c.signature
	batch := c.cfg.Mode == config.ModeBatch
	maxAhead := c.cfg.ConnectionLimit + c.cfg.DecryptParallelism
	logger := c.logger.WithTask(c.taskID)

	var f *fetch.Fetcher
	var p *pipeline.Pipeline

	publish := func() {
		_, reused := plan.ReusedBytes()
		fetched := f.FetchedBytes() + reused
		if fetched > plan.EncryptedTotal {
			fetched = plan.EncryptedTotal
		}
		c.events.PublishProgress(c.taskID, fetched, plan.EncryptedTotal, p.Progress(), plan.TotalSize)
	}

	p = pipeline.New(plan, snk, pipeline.Options{
		Parallelism: c.cfg.DecryptParallelism,
		Batch:       batch,
		MaxAhead:    maxAhead,
		Cipher:      c.cipher,
		Load: func(index int) ([]byte, error) {
			if c.store == nil {
				return nil, errors.New("no resume store")
			}
			rec, err := c.store.LoadSegment(key, index)
			if err != nil {
				return nil, err
			}
			if rec.Signature != signature {
				return nil, fmt.Errorf("segment %d: stored signature changed", index)
			}
			return rec.Bytes, nil
		},
		Requeue:   func(index int) { f.Requeue(index) },
		OnFlushed: func(n int) { f.SetFlushed(n); publish() },
		OnWritten: func(int64, bool) {},
		Logger:    logger,
	})

	fetchAhead := maxAhead
	if batch {
		fetchAhead = 0
	}
	var segStore fetch.SegmentStore
	if c.store != nil {
		segStore = c.store
	}
	timer := cloud.NewSegmentTimer(logger.Output(), c.desc.OutputName(), plan.Len())

	f = fetch.New(plan, c.reader, fetch.Options{
		ConnectionLimit: c.cfg.ConnectionLimit,
		MaxAhead:        fetchAhead,
		Policy:          http.NewPolicy(c.cfg.SegmentRetryLimit),
		Limiter:         c.limiter,
		Store:           segStore,
		CacheKey:        key,
		Signature:       signature,
		Endpoint:        c.currentEndpoint,
		Deliver:         func(index int) { p.Submit(index); publish() },
		Sleep:           c.sleep,
		TaskID:          c.taskID,
		Events:          c.events,
		Logger:          logger,
		Timer:           timer,
	})
	return f, p, timer
}

func (c *Controller) currentEndpoint() cloud.Endpoint {
	if ep := c.endpoint.Load(); ep != nil {
		return *ep
	}
	return cloud.Endpoint{}
}

func (c *Controller) onSinkFallback(err error) {
	c.logger.Warn().Err(err).Msg("Durable output unavailable, continuing in memory")
	c.events.PublishSinkFallback(c.taskID, c.target.Path(), err)
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, f *fetch.Fetcher, p *pipeline.Pipeline, segTimer *cloud.SegmentTimer, snk sink.Sink, done chan struct{}) {
	defer close(done)
	defer cancel()

	timer := cloud.StartTimer(c.logger.Output(), "download "+c.taskID)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(gctx) })
	g.Go(func() error { return p.Run(gctx) })
	err := g.Wait()
	timer.StopWithThroughput(p.Written())
	segTimer.Summary()
	if completed, fetched, speed := segTimer.Stats(); completed > 0 {
		c.logger.Debug().Str("task", c.taskID).Int("segments", completed).Int64("bytes", fetched).
			Str("avg", cloud.FormatSpeed(speed)).Msg("Segment timing")
	}

	c.finish(err, snk)
}

// finish settles the terminal state of a run.
func (c *Controller) finish(err error, snk sink.Sink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.failCause != nil:
		c.abortSink(snk)
		c.lastErr = c.failCause
		c.settleLocked(transfer.StateFailed, c.failCause.Error())

	case c.cancelRequested || errors.Is(err, context.Canceled):
		c.abortSink(snk)
		if c.state == transfer.StateRunning {
			c.settleLocked(transfer.StateCancelling, "cancelling")
		}
		c.settleLocked(transfer.StateCancelled, "download cancelled")

	case err != nil:
		c.abortSink(snk)
		c.lastErr = err
		c.settleLocked(transfer.StateFailed, err.Error())

	default:
		path, ferr := snk.Finalize()
		if ferr != nil {
			c.lastErr = ferr
			c.settleLocked(transfer.StateFailed, ferr.Error())
			return
		}
		c.output = path
		if c.store != nil && c.cacheKey != "" {
			if err := c.store.DeleteAll(c.cacheKey); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to clear resume state")
			}
		}
		c.settleLocked(transfer.StateCompleted, "saved to "+path)
	}
}

// settleLocked applies an end-of-run transition. No goroutine is left to move
// the task on, so a refused transition is logged and forced.
func (c *Controller) settleLocked(next transfer.TaskState, message string) {
	err := c.transitionLocked(next, message)
	if err == nil {
		return
	}
	c.logger.Error().Err(err).Str("task", c.taskID).Str("from", string(c.state)).
		Str("to", string(next)).Msg("Run ended in an unexpected state")
	prev := c.state
	c.state, c.message = next, message
	c.events.PublishTaskState(c.taskID, string(prev), string(next), message)
	if next.Terminal() {
		metrics.IncTaskFinished(string(next))
	}
}

func (c *Controller) abortSink(snk sink.Sink) {
	if err := snk.Abort(); err != nil {
		c.logger.Warn().Err(err).Str("task", c.taskID).Msg("Failed to discard partial output")
	}
}

// Wait blocks until the current run ends or ctx is done and returns the
// final status. Without a run it returns the current status at once.
func (c *Controller) Wait(ctx context.Context) (Status, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return c.Status(), ctx.Err()
		}
	}
	st := c.Status()
	return st, st.Err
}

// Cancel aborts a running download. In-flight requests are aborted and
// nothing new is dispatched. A prepared task returns to Idle.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case transfer.StateRunning:
		c.cancelRequested = true
		if err := c.transitionLocked(transfer.StateCancelling, "cancelling"); err != nil {
			return err
		}
		c.cancel()
		return nil
	case transfer.StateCancelling:
		return nil
	case transfer.StatePrepared:
		return c.transitionLocked(transfer.StateIdle, "preparation discarded")
	default:
		return fmt.Errorf("%w: cancel while %s", transfer.ErrInvalidTransition, c.state)
	}
}

// CancelAndClear cancels any run, deletes the task's resume state and
// partial output, and returns to Idle.
func (c *Controller) CancelAndClear(ctx context.Context) error {
	if err := c.Cancel(); err != nil && !errors.Is(err, transfer.ErrInvalidTransition) {
		return err
	}
	if _, err := c.Wait(ctx); err != nil && ctx.Err() != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil && c.cacheKey != "" {
		if err := c.store.DeleteAll(c.cacheKey); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to clear resume state")
		}
	}
	if c.target.Kind == sink.Durable && c.state != transfer.StateCompleted {
		_ = c.fs.Remove(c.target.Path() + constants.PartialFileSuffix)
	}

	c.desc, c.plan, c.cipher = nil, nil, nil
	c.fetcher, c.pipeline, c.sink, c.done = nil, nil, nil, nil
	c.cacheKey, c.signature, c.output = "", "", ""
	c.reused = 0
	c.lastErr = nil
	c.endpoint.Store(nil)
	if c.state == transfer.StateIdle {
		return nil
	}
	return c.transitionLocked(transfer.StateIdle, "task cleared")
}

// RetryFailed requeues every failed segment with a fresh retry budget and
// returns their indices.
func (c *Controller) RetryFailed() ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != transfer.StateRunning || c.fetcher == nil {
		return nil, fmt.Errorf("%w: retry while %s", transfer.ErrInvalidTransition, c.state)
	}
	indices := c.fetcher.RetryFailed()
	if len(indices) > 0 {
		c.logger.Info().Ints("segments", indices).Msg("Retrying failed segments")
		c.message = fmt.Sprintf("retrying %d failed segments", len(indices))
		c.events.PublishLog(c.taskID, events.DebugLevel, c.message)
	}
	return indices, nil
}

// Refresh applies a newly issued descriptor. With an unchanged signature the
// endpoint, headers and key are replaced in place and in-flight requests
// finish with the old values. A changed signature fails a running task and
// re-prepares a prepared one.
func (c *Controller) Refresh(ctx context.Context, desc *models.Descriptor) error {
	if desc == nil {
		return &models.ConfigError{Field: "descriptor", Reason: "missing"}
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != transfer.StatePrepared && c.state != transfer.StateRunning {
		cur := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: refresh while %s", transfer.ErrInvalidTransition, cur)
	}

	if desc.Signature() != c.signature {
		if c.state == transfer.StateRunning {
			c.failCause = &models.ConfigError{Field: "descriptor", Reason: "signature changed during download"}
			err := c.failCause
			if terr := c.transitionLocked(transfer.StateCancelling, "descriptor signature changed"); terr != nil {
				c.mu.Unlock()
				return terr
			}
			c.cancel()
			c.mu.Unlock()
			return err
		}
		req := c.req
		req.Descriptor = desc
		c.mu.Unlock()
		c.logger.Info().Msg("Descriptor signature changed, preparing again")
		return c.Prepare(ctx, req)
	}
	defer c.mu.Unlock()

	if desc.Mode() == encryption.ModeFramed && desc.Meta.DataKeyBase64 != c.desc.Meta.DataKeyBase64 {
		key, err := desc.Key()
		if err != nil {
			return err
		}
		if err := c.cipher.Rekey(key); err != nil {
			return &models.ConfigError{Field: "meta.dataKeyBase64", Reason: "rekey failed", Err: err}
		}
	}

	fresh := desc.Clone()
	c.desc.Remote = fresh.Remote
	c.desc.Meta.DataKeyBase64 = fresh.Meta.DataKeyBase64
	url, _ := fresh.ResolvedURL()
	c.endpoint.Store(&cloud.Endpoint{URL: url, Method: fresh.Method(), Headers: fresh.Remote.Headers})
	c.cacheDescriptor(c.cacheKey, c.desc)
	c.message = "descriptor refreshed"
	c.logger.Info().Str("task", c.taskID).Msg("Descriptor refreshed")
	c.events.PublishLog(c.taskID, events.InfoLevel, c.message)
	return nil
}

// Status returns a snapshot of the task.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		TaskID:         c.taskID,
		State:          c.state,
		Message:        c.message,
		ReusedSegments: c.reused,
		SinkKind:       c.target.Kind,
		Output:         c.output,
		Err:            c.lastErr,
	}
	if c.desc != nil {
		st.FileName = c.desc.OutputName()
	}
	if c.plan != nil {
		st.Segments = c.plan.Len()
		st.EncryptedTotal = c.plan.EncryptedTotal
		st.PlainTotal = c.plan.TotalSize
		plain, encrypted := c.plan.ReusedBytes()
		st.FetchedBytes = encrypted
		st.WrittenBytes = plain
	}
	if c.fetcher != nil {
		st.FetchedBytes += c.fetcher.FetchedBytes()
		if st.FetchedBytes > st.EncryptedTotal {
			st.FetchedBytes = st.EncryptedTotal
		}
		st.Failed = c.fetcher.Failed()
		st.InFlight = c.fetcher.InFlight()
		st.Stalled = c.state == transfer.StateRunning && c.fetcher.Stalled()
	}
	if c.pipeline != nil {
		st.WrittenBytes = c.pipeline.Progress()
	}
	if c.sink != nil {
		st.SinkKind = c.sink.Kind()
	}
	return st
}

// Output returns the saved output of a completed task.
func (c *Controller) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

func (c *Controller) transitionLocked(next transfer.TaskState, message string) error {
	prev := c.state
	if _, err := prev.Transition(next); err != nil {
		return err
	}
	c.state = next
	c.message = message
	c.events.PublishTaskState(c.taskID, string(prev), string(next), message)
	if next.Terminal() {
		metrics.IncTaskFinished(string(next))
	}

	event := c.logger.Info()
	if next == transfer.StateFailed {
		event = c.logger.Error()
	}
	event.Str("task", c.taskID).Str("from", string(prev)).Str("to", string(next)).Msg(message)
	return nil
}

var _ ResumeStore = (*state.Store)(nil)
