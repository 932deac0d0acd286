package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"

	"github.com/rescale/rescale-fetch/internal/cloud"
	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/events"
)

// TaskUI renders one download task: a bar for container bytes fetched and a
// bar for plaintext bytes written. Without a terminal it prints plain lines.
type TaskUI struct {
	progress   *mpb.Progress
	out        io.Writer
	isTerminal bool

	name           string
	encryptedTotal int64
	plainTotal     int64

	fetched *mpb.Bar
	written *mpb.Bar

	mu          sync.Mutex
	lastFetched int64
	lastWritten int64
	lastUpdate  time.Time
	startTime   time.Time

	retries atomic.Int32
	failed  atomic.Int32
}

// NewTaskUI creates a UI on stderr, with bars only when stderr is a terminal.
func NewTaskUI(name string, encryptedTotal, plainTotal int64) *TaskUI {
	isTerminal := term.IsTerminal(int(os.Stderr.Fd()))
	if isTerminal {
		enableANSI(os.Stderr)
	}
	return newTaskUI(os.Stderr, isTerminal, name, encryptedTotal, plainTotal)
}

func newTaskUI(out io.Writer, isTerminal bool, name string, encryptedTotal, plainTotal int64) *TaskUI {
	u := &TaskUI{
		out:            out,
		isTerminal:     isTerminal,
		name:           name,
		encryptedTotal: encryptedTotal,
		plainTotal:     plainTotal,
		lastUpdate:     time.Now(),
		startTime:      time.Now(),
	}

	if !isTerminal {
		u.progress = mpb.New(mpb.WithOutput(io.Discard))
		fmt.Fprintf(out, "Downloading %s (%s)\n", name, cloud.FormatBytes(plainTotal))
		return u
	}

	u.progress = mpb.New(
		mpb.WithOutput(out),
		mpb.WithRefreshRate(constants.ProgressUpdateInterval),
		mpb.WithWidth(100),
	)
	u.fetched = u.newBar(encryptedTotal, "fetch", true)
	u.written = u.newBar(plainTotal, "write", false)
	return u
}

func (u *TaskUI) newBar(total int64, label string, withRetries bool) *mpb.Bar {
	return u.progress.New(total,
		mpb.BarStyle().Lbound("[").Filler("█").Tip("█").Padding("░").Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(decor.Statistics) string {
				base := fmt.Sprintf("%s %s", label, u.name)
				if !withRetries {
					return base
				}
				if n := u.retries.Load(); n > 0 {
					base = fmt.Sprintf("%s (retries %d)", base, n)
				}
				if n := u.failed.Load(); n > 0 {
					base = fmt.Sprintf("%s (failed %d)", base, n)
				}
				return base
			}, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .1f / % .1f", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
			decor.Name("  "),
			decor.EwmaSpeed(decor.SizeB1024(0), "% .1f", 60, decor.WCSyncSpace),
			decor.Name("  ETA "),
			decor.EwmaETA(decor.ET_STYLE_GO, 60),
		),
		mpb.BarRemoveOnComplete(),
	)
}

// Update applies a progress event. Calls closer together than the refresh
// interval are coalesced.
func (u *TaskUI) Update(ev *events.ProgressEvent) {
	u.mu.Lock()
	defer u.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(u.lastUpdate)
	done := ev.WrittenBytes >= u.plainTotal
	if elapsed < constants.ProgressUpdateInterval && !done {
		return
	}

	if u.fetched != nil {
		u.fetched.EwmaIncrInt64(ev.FetchedBytes-u.lastFetched, elapsed)
		u.written.EwmaIncrInt64(ev.WrittenBytes-u.lastWritten, elapsed)
	}
	u.lastFetched = ev.FetchedBytes
	u.lastWritten = ev.WrittenBytes
	u.lastUpdate = now
}

// Segment records a retry or terminal segment failure.
func (u *TaskUI) Segment(ev *events.SegmentEvent) {
	switch ev.Type() {
	case events.EventSegmentRetry:
		u.retries.Add(1)
	case events.EventSegmentFailed:
		u.failed.Add(1)
		u.Printf("segment %d failed after %d attempts: %v\n", ev.Index, ev.Attempt, ev.Err)
	}
}

// Run consumes bus events until ch closes or ctx is done.
func (u *TaskUI) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case *events.ProgressEvent:
				u.Update(e)
			case *events.SegmentEvent:
				u.Segment(e)
			case *events.SinkFallbackEvent:
				u.Printf("output moved to memory: %v\n", e.Err)
			case *events.LogEvent:
				if e.Level >= events.InfoLevel {
					u.Printf("%s: %s\n", e.Level, e.Message)
				}
			}
		}
	}
}

// Complete finishes both bars and prints a summary. path is where the output
// was saved.
func (u *TaskUI) Complete(path string, err error) {
	elapsed := time.Since(u.startTime)
	if err == nil {
		if u.fetched != nil {
			u.fetched.SetTotal(-1, true)
			u.written.SetCurrent(u.plainTotal)
			u.written.SetTotal(u.plainTotal, true)
		}
		speed := 0.0
		if s := elapsed.Seconds(); s > 0 {
			speed = float64(u.plainTotal) / s
		}
		u.Printf("✓ %s -> %s (%s, %s, %s)\n", u.name, path,
			cloud.FormatBytes(u.plainTotal), elapsed.Round(time.Second), cloud.FormatSpeed(speed))
		return
	}

	if u.fetched != nil {
		u.fetched.Abort(false)
		u.written.Abort(false)
	}
	u.Printf("✗ %s: %v (after %d retries)\n", u.name, err, u.retries.Load())
}

// Printf writes a line above the bars.
func (u *TaskUI) Printf(format string, args ...interface{}) {
	fmt.Fprintf(u.Writer(), format, args...)
}

// Writer returns a writer that prints above the bars.
func (u *TaskUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return u.out
}

// Wait blocks until the bars are finished. Complete must be called first.
func (u *TaskUI) Wait() {
	u.progress.Wait()
}

// IsTerminal reports whether bars are rendered.
func (u *TaskUI) IsTerminal() bool {
	return u.isTerminal
}
