// timing.go - segment timing instrumentation for diagnostics.
//
// Enable timing output by setting RESCALE_FETCH_TIMING=1.
// Output format: [TIMING] phase_name: duration (optional_details)
//
// Example output:
//
//	[TIMING] Segment 3/12: fetched=850ms size=32.0 MB
//	[TIMING] download summary: 12 segments, 384.0 MB total, avg=41.2 MB/s rolling=44.0 MB/s
package cloud

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// TimingEnvVar switches timing output on when set to "1".
const TimingEnvVar = "RESCALE_FETCH_TIMING"

// TimingEnabled reports whether RESCALE_FETCH_TIMING=1.
func TimingEnabled() bool {
	return os.Getenv(TimingEnvVar) == "1"
}

// TimingLog writes a timing line to w when timing is enabled. A nil w means os.Stderr.
func TimingLog(w io.Writer, format string, args ...interface{}) {
	if !TimingEnabled() {
		return
	}
	if w == nil {
		w = os.Stderr
	}
	fmt.Fprintf(w, "[TIMING] %s\n", fmt.Sprintf(format, args...))
}

// Timer tracks elapsed time for a named phase.
// Stop may be called more than once; only the first call logs.
type Timer struct {
	name    string
	start   time.Time
	w       io.Writer
	stopped int32
}

// StartTimer creates a timer. A nil w means os.Stderr.
func StartTimer(w io.Writer, name string) *Timer {
	if w == nil {
		w = os.Stderr
	}
	return &Timer{name: name, start: time.Now(), w: w}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && TimingEnabled() {
		fmt.Fprintf(t.w, "[TIMING] %s: %v\n", t.name, elapsed)
	}
	return elapsed
}

// StopWithThroughput logs elapsed time together with the byte rate.
func (t *Timer) StopWithThroughput(bytes int64) time.Duration {
	elapsed := time.Since(t.start)
	if atomic.CompareAndSwapInt32(&t.stopped, 0, 1) && TimingEnabled() {
		fmt.Fprintf(t.w, "[TIMING] %s: %v (total %s at %s)\n",
			t.name, elapsed, FormatBytes(bytes), FormatSpeed(float64(bytes)/elapsed.Seconds()))
	}
	return elapsed
}

// SegmentTimer aggregates per-segment fetch timings for one task.
type SegmentTimer struct {
	name     string
	w        io.Writer
	segments int
	mu       sync.Mutex

	completed    int
	totalBytes   int64
	fetchTime    time.Duration
	recentSpeeds []float64
	maxRecent    int
}

// NewSegmentTimer creates a timer for a task of the given segment count.
func NewSegmentTimer(w io.Writer, name string, segments int) *SegmentTimer {
	if w == nil {
		w = os.Stderr
	}
	return &SegmentTimer{name: name, w: w, segments: segments, maxRecent: 10}
}

// RecordSegment records one finished segment. index is zero-based.
func (st *SegmentTimer) RecordSegment(index int, fetch time.Duration, bytes int64) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.completed++
	st.totalBytes += bytes
	st.fetchTime += fetch
	if fetch > 0 {
		st.recentSpeeds = append(st.recentSpeeds, float64(bytes)/fetch.Seconds())
		if len(st.recentSpeeds) > st.maxRecent {
			st.recentSpeeds = st.recentSpeeds[1:]
		}
	}

	if !TimingEnabled() {
		return
	}
	fmt.Fprintf(st.w, "[TIMING] Segment %d/%d: fetched=%v size=%s\n",
		index+1, st.segments, fetch, FormatBytes(bytes))
}

// Summary logs aggregate statistics when timing is enabled.
func (st *SegmentTimer) Summary() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !TimingEnabled() || st.completed == 0 {
		return
	}
	rolling := float64(0)
	if len(st.recentSpeeds) > 0 {
		for _, s := range st.recentSpeeds {
			rolling += s
		}
		rolling /= float64(len(st.recentSpeeds))
	}
	fmt.Fprintf(st.w, "[TIMING] %s summary: %d segments, %s total, avg=%s rolling=%s\n",
		st.name, st.completed, FormatBytes(st.totalBytes), FormatSpeed(st.avgSpeedLocked()), FormatSpeed(rolling))
}

// Stats returns the aggregate counters without logging.
func (st *SegmentTimer) Stats() (completed int, totalBytes int64, avgSpeed float64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.completed, st.totalBytes, st.avgSpeedLocked()
}

func (st *SegmentTimer) avgSpeedLocked() float64 {
	if st.fetchTime <= 0 {
		return 0
	}
	return float64(st.totalBytes) / st.fetchTime.Seconds()
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed returns a human-readable rate in bytes per second.
func FormatSpeed(bytesPerSec float64) string {
	if bytesPerSec < 1024 {
		return fmt.Sprintf("%.1f B/s", bytesPerSec)
	}
	if bytesPerSec < 1024*1024 {
		return fmt.Sprintf("%.1f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.1f MB/s", bytesPerSec/(1024*1024))
}
