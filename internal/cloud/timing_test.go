package cloud

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestTimingEnabled(t *testing.T) {
	t.Setenv(TimingEnvVar, "")
	if TimingEnabled() {
		t.Error("TimingEnabled() should be false when unset")
	}
	t.Setenv(TimingEnvVar, "true")
	if TimingEnabled() {
		t.Error("TimingEnabled() should only accept exactly '1'")
	}
	t.Setenv(TimingEnvVar, "1")
	if !TimingEnabled() {
		t.Error("TimingEnabled() should be true when set to 1")
	}
}

func TestTimingLog(t *testing.T) {
	var buf bytes.Buffer
	t.Setenv(TimingEnvVar, "")
	TimingLog(&buf, "segment %d", 7)
	if buf.Len() > 0 {
		t.Error("TimingLog wrote while disabled")
	}

	t.Setenv(TimingEnvVar, "1")
	TimingLog(&buf, "segment %d", 7)
	if got := buf.String(); got != "[TIMING] segment 7\n" {
		t.Errorf("unexpected output %q", got)
	}
}

func TestTimerStopIdempotent(t *testing.T) {
	t.Setenv(TimingEnvVar, "1")
	var buf bytes.Buffer
	timer := StartTimer(&buf, "header")
	time.Sleep(5 * time.Millisecond)
	first := timer.Stop()
	timer.Stop()
	if first < 5*time.Millisecond {
		t.Errorf("elapsed %v shorter than sleep", first)
	}
	if n := strings.Count(buf.String(), "[TIMING] header:"); n != 1 {
		t.Errorf("expected one log line, got %d", n)
	}
}

func TestTimerConcurrentStop(t *testing.T) {
	t.Setenv(TimingEnvVar, "1")
	var buf syncBuffer
	timer := StartTimer(&buf, "race")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			timer.Stop()
		}()
	}
	wg.Wait()
	if n := strings.Count(buf.String(), "[TIMING] race:"); n != 1 {
		t.Errorf("expected one log line, got %d", n)
	}
}

func TestTimerStopWithThroughput(t *testing.T) {
	t.Setenv(TimingEnvVar, "1")
	var buf bytes.Buffer
	timer := StartTimer(&buf, "download")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThroughput(10 * 1024 * 1024)
	if !strings.Contains(buf.String(), "total 10.0 MB at") {
		t.Errorf("missing throughput in %q", buf.String())
	}
}

func TestSegmentTimer(t *testing.T) {
	t.Setenv(TimingEnvVar, "1")
	var buf bytes.Buffer
	st := NewSegmentTimer(&buf, "download", 3)
	st.RecordSegment(0, time.Second, 1024*1024)
	st.RecordSegment(1, time.Second, 1024*1024)

	out := buf.String()
	if !strings.Contains(out, "Segment 1/3") || !strings.Contains(out, "Segment 2/3") {
		t.Errorf("missing per-segment lines in %q", out)
	}

	completed, total, avg := st.Stats()
	if completed != 2 || total != 2*1024*1024 {
		t.Errorf("stats = %d, %d", completed, total)
	}
	if avg != 1024*1024 {
		t.Errorf("avg speed = %f, want 1 MiB/s", avg)
	}

	buf.Reset()
	st.Summary()
	if !strings.Contains(buf.String(), "download summary: 2 segments, 2.0 MB total") {
		t.Errorf("unexpected summary %q", buf.String())
	}
}

func TestSegmentTimerDisabledStillCounts(t *testing.T) {
	t.Setenv(TimingEnvVar, "")
	var buf bytes.Buffer
	st := NewSegmentTimer(&buf, "quiet", 1)
	st.RecordSegment(0, time.Millisecond, 10)
	st.Summary()
	if buf.Len() != 0 {
		t.Errorf("wrote %q while disabled", buf.String())
	}
	if completed, _, _ := st.Stats(); completed != 1 {
		t.Errorf("completed = %d", completed)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		0:                      "0 B",
		1023:                   "1023 B",
		1024:                   "1.0 KB",
		1536:                   "1.5 KB",
		1024 * 1024:            "1.0 MB",
		5 * 1024 * 1024 * 1024: "5.0 GB",
	}
	for in, want := range cases {
		if got := FormatBytes(in); got != want {
			t.Errorf("FormatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	cases := map[float64]string{
		512:             "512.0 B/s",
		2048:            "2.0 KB/s",
		3 * 1024 * 1024: "3.0 MB/s",
	}
	for in, want := range cases {
		if got := FormatSpeed(in); got != want {
			t.Errorf("FormatSpeed(%f) = %q, want %q", in, got, want)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
