// Package progress renders task progress on a terminal. A task shows two bars
// (container bytes fetched, plaintext bytes written); single-stream work such
// as sealing a file uses a simple byte bar.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
)

// Reporter reports progress of a single byte stream.
type Reporter interface {
	Start(total int64, description string)
	Update(current int64)
	Finish()
	Error(err error)
}

// CLIProgress reports through a progressbar on w.
type CLIProgress struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

// NewCLIProgress creates a reporter writing to w, or stderr when w is nil.
func NewCLIProgress(w io.Writer) *CLIProgress {
	if w == nil {
		w = os.Stderr
	}
	return &CLIProgress{w: w}
}

func (p *CLIProgress) Start(total int64, description string) {
	p.bar = progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(p.w),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.w, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func (p *CLIProgress) Update(current int64) {
	if p.bar != nil {
		_ = p.bar.Set64(current)
	}
}

func (p *CLIProgress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.w, "\nError: %v\n", err)
	}
}

// NoOpProgress discards everything.
type NoOpProgress struct{}

func (NoOpProgress) Start(int64, string) {}
func (NoOpProgress) Update(int64)        {}
func (NoOpProgress) Finish()             {}
func (NoOpProgress) Error(error)         {}

// ProgressReader wraps an io.Reader to report bytes read.
type ProgressReader struct {
	reader   io.Reader
	reporter Reporter
	current  int64
}

// NewProgressReader creates a progress-reporting reader.
func NewProgressReader(reader io.Reader, reporter Reporter) *ProgressReader {
	return &ProgressReader{reader: reader, reporter: reporter}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.current += int64(n)
	pr.reporter.Update(pr.current)
	return n, err
}

// Current returns the number of bytes read so far.
func (pr *ProgressReader) Current() int64 {
	return pr.current
}
