package sink

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/rescale/rescale-fetch/internal/constants"
	"github.com/rescale/rescale-fetch/internal/logging"
	"github.com/rescale/rescale-fetch/internal/validation"
)

// Sink receives plaintext in order. Finalize returns where the output ended
// up. Abort releases resources; a durable partial file is kept.
type Sink interface {
	io.Writer
	Finalize() (string, error)
	Abort() error
	Kind() Kind
	Written() int64
}

// Saver materializes a memory sink on finalize.
type Saver interface {
	Save(name string, data []byte) (string, error)
}

// FileSaver writes memory buffers into Dir, defaulting to the OS temp dir.
type FileSaver struct {
	Fs  afero.Fs
	Dir string
}

// Save writes data to Dir/name, adding a numeric suffix if name is taken.
func (s FileSaver) Save(name string, data []byte) (string, error) {
	dir := s.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := s.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create fallback dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := validation.ValidatePathInDirectory(path, dir); err != nil {
		return "", fmt.Errorf("save memory sink: %w", err)
	}
	for i := 1; ; i++ {
		if _, err := s.Fs.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		ext := filepath.Ext(name)
		path = filepath.Join(dir, fmt.Sprintf("%s.%d%s", name[:len(name)-len(ext)], i, ext))
	}
	if err := afero.WriteFile(s.Fs, path, data, 0o644); err != nil {
		return "", fmt.Errorf("save memory sink: %w", err)
	}
	return path, nil
}

// DurableSink writes to <name>.part and renames it on finalize.
type DurableSink struct {
	fs      afero.Fs
	final   string
	partial string
	file    afero.File
	written int64
}

// OpenDurable creates (or truncates) the partial file for target.
func OpenDurable(fs afero.Fs, target Target) (*DurableSink, error) {
	final := target.Path()
	partial := final + constants.PartialFileSuffix
	f, err := fs.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return &DurableSink{fs: fs, final: final, partial: partial, file: f}, nil
}

func (d *DurableSink) Write(p []byte) (int, error) {
	n, err := d.file.Write(p)
	d.written += int64(n)
	return n, err
}

// Finalize syncs, closes and renames the partial file.
func (d *DurableSink) Finalize() (string, error) {
	if err := d.file.Sync(); err != nil {
		_ = d.file.Close()
		return "", fmt.Errorf("sync output: %w", err)
	}
	if err := d.file.Close(); err != nil {
		return "", fmt.Errorf("close output: %w", err)
	}
	if err := d.fs.Rename(d.partial, d.final); err != nil {
		return "", fmt.Errorf("rename output: %w", err)
	}
	return d.final, nil
}

// Abort closes the file and keeps the partial output.
func (d *DurableSink) Abort() error {
	return d.file.Close()
}

func (d *DurableSink) Kind() Kind     { return Durable }
func (d *DurableSink) Written() int64 { return d.written }

// PartialPath returns the in-progress file path.
func (d *DurableSink) PartialPath() string { return d.partial }

// MemorySink accumulates output until finalize.
type MemorySink struct {
	name  string
	saver Saver
	buf   bytes.Buffer
}

// NewMemory creates a memory sink saved through saver on finalize.
func NewMemory(name string, saver Saver) *MemorySink {
	return &MemorySink{name: name, saver: saver}
}

func (m *MemorySink) Write(p []byte) (int, error) {
	return m.buf.Write(p)
}

// Finalize hands the buffer to the saver.
func (m *MemorySink) Finalize() (string, error) {
	if m.saver == nil {
		return "", errors.New("memory sink has no saver")
	}
	return m.saver.Save(m.name, m.buf.Bytes())
}

// Abort discards the buffer.
func (m *MemorySink) Abort() error {
	m.buf.Reset()
	return nil
}

func (m *MemorySink) Kind() Kind     { return Memory }
func (m *MemorySink) Written() int64 { return int64(m.buf.Len()) }

// Bytes returns the accumulated output.
func (m *MemorySink) Bytes() []byte { return m.buf.Bytes() }

// FallbackSink writes durably until the first write or finalize error, then
// copies what was already written into a memory sink and continues there.
type FallbackSink struct {
	mu         sync.Mutex
	durable    *DurableSink
	current    Sink
	name       string
	saver      Saver
	onFallback func(err error)
	logger     *logging.Logger
}

// NewFallback wraps durable. onFallback may be nil.
func NewFallback(durable *DurableSink, name string, saver Saver, onFallback func(error), logger *logging.Logger) *FallbackSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FallbackSink{
		durable:    durable,
		current:    durable,
		name:       name,
		saver:      saver,
		onFallback: onFallback,
		logger:     logger,
	}
}

func (f *FallbackSink) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Kind() == Memory {
		return f.current.Write(p)
	}

	before := f.durable.Written()
	n, err := f.durable.Write(p)
	if err == nil {
		return n, nil
	}

	mem, ferr := f.degrade(before, err)
	if ferr != nil {
		return 0, ferr
	}
	if _, err := mem.Write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// degrade reads back the first `keep` bytes of the partial file into a new
// memory sink so nothing has to be fetched again.
func (f *FallbackSink) degrade(keep int64, cause error) (*MemorySink, error) {
	f.logger.Warn().Err(cause).Str("path", f.durable.PartialPath()).
		Msg("Durable output failed, continuing in memory")
	_ = f.durable.Abort()

	mem := NewMemory(f.name, f.saver)
	if keep > 0 {
		src, err := f.durable.fs.Open(f.durable.PartialPath())
		if err != nil {
			return nil, fmt.Errorf("read back partial output: %w (after %v)", err, cause)
		}
		defer src.Close()
		if _, err := io.CopyN(mem, src, keep); err != nil {
			return nil, fmt.Errorf("read back partial output: %w (after %v)", err, cause)
		}
	}
	_ = f.durable.fs.Remove(f.durable.PartialPath())

	f.current = mem
	if f.onFallback != nil {
		f.onFallback(cause)
	}
	return mem, nil
}

// Finalize commits the durable file. If sync, close or rename fails the
// written bytes are read back into memory and handed to the saver instead.
func (f *FallbackSink) Finalize() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.Kind() == Memory {
		return f.current.Finalize()
	}
	path, err := f.durable.Finalize()
	if err == nil {
		return path, nil
	}
	mem, ferr := f.degrade(f.durable.Written(), err)
	if ferr != nil {
		return "", ferr
	}
	return mem.Finalize()
}

func (f *FallbackSink) Abort() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Abort()
}

func (f *FallbackSink) Kind() Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Kind()
}

func (f *FallbackSink) Written() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Written()
}

// Open creates the sink for target. Durable targets are wrapped in a
// FallbackSink; if the file cannot even be opened a memory sink is used.
func Open(fs afero.Fs, target Target, saver Saver, onFallback func(error), logger *logging.Logger) Sink {
	if target.Kind == Durable {
		d, err := OpenDurable(fs, target)
		if err == nil {
			return NewFallback(d, target.Name, saver, onFallback, logger)
		}
		if onFallback != nil {
			onFallback(err)
		}
	}
	return NewMemory(target.Name, saver)
}
