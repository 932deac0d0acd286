// Package logging provides structured logging for the CLI and the download engine.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Logger wraps zerolog with console/JSON output selection.
type Logger struct {
	zlog   zerolog.Logger
	format Format
	output io.Writer
}

// NewLogger creates a logger writing to w in the given format.
func NewLogger(w io.Writer, format Format) *Logger {
	l := &Logger{format: format}
	l.SetOutput(w)
	return l
}

// NewDefaultCLILogger creates a console logger on stdout. Stderr is left for
// progress bars.
func NewDefaultCLILogger() *Logger {
	return NewLogger(os.Stdout, FormatConsole)
}

// NewNop returns a logger that discards everything. Used by tests and by
// components constructed without a logger.
func NewNop() *Logger {
	return &Logger{zlog: zerolog.Nop(), format: FormatJSON, output: io.Discard}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// With creates a child logger context with additional fields.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// WithTask returns a child logger tagged with a task id.
func (l *Logger) WithTask(taskID string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("task", taskID).Logger(),
		format: l.format,
		output: l.output,
	}
}

// SetOutput changes the output writer for the logger.
// This is useful for redirecting logs through progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	if l.format == FormatJSON {
		l.zlog = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	l.zlog = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

func init() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
