package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kataras/golog"
)

// Options controls Setup.
type Options struct {
	// Level is a level name understood by ParseLevel.
	Level string
	// File receives a copy of every log line when set. Parent directories are created.
	File string
	// Console is the terminal stream, stderr when nil.
	Console io.Writer
}

// Setup builds a golog-backed logger writing to the console and, optionally,
// a log file, and installs it as the package default. The returned closer
// releases the file.
func Setup(opts Options) (*GologLogger, io.Closer, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	out := console
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(console, f)
		closer = f
	}

	g := golog.New()
	g.SetOutput(out)
	g.SetPrefix(prefix)
	g.SetTimeFormat("2006-01-02 15:04:05")

	logger := NewGologLogger(g)
	logger.SetLevel(level)
	SetDefaultLogger(logger)
	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
