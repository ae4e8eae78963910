// Package logging builds the process loggers: each component gets a
// *log.Logger with its own bracketed prefix, all writing to stderr and to a
// size-rotated file in the data directory.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	// Path of the rotated log file; empty logs to Stderr only.
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Stderr receives every line as well (default os.Stderr).
	Stderr io.Writer
}

// Sink is the shared destination of all component loggers.
type Sink struct {
	out  io.Writer
	file *lumberjack.Logger

	closeOnce sync.Once
}

// Open creates the sink, creating the log directory when needed.
func Open(opts Options) (*Sink, error) {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	s := &Sink{out: stderr}
	if opts.Path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	s.file = &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		LocalTime:  false,
	}
	s.out = io.MultiWriter(stderr, s.file)
	return s, nil
}

// Logger returns a logger whose lines start with "[name] ".
func (s *Sink) Logger(name string) *log.Logger {
	return log.New(s.out, "["+name+"] ", log.LstdFlags)
}

// Writer returns the underlying destination.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// Rotate closes the current log file and starts a new one.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close flushes and closes the log file. Safe to call more than once.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.file != nil {
			err = s.file.Close()
		}
	})
	return err
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
