// Package logging builds the process log writer and per-component loggers.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the optional rotating log file.
type Config struct {
	// File is the log file path; empty logs to stderr only
	File string

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Debug enables Debugf output
	Debug bool
}

// Sink is the process log writer. Every component logger writes through it.
type Sink struct {
	out   io.Writer
	file  *lumberjack.Logger
	debug atomic.Bool
}

// New creates a Sink writing to stderr and, when cfg.File is set, to a
// rotating file.
func New(cfg Config) *Sink {
	return newSink(os.Stderr, cfg)
}

func newSink(stderr io.Writer, cfg Config) *Sink {
	s := &Sink{out: stderr}
	if cfg.File != "" {
		s.file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		s.out = io.MultiWriter(stderr, s.file)
	}
	s.debug.Store(cfg.Debug)
	return s
}

// Logger returns a logger for one component, tagged "[component] ".
func (s *Sink) Logger(component string) *log.Logger {
	return log.New(s.out, fmt.Sprintf("[%s] ", component), log.LstdFlags)
}

// Writer returns the underlying writer.
func (s *Sink) Writer() io.Writer {
	return s.out
}

// SetDebug toggles Debugf output.
func (s *Sink) SetDebug(on bool) {
	s.debug.Store(on)
}

// Debugf logs through l only when debug output is enabled.
func (s *Sink) Debugf(l *log.Logger, format string, args ...any) {
	if !s.debug.Load() {
		return
	}
	l.Printf("DEBUG: "+format, args...)
}

// Rotate closes the current log file and starts a new one. It is a no-op
// without a file.
func (s *Sink) Rotate() error {
	if s.file == nil {
		return nil
	}
	return s.file.Rotate()
}

// Close closes the log file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
