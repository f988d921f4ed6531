// Package logging builds the per-component loggers used by the commands.
// Output goes to stderr and, when a log file is configured, to a
// size-rotated file as well.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config configures log output.
type Config struct {
	// File is the rotated log file. Empty logs to Console only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console receives every line. Nil means os.Stderr.
	Console io.Writer
}

// DefaultConfig returns rotation defaults for file.
func DefaultConfig(file string) *Config {
	return &Config{
		File:       file,
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
		Compress:   true,
		Console:    os.Stderr,
	}
}

// Output is a shared log sink. Close flushes and closes the rotated file.
type Output struct {
	w    io.Writer
	file *lumberjack.Logger
}

// Open creates the sink described by cfg.
func Open(cfg *Config) (*Output, error) {
	if cfg == nil {
		cfg = DefaultConfig("")
	}
	console := cfg.Console
	if console == nil {
		console = os.Stderr
	}
	if cfg.File == "" {
		return &Output{w: console}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, err
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return &Output{w: io.MultiWriter(console, file), file: file}, nil
}

// Writer returns the underlying writer.
func (o *Output) Writer() io.Writer {
	return o.w
}

// Logger returns a logger writing "[component] " prefixed lines.
func (o *Output) Logger(component string) *log.Logger {
	return New(o.w, component)
}

// Rotate starts a new log file. It is a no-op without a file.
func (o *Output) Rotate() error {
	if o.file == nil {
		return nil
	}
	return o.file.Rotate()
}

// Close closes the rotated file, if any.
func (o *Output) Close() error {
	if o.file == nil {
		return nil
	}
	return o.file.Close()
}

// New returns a logger for component writing to w.
func New(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags)
}

// Discard returns a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
