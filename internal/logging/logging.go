// Package logging sets up the application log.
//
// Logs go to a size-rotated file when one is configured and to stderr when
// stderr is a terminal, so a workstation started from a shortcut still
// leaves a trail. Components log through *log.Logger values that share the
// writer and differ only in their "[component] " prefix.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// StartupErrorFile is written next to the executable when startup fails.
const StartupErrorFile = "error.log"

// Options configures the application log.
type Options struct {
	// File is the log file path. Empty logs to the console only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console receives a copy of every line. Defaults to stderr when stderr
	// is a terminal.
	Console io.Writer
}

// Logger owns the log writer.
type Logger struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New opens the log described by opts.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil && IsTerminal(os.Stderr) {
		console = os.Stderr
	}

	l := &Logger{}
	var writers []io.Writer
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, l.file)
	}
	if console != nil {
		writers = append(writers, console)
	}
	switch len(writers) {
	case 0:
		l.out = os.Stderr
	case 1:
		l.out = writers[0]
	default:
		l.out = io.MultiWriter(writers...)
	}
	return l, nil
}

// Component returns a logger for one component, e.g. Component("kintone")
// logs lines prefixed with "[kintone] ".
func (l *Logger) Component(name string) *log.Logger {
	return log.New(l.out, "["+name+"] ", log.LstdFlags)
}

// Writer returns the shared log writer.
func (l *Logger) Writer() io.Writer {
	return l.out
}

// Rotate closes the current log file and starts a new one.
func (l *Logger) Rotate() error {
	if l.file == nil {
		return nil
	}
	return l.file.Rotate()
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// WriteStartupError appends err to error.log in dir, or next to the
// executable when dir is empty, and returns the file path.
func WriteStartupError(dir string, err error) (string, error) {
	if dir == "" {
		exe, exeErr := os.Executable()
		if exeErr != nil {
			dir = "."
		} else {
			dir = filepath.Dir(exe)
		}
	}
	path := filepath.Join(dir, StartupErrorFile)
	f, openErr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if openErr != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, openErr)
	}
	defer f.Close()
	if _, wErr := fmt.Fprintf(f, "%s 予期しないエラーが発生しました: %v\n", time.Now().Format(time.RFC3339), err); wErr != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, wErr)
	}
	return path, nil
}
