// Package diag is coldvm's ambient diagnostic sink: VM-internal events
// that are not thrown into a running thread (startup failures, class
// transitions, GC-pressure notices, timer-queue growth) per spec.md §7
// kinds 1-2. It implements interp.Logger.
//
// The teacher has no structured logger of its own — smog reports
// runtime failures as plain Go errors. Nothing in the retrieval pack
// ships a logging library either (other_examples' jacobin reference
// uses a thin stdlib log.Logger wrapper), so this package follows that
// shape rather than inventing a dependency on an ecosystem logging
// library the corpus never reaches for; it does, however, use
// github.com/dustin/go-humanize to format byte counts and durations in
// its messages, since that dependency IS present in the pack.
package diag

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

// Level is one of the four severities spec.md's ambient logging needs:
// TRACE (opcode-level, off by default), INFO (class/thread lifecycle),
// WARN (resource-pressure, recoverable), FATAL (about to panic).
type Level int

const (
	LevelTrace Level = iota
	LevelInfo
	LevelWarn
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelFatal:
		return "FATAL"
	default:
		return "???"
	}
}

// Logger writes leveled lines to an io.Writer, filtering anything below
// its configured Level.
type Logger struct {
	out io.Writer
	min Level
}

// New builds a Logger writing to w, suppressing anything below min.
func New(w io.Writer, min Level) *Logger {
	return &Logger{out: w, min: min}
}

// Default builds a Logger writing to stderr at INFO level, coldvm's
// out-of-the-box ambient logger.
func Default() *Logger { return New(os.Stderr, LevelInfo) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	fmt.Fprintf(l.out, "%s [%-5s] %s\n", time.Now().UTC().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
}

// Debugf satisfies interp.Logger; coldvm's TRACE level stands in for
// the interface's Debugf method since it is the finest granularity
// ambient logging goes.
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelTrace, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelFatal, format, args...) }

// Bytes formats a byte count for allocation/GC-pressure diagnostics
// (SUPPLEMENTED FEATURES: the original KVM logs heap-pressure events in
// bytes; coldvm renders them human-readable instead of a raw integer).
func Bytes(n uint64) string { return humanize.Bytes(n) }

// RelTime formats a duration for timer-queue diagnostics, e.g. logging
// how overdue an alarm fired relative to its scheduled wake time.
func RelTime(d time.Duration) string {
	now := time.Now()
	return humanize.RelTime(now, now.Add(d), "late", "early")
}
