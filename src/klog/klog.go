// Package klog is the kernel's small tracing facade.
//
// The source kernel calls out to kprintf/trace/debug as external
// collaborators at fixed call sites. This package keeps that shape for the
// subsystems that take an optional *Logger: vm traces each page mapping
// (including demand-paged faults), vioblk traces a failed attach, and trap
// prints msgout lines and the fatal-exception message. Lock acquisition
// and process exec/exit are not logged. It is built on the standard log
// package the way the teacher's fmt.Printf-based
// tracing works in mem.Phys_init and the fs block-cache debug paths.
package klog

import (
	"io"
	"log"
	"os"
)

// Logger wraps the standard logger with the kind/named-event distinction
// the source kernel's kprintf/trace/debug split makes.
type Logger struct {
	l *log.Logger
}

// New returns a Logger writing to w with the given prefix.
func New(w io.Writer, prefix string) *Logger {
	return &Logger{l: log.New(w, prefix, log.Lmicroseconds)}
}

// Default writes to stderr with no prefix, matching console_printf's
// destination in the source kernel.
func Default() *Logger {
	return New(os.Stderr, "")
}

// Trace logs a named event, mirroring the source's trace("%s(...)", ...)
// call sites.
func (lg *Logger) Trace(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Printf(format, args...)
}

// Debug logs a diagnostic message, mirroring the source's debug(...) calls.
func (lg *Logger) Debug(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Printf(format, args...)
}

// Printf logs an unconditional message, mirroring kprintf.
func (lg *Logger) Printf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Printf(format, args...)
}
