// Package rlog provides the small structured-logging convention used
// throughout this module: every line is tagged with the owning replica so
// that interleaved output from a simulated cluster stays readable.
package rlog

import (
	"fmt"
	"log"
	"os"
)

// Logger tags every line with a fixed prefix. It wraps the standard
// library's log.Logger rather than a third-party structured logger: no
// dependency-bearing repository in this module's lineage pulls one in, and
// the teacher repository itself logs with bare fmt.Printf.
type Logger struct {
	std    *log.Logger
	prefix string
}

// New returns a Logger that tags every line with "[prefix]".
func New(prefix string) *Logger {
	return &Logger{
		std:    log.New(os.Stderr, "", log.LstdFlags),
		prefix: prefix,
	}
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf("[%s] "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("[%s] WARN "+format, append([]interface{}{l.prefix}, args...)...)
}

// Fatalf logs and terminates the process. Reserved for the fatal-error
// class spec.md §7 defines: stable-storage failures, retransmitter
// narrowing failures, and catch-up deregistration failures.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.std.Fatalf("[%s] FATAL "+format, append([]interface{}{l.prefix}, args...)...)
}

func (l *Logger) String() string {
	return fmt.Sprintf("rlog.Logger{prefix=%s}", l.prefix)
}
