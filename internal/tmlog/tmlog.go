// Package tmlog is a thin wrapper around the standard log package. The
// engine logs the way the teacher codebase does: log.Printf/log.Fatal with
// no third-party logging library, since none of the retrieved examples
// reach for one at this layer.
package tmlog

import (
	"log"
	"os"
)

// Logger is satisfied by *log.Logger; components accept this interface so
// tests can substitute a buffer-backed logger.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Default is the package-wide logger used when a component is constructed
// without an explicit Logger (mirrors distri's bare log.Printf calls).
var Default Logger = log.New(os.Stderr, "tmstat: ", log.LstdFlags)

// Warnf logs a warning-level message. tmstat has no log levels of its own;
// the prefix makes warnings grep-able in combined output, matching the
// "Logged warning" language used throughout spec §7.
func Warnf(l Logger, format string, v ...interface{}) {
	if l == nil {
		l = Default
	}
	l.Printf("warning: "+format, v...)
}

// Fatalf logs then terminates the process. Used only for reference-count
// violations (spec §7 "Fatal conditions"), which indicate a caller bug.
func Fatalf(l Logger, format string, v ...interface{}) {
	if l == nil {
		l = Default
	}
	l.Printf("fatal: "+format, v...)
	os.Exit(2)
}
