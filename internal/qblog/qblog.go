// Package qblog is the logging shim every qb component writes through.
// It wraps the standard library's log.Logger so call sites read like
// plain log.Printf, but output can be redirected from one place.
//
// Author: coreipc
// License: Apache-2.0
package qblog

import (
	"log"
	"os"
)

// Logger is the minimal sink every qb package depends on.
type Logger struct {
	*log.Logger
}

// Default writes to stderr with a "qb: " prefix.
var Default = &Logger{Logger: log.New(os.Stderr, "qb: ", log.LstdFlags|log.Lmicroseconds)}

// Warnf logs at warn level: failed authentication and other recoverable
// protocol violations.
func (l *Logger) Warnf(format string, args ...any) {
	l.Printf("WARN "+format, args...)
}

// Errorf logs at error level: ring invariant violations and other
// conditions that indicate a bug rather than ordinary peer misbehavior.
func (l *Logger) Errorf(format string, args ...any) {
	l.Printf("ERROR "+format, args...)
}
