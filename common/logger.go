// Package common holds the ambient infrastructure shared by the region
// allocator, the call client, and the slave entry point: a leveled logger
// and a pooled byte-slice allocator for off-region scratch memory.
package common

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// AppName prefixes every warning line, matching the original library's
// fprintf(stderr, APP_NAME " WARNING: " ...) convention.
const AppName = "remotethread"

// Logger is the leveled logging surface used internally. It is intentionally
// narrow (azcopy's common.ILogger is the model) rather than exposing the
// full logrus API, so the wire-visible stderr contract in spec.md §7 stays
// stable regardless of the backing implementation.
type Logger interface {
	Warnf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	// Panic logs err and then panics with it; used for allocator invariant
	// violations and other programmer faults, which spec.md §7 says must
	// abort the process rather than be recovered from.
	Panic(err error)
}

// warningFormatter renders only Warning-level entries, and renders them as
// a single plain line with the "remotethread WARNING: " prefix spec.md §7
// requires — no timestamp, no level tag, so automated scrapers of stderr
// see exactly what the spec documents.
type warningFormatter struct{}

func (warningFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s WARNING: %s\n", AppName, e.Message)), nil
}

type logger struct {
	warn *logrus.Logger // Warning/Error entries -> stderr, plain prefix
	info *logrus.Logger // Info/Debug entries -> stderr, normal logrus text
}

// NewLogger builds the default logger. debug enables Info/Debug output,
// which is off by default so that only the spec-mandated warning lines
// appear on stderr (a host program opts into more verbose output by
// replacing Default with NewLogger(true)).
func NewLogger(debug bool) Logger {
	warn := logrus.New()
	warn.SetOutput(os.Stderr)
	warn.SetFormatter(warningFormatter{})
	warn.SetLevel(logrus.WarnLevel)

	info := logrus.New()
	info.SetOutput(os.Stderr)
	if debug {
		info.SetLevel(logrus.DebugLevel)
	} else {
		info.SetLevel(logrus.WarnLevel)
	}

	return &logger{warn: warn, info: info}
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.warn.Warnf(format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.info.Infof(format, args...)
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.info.Debugf(format, args...)
}

func (l *logger) Panic(err error) {
	l.warn.Warnf("%s", err)
	panic(err)
}

// Default is the process-wide logger used by packages that don't take an
// explicit Logger (the region allocator's invariant-violation panics, in
// particular). It is safe to swap in tests.
var Default = NewLogger(false)

// Once is an alias for sync.Once, named for "warn exactly once per distinct
// cause" call sites. The "no servers defined" warning in the root package
// uses sync.Once directly.
type Once = sync.Once
