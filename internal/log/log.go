// Package log exposes a set of package-level leveled loggers shared by every
// component in this module, the way the teacher package (v1/log) exposed
// INFO/WARNING/ERROR package vars backed by the standard library logger.
// Here they are backed by logrus so callers get structured fields for free.
package log

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var (
	// DEBUG logs verbose, high-frequency events (poll ticks, lease renewals).
	DEBUG = newEntry(logrus.DebugLevel)
	// INFO logs lifecycle transitions (worker online/offline, task completed).
	INFO = newEntry(logrus.InfoLevel)
	// WARNING logs recoverable anomalies (lease lost, requeue of unknown task).
	WARNING = newEntry(logrus.WarnLevel)
	// ERROR logs failures the worker could not route around locally.
	ERROR = newEntry(logrus.ErrorLevel)

	base = logrus.New()
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(logrus.InfoLevel)
}

func newEntry(level logrus.Level) *logrus.Entry {
	return logrus.NewEntry(base).WithField("level", level.String())
}

// SetLogger swaps the underlying logrus logger used by every package-level
// entry. Host applications call this once at startup to route asynctasq's
// logs into their own pipeline.
func SetLogger(l *logrus.Logger) {
	base = l
	DEBUG = newEntry(logrus.DebugLevel)
	INFO = newEntry(logrus.InfoLevel)
	WARNING = newEntry(logrus.WarnLevel)
	ERROR = newEntry(logrus.ErrorLevel)
}

// SetOutput redirects all log levels to w, e.g. io.Discard in tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// SetLevel adjusts the minimum level that reaches the output.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// WithField returns a derived entry carrying an extra structured field,
// useful at call sites that want one-off context without polluting the
// package-level loggers.
func WithField(key string, value interface{}) *logrus.Entry {
	return base.WithField(key, value)
}
