// Package logging provides structured logging for the data plane core.
// It keeps a process-wide logger so that deeply nested components (queue
// drain, apply pipeline, socket read loop) can log without threading a
// logger through every constructor.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields carries structured context attached to a log entry.
type Fields = logrus.Fields

var (
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Safe to call more than once; only the
// first call takes effect.
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = newLogger(out, level)
	})
}

// Get returns the global logger, initializing it with defaults if needed.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

func newLogger(out io.Writer, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Debug logs a debug message with optional fields.
func Debug(message string, fields Fields) {
	Get().WithFields(fields).Debug(message)
}

// Info logs an info message with optional fields.
func Info(message string, fields Fields) {
	Get().WithFields(fields).Info(message)
}

// Warn logs a warning message with optional fields.
func Warn(message string, fields Fields) {
	Get().WithFields(fields).Warn(message)
}

// Error logs an error message with optional fields.
func Error(message string, err error, fields Fields) {
	entry := Get().WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
