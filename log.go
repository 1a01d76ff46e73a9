package webcodecs

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var defaultLogger atomic.Pointer[logrus.FieldLogger]

func init() {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.WarnLevel)
	var fl logrus.FieldLogger = l
	defaultLogger.Store(&fl)
}

// Logger returns the package logger used by runtimes built without one.
func Logger() logrus.FieldLogger {
	return *defaultLogger.Load()
}

// SetLogger replaces the package logger. A nil logger discards output.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		l = discard
	}
	defaultLogger.Store(&l)
}

// ParseLogLevel parses a logrus level name; an empty name means warn.
func ParseLogLevel(s string) (logrus.Level, error) {
	if s == "" {
		return logrus.WarnLevel, nil
	}
	return logrus.ParseLevel(s)
}
