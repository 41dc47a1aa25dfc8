// Package logging configures the structured logger shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New returns a text logger writing to w at the given level. An unknown level
// falls back to warn, which keeps the terminal quiet during a login.
func New(level string, w io.Writer) *logrus.Logger {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.WarnLevel
		defer logger.WithError(err).Warn("Invalid log level, defaulting to warn")
	}
	logger.SetLevel(lvl)

	logger.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	if w == nil {
		w = os.Stderr
	}
	logger.SetOutput(w)

	return logger
}

// Component returns a logger entry tagged with the component name.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	return logger.WithField("component", name)
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
