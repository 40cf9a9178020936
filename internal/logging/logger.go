// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the process-wide logger, ready to use with its zero configuration
// (info level, stdout) until New replaces it at startup.
var Log = New("info", "stdout")

// New builds a logrus logger with JSON output, matching the field set an
// operator's log-scraping setup expects: level, millisecond timestamp, and
// (via WithField) an "kind" tag on bridge errors.
func New(level, output string) *logrus.Logger {
	logger := logrus.New()

	switch level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if output == "" || output == "stdout" {
		logger.SetOutput(os.Stdout)
	} else {
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			logger.SetOutput(file)
		} else {
			logger.SetOutput(os.Stdout)
			logger.Warnf("could not open log file %s, falling back to stdout: %v", output, err)
		}
	}

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	return logger
}

// SetLevel adjusts the level of the process-wide logger after startup.
func SetLevel(level string) {
	switch level {
	case "debug":
		Log.SetLevel(logrus.DebugLevel)
	case "info":
		Log.SetLevel(logrus.InfoLevel)
	case "warn":
		Log.SetLevel(logrus.WarnLevel)
	case "error":
		Log.SetLevel(logrus.ErrorLevel)
	default:
		Log.SetLevel(logrus.InfoLevel)
	}
}

// errKindKey is the structured field name used to tag a logged error with
// its ErrorKind so downstream log scraping can filter without parsing text.
const errKindKey = "kind"

// WithKind returns a logrus entry pre-tagged with an error-kind field.
func WithKind(kind fmt.Stringer) *logrus.Entry {
	return Log.WithField(errKindKey, kind.String())
}
