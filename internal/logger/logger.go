package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance writing to stdout
func New(level, format string) *Logger {
	return NewWithOutput(level, format, os.Stdout)
}

// NewWithOutput creates a new logger instance writing to out
func NewWithOutput(level, format string, out io.Writer) *Logger {
	log := logrus.New()
	log.SetLevel(ParseLevel(level))

	if format == "text" {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	log.SetOutput(out)

	return &Logger{log}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithOutput("error", "text", io.Discard)
}

// ParseLevel maps a config level name to a logrus level, defaulting to info
func ParseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithField creates a new logger with a field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields creates a new logger with multiple fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}
