// Package logging provides the package-level configured logger used
// across the producer, consumer, retry daemon, and sweeper binaries.
package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/AkikoAkaki/streamq/internal/config"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)
}

// Init configures the package-level logger from a LoggingConfig. An
// unparseable level falls back to info rather than failing startup.
func Init(cfg config.LoggingConfig) {
	lvl, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	switch cfg.Format {
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
}

// Get returns the package-level logger.
func Get() *logrus.Logger {
	return logger
}

// WithField returns an entry on the package-level logger.
func WithField(key string, value interface{}) *logrus.Entry {
	return logger.WithField(key, value)
}

// WithFields returns an entry on the package-level logger.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}
