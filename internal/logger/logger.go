// Package logger builds the process-wide logrus logger.
package logger

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New returns a logger at the given level. An unknown level falls back to
// info rather than failing: logging must never block startup.
func New(level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.TimeOnly,
	})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
