// Package logging configures the process-wide structured logger used by
// every component of the engine.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger configured for the engine: JSON output in
// production, human-readable text when LOG_FORMAT=text (handy for local
// development), level controlled by LOG_LEVEL (defaults to info).
func New(component string) *logrus.Entry {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	if os.Getenv("LOG_FORMAT") == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log.WithField("component", component)
}
