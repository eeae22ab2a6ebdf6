// Package logging wires up the process-wide structured logger. Every
// component gets a *logrus.Entry tagged with its own "component" field so log
// lines can be filtered per subsystem without touching the handlers
// themselves.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New configures the root logger at the given level (trace..error) and
// returns it. Call once at startup.
func New(level string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(lvl)
	return log, nil
}

// For returns a component-scoped entry.
func For(log *logrus.Logger, component string) *logrus.Entry {
	return log.WithField("component", component)
}
