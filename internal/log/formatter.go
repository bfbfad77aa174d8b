// Package log provides logrus configuration shared by offline_sync components.
package log

import (
	"github.com/sirupsen/logrus"
)

// TimestampFormat is used for every log line so that entries from the drain loop
// and the HTTP layer can be correlated.
const TimestampFormat = "2006-01-02 15:04:05.000"

// NewFormatter returns the text formatter used by the binary
func NewFormatter(noColors bool) logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors:    noColors,
		ForceColors:      !noColors,
		FullTimestamp:    true,
		TimestampFormat:  TimestampFormat,
		QuoteEmptyFields: true,
		DisableSorting:   false,
	}
}

// WithComponent returns an entry tagged with the component name
func WithComponent(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
