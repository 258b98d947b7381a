package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log is the process logger. It is usable before Bootstrap runs so packages
// and tests never see a nil logger.
var Log = logrus.New()

// Bootstrap configures Log from the given level and format ("text" or "json").
func Bootstrap(level, format string) {
	logger := logrus.New()
	logger.Out = os.Stdout
	logger.SetReportCaller(false)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		logger.Formatter = &logrus.JSONFormatter{}
	default:
		logger.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	}

	parsed, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	Log = logger
}

// Component returns an entry tagged with the owning component name.
func Component(name string) *logrus.Entry {
	return Log.WithField("component", name)
}
