package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level (debug|info|warn|error,
// default info for anything unrecognized) writing to stderr, and a Hub
// wired as its hook.
func New(level string) (*logrus.Logger, *Hub) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(parseLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger, NewHub(logger)
}

func parseLevel(s string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// WithTag returns a logrus.Fields-scoped entry whose "tag" field the Hub
// surfaces as Record.Tag, e.g. logging.WithTag(log, "router").Info("...").
func WithTag(logger *logrus.Logger, tag string) *logrus.Entry {
	return logger.WithField("tag", tag)
}
