package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the root logger. format is "text" (default) or "json".
// An unparsable level falls back to info and is returned as an error alongside the logger.
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(out)

	switch strings.ToLower(format) {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	default:
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
		return log, fmt.Errorf("unknown log format %q, using text", format)
	}

	log.SetLevel(logrus.InfoLevel)
	if level == "" {
		return log, nil
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return log, fmt.Errorf("invalid log level '%s', using default 'info': %w", level, err)
	}
	log.SetLevel(parsed)
	return log, nil
}
