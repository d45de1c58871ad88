// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const timestampFormat = "2006-01-02 15:04:05"

// Formats accepted by New.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// New creates a logger with the given level and format. Text output carries
// full timestamps; anything other than "text" logs JSON.
func New(level, format string, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lv, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.Level = lv

	if strings.EqualFold(strings.TrimSpace(format), FormatText) {
		customFormatter := new(logrus.TextFormatter)
		customFormatter.FullTimestamp = true
		customFormatter.TimestampFormat = timestampFormat
		logger.Formatter = customFormatter
	} else {
		customFormatter := new(logrus.JSONFormatter)
		customFormatter.TimestampFormat = timestampFormat
		logger.Formatter = customFormatter
	}

	if out == nil {
		out = os.Stderr
	}
	logger.Out = out
	return logger, nil
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.Out = io.Discard
	return logger
}
