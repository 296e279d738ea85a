// Package logging builds the prefixed loggers used across the bridge.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup returns a factory for component loggers. When logFile is empty
// all loggers write to stderr; otherwise they also write to a rotating
// file (10 MB per file, 5 backups, 30 days retention).
func Setup(logFile string) func(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if logFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		})
	}

	return func(prefix string) *log.Logger {
		return log.New(out, prefix, log.LstdFlags)
	}
}
