// Package logger initializes the process-wide zerolog sink.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Components derive child loggers via
// Logger.With().Str("component", ...).Logger().
var Logger zerolog.Logger

// Init configures the root logger from LOG_LEVEL and LOG_FORMAT.
// LOG_FORMAT=console gives human output; anything else is JSON.
func Init() {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}
