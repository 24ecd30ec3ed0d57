package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup configures the process-wide zerolog logger and returns it.
// Console output goes to stderr; setting ICALQ_LOG_JSON=1 switches to
// raw JSON lines for log shippers.
func Setup(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if os.Getenv("ICALQ_LOG_JSON") == "1" {
		out = os.Stderr
	}

	logger := zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &logger

	return logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
