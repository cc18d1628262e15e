package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevelEnv overrides the configured log level.
const LogLevelEnv = "FNBOX_LOG_LEVEL"

// InitLogger configures the global zerolog logger. format is "console"
// (default) or "json". Unknown levels fall back to info.
func InitLogger(app, level, format string) zerolog.Logger {
	return initLogger(os.Stderr, app, level, format)
}

func initLogger(out io.Writer, app, level, format string) zerolog.Logger {
	if env := strings.TrimSpace(os.Getenv(LogLevelEnv)); env != "" {
		level = env
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	if format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
