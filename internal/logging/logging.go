package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var jsonOutput atomic.Bool

// SetFormat selects the log output, "json" or "console" (default).
func SetFormat(format string) {
	jsonOutput.Store(strings.EqualFold(format, "json"))
}

// return new logger with <loglevel> debug,info,warn,error and optional key/value context
//
//	logger := logging.NewLogger("info", "component", "DashboardController")
func NewLogger(logLevel string, keyvals ...string) *zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	if jsonOutput.Load() {
		out = os.Stderr
	}
	zerolog.TimestampFunc = func() time.Time {
		return time.Now().UTC()
	}
	builder := zerolog.New(out).With().Timestamp()
	for i := 0; i+1 < len(keyvals); i += 2 {
		builder = builder.Str(keyvals[i], keyvals[i+1])
	}
	// level is set per logger, the global level stays at trace
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger := builder.Logger().Level(level)
	return &logger
}
