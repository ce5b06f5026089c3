package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger installs the process-wide slog logger writing to stdout.
// level is one of debug, info, warn, error; format is json or text.
func InitLogger(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger over w. Unknown levels fall back to info and unknown formats to json.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "regression-trainer")
}

// ParseLevel maps a level name to a slog level
func ParseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}
