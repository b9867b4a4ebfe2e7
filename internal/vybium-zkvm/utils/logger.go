package utils

import (
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

// NewLogger creates a logfmt logger writing to w at the given level.
func NewLogger(w io.Writer, lvl slog.Level) log.Logger {
	return log.NewLogger(log.LogfmtHandlerWithLevel(w, lvl))
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() log.Logger {
	return NewLogger(io.Discard, slog.LevelError)
}

// ParseLevel maps a level name to its slog level. Unknown names yield info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDiscard returns l, or a discard logger when l is nil.
func OrDiscard(l log.Logger) log.Logger {
	if l == nil {
		return DiscardLogger()
	}
	return l
}
