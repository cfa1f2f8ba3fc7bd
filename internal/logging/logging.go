// Package logging provides structured logging for the Metroo hub and agent.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// ParseLevel maps a configured level name to a slog.Level. Names are
// case-insensitive, "warning" is accepted for warn, and anything
// unrecognised falls back to info.
func ParseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		level = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Component returns logger tagged with the component name, or a discarding
// logger when logger is nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// Common attribute keys for consistent logging.
const (
	KeyAgentID      = "agent_id"
	KeyConnectionID = "connection_id"
	KeyServiceID    = "service_id"
	KeyServiceName  = "service_name"
	KeyPort         = "port"
	KeyTarget       = "target"
	KeyFrameType    = "frame_type"
	KeyCode         = "code"
	KeyReason       = "reason"
	KeyError        = "error"
	KeyComponent    = "component"
	KeyRemoteAddr   = "remote_addr"
	KeyAddress      = "address"
	KeyDuration     = "duration"
	KeyCount        = "count"
)
