package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns a slog.Logger configured for the desired verbosity and format.
// Records go to stdout and to every extra writer, e.g. an opened log file.
func NewLogger(level string, json bool, extra ...io.Writer) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if len(extra) > 0 {
		out = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: handlerLevel})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: handlerLevel})
	}

	return slog.New(handler)
}

// OpenLogFile opens path for appending log records. An empty path yields a nil writer.
func OpenLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}
