package cli

import (
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/fedlog/internal/config"
)

// parseLevel maps a config level name to a slog level. Unknown names
// fall back to Info; config validation rejects them earlier.
func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// newLogger builds the process logger. --verbose forces Debug. The
// returned LevelVar lets a config reload change the level in place.
func newLogger(w io.Writer, lc config.Log, verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	level.Set(parseLevel(lc.Level))
	if verbose {
		level.Set(slog.LevelDebug)
	}

	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return slog.New(handler), level
}
