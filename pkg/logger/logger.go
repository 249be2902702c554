package logger

import (
	"io"
	"log/slog"
	"strings"
)

// LevelCritical sits above Error. It is reserved for audit records that
// could be written neither to the primary store nor to the backup file.
const LevelCritical = slog.Level(12)

// ParseLevel maps LOG_LEVEL values onto slog levels. Unknown values are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a JSON logger writing to w that renders LevelCritical as
// "CRITICAL".
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}))
}
