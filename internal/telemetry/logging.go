package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Logger wraps the process slog.Logger with runtime level control so a
// config reload can raise or lower verbosity without a restart.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *os.File
}

// NewLogger builds the process logger: JSON lines appended to
// <dataDir>/logs/server.jsonl, mirrored to stdout unless quiet.
func NewLogger(dataDir, level string, quiet bool) (*Logger, error) {
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	logFilePath := filepath.Join(logDir, "server.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lvl := &slog.LevelVar{}
	lvl.Set(parseLevel(level))

	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			return a
		},
	})
	base := slog.New(handler).With("component", "server", "trace_id", "-")
	return &Logger{Logger: base, level: lvl, file: file}, nil
}

// SetLevel changes the minimum level of all handlers sharing this logger.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

func (l *Logger) Close() error {
	return l.file.Close()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
