package freshdiskann

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with index-specific helpers. Soft errors (tag
// lookups, duplicate tags, snapshot uploads) are reported through this sink;
// fatal errors are returned to the caller instead.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler. If handler is nil, a
// text handler to stderr at Info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that writes human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewJSONLogger creates a Logger that writes JSON to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // unreachable level
	}))
}

// LogSoftError records a tolerated per-operation error.
func (l *Logger) LogSoftError(op string, label uint32, err error) {
	l.Warn("soft error",
		"op", op,
		"label", label,
		"error", err,
	)
}

// LogMerge records the outcome of a merge.
func (l *Logger) LogMerge(memPoints, diskPoints int, err error) {
	if err != nil {
		l.Error("merge failed",
			"mem_points", memPoints,
			"error", err,
		)
	} else {
		l.Info("merge completed",
			"merged_points", memPoints,
			"disk_points", diskPoints,
		)
	}
}

// LogSnapshot records a blob-store snapshot upload.
func (l *Logger) LogSnapshot(name string, err error) {
	if err != nil {
		l.Error("snapshot upload failed",
			"name", name,
			"error", err,
		)
	} else {
		l.Info("snapshot uploaded",
			"name", name,
		)
	}
}
