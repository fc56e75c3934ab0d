package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/cortexuvula/wsbench/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global slog logger from the logging section.
// Returns the lumberjack logger (if file logging) so it can be closed on shutdown.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	var w io.Writer = os.Stderr
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	slog.SetDefault(slog.New(NewHandler(w, cfg.Level, cfg.Format)))
	return lj
}

// NewHandler builds the handler Setup installs, for callers that want a
// logger without touching the global default.
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	switch format {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// ForRun returns the default logger tagged with the run id and the library
// label, so every line of one run can be grepped together.
func ForRun(runID, library string) *slog.Logger {
	return slog.Default().With("run_id", runID, "library", library)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
