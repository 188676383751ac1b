package infra

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger creates a JSON slog.Logger writing to stdout and a rotating file under
// logging.dir. Every record carries the app name and version.
func NewLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: ParseLevel(cfg.Logging.Level),
		// source lines in debug only
		AddSource: ParseLevel(cfg.Logging.Level) == slog.LevelDebug,
	}

	var writer io.Writer = os.Stdout
	if err := os.MkdirAll(cfg.Logging.Dir, 0755); err == nil {
		fileLogger := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.Dir, cfg.App.Name+".log"),
			MaxSize:    cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAgeDays,
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stdout, fileLogger)
	} else {
		// stdout only
		slog.Error("Failed to create log directory", slog.String("dir", cfg.Logging.Dir), slog.Any("error", err))
	}

	return slog.New(slog.NewJSONHandler(writer, opts)).With(
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
	)
}

// ParseLevel maps logging.level to a slog level. Unknown values mean info.
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
