package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/polyresolve/internal/config"
)

// ParseLevel maps a config log level to slog. Unknown values yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// NewLogger builds the JSON logger. When cfg.LogFile.Path is set, output is
// also written to a rotated file. The returned func closes that file.
func NewLogger(stdout io.Writer, cfg *config.Config) (*slog.Logger, func()) {
	if stdout == nil {
		stdout = os.Stdout
	}
	w := stdout
	closeFn := func() {}
	if cfg.LogFile.Path != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile.Path,
			MaxSize:    cfg.LogFile.MaxSizeMB,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxAgeDays,
			Compress:   cfg.LogFile.Compress,
		}
		w = io.MultiWriter(stdout, rotator)
		closeFn = func() { _ = rotator.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(cfg.LogLevel),
	}))
	return logger, closeFn
}
