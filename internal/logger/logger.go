// Package logger configures the process-wide slog logger. Output goes
// to stdout by default; when a log file is configured it is rotated
// with lumberjack.
package logger

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults (lumberjack semantics)
const (
	DefaultMaxSizeMB  = 50 // MB
	DefaultMaxBackups = 5  // number of backup files
	DefaultMaxAgeDays = 14 // days
)

// Setup installs the default slog logger. format is "text" or "json";
// file, when non-empty, is a rotating log file written in addition to
// stdout.
func Setup(format, file string) {
	var out io.Writer = os.Stdout
	if file != "" {
		rotated := &lj.Logger{
			Filename:   file,
			MaxSize:    DefaultMaxSizeMB,
			MaxBackups: DefaultMaxBackups,
			MaxAge:     DefaultMaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, rotated)
	}

	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	slog.SetDefault(slog.New(handler))
}
