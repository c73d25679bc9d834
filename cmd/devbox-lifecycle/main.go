package main

import (
	"log/slog"
	"os"

	"github.com/devbox-infra/lifecycle/cmd/devbox-lifecycle/commands"
)

func main() {
	// Initialize structured logger with text format for readability;
	// commands reconfigure it once configuration is loaded.
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
