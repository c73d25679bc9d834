package commands

import (
	"context"
	"io"
	"os"

	"github.com/devbox-infra/lifecycle/internal/config"
	"github.com/devbox-infra/lifecycle/internal/logger"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/spf13/cobra"
)

var handleCmd = &cobra.Command{
	Use:   "handle <event-file>",
	Short: "Process a single event envelope from a file (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runHandle,
}

func init() {
	rootCmd.AddCommand(handleCmd)
}

func runHandle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	logger.Setup(cfg.LogFormat, cfg.LogFile)

	var raw []byte
	if args[0] == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(args[0])
	}
	if err != nil {
		return errors.Wrap(err, "failed to read event")
	}

	if err := ensureDirectories(cfg.DBPath, ""); err != nil {
		return err
	}

	store, _, saga, err := buildSaga(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return events.NewDispatcher(saga).Dispatch(ctx, raw)
}
