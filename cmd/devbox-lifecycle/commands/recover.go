package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/devbox-infra/lifecycle/internal/config"
	"github.com/devbox-infra/lifecycle/internal/logger"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/recovery"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <project>",
	Short: "Drive a stalled snapshot cycle forward",
	Long: `Interrogates the cloud for what actually happened to a stalled cycle's
snapshots and pending image, replays any lost events against the state
store, and re-evaluates the fan-in. Safe to run while events are still
being delivered.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	project := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	logger.Setup(cfg.LogFormat, cfg.LogFile)

	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath); err != nil {
		return err
	}

	store, compute, saga, err := buildSaga(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := recovery.NewMachine(store, compute, saga, cfg.RecoverMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &recovery.RecoverRequest{Project: project}
	resp := &recovery.RecoverResponse{}

	version, err := start(ctx, project, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("recovery started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "recovery failed")
	}

	fmt.Printf("project %s: %s -> %s", project, resp.StatusBefore, resp.StatusAfter)
	if resp.Note != "" {
		fmt.Printf(" (%s)", resp.Note)
	}
	fmt.Println()

	return nil
}
