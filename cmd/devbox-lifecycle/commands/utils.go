package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/devbox-infra/lifecycle/internal/config"
	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/launchconfig"
	"github.com/devbox-infra/lifecycle/pkg/lifecycle"
	"github.com/devbox-infra/lifecycle/pkg/state"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(dbPath, fsmDBPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	// Recovery FSM database directory (only needed for recover command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	return nil
}

// buildSaga wires the state store and cloud collaborators into the saga
// handlers. Callers must Close the returned store.
func buildSaga(ctx context.Context, cfg *config.Config) (*state.Store, *cloud.Client, *lifecycle.Saga, error) {
	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "state store init failed")
	}

	compute, err := cloud.NewClient(ctx, cfg.AWSRegion)
	if err != nil {
		store.Close()
		return nil, nil, nil, errors.Wrap(err, "cloud client failed")
	}

	repointer, err := launchconfig.NewSSMRepointer(ctx, cfg.AWSRegion, cfg.SSMPrefix)
	if err != nil {
		store.Close()
		return nil, nil, nil, errors.Wrap(err, "launch config client failed")
	}

	return store, compute, lifecycle.New(store, compute, repointer), nil
}
