package commands

import (
	"context"
	"fmt"

	"github.com/devbox-infra/lifecycle/internal/config"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/state"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List all projects and their lifecycle status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.DBPath, ""); err != nil {
		return err
	}

	store, err := state.NewStore(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "state store init failed")
	}
	defer store.Close()

	projects, err := store.ListProjects(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(projects) == 0 {
		fmt.Println("No projects found")
		return nil
	}

	fmt.Printf("%-20s %-14s %-22s %-22s %-10s\n", "PROJECT", "STATUS", "CURRENT IMAGE", "PENDING IMAGE", "SNAPSHOTS")
	fmt.Println("--------------------------------------------------------------------------------------------")

	for _, p := range projects {
		currentImage := p.CurrentImageID
		if currentImage == "" {
			currentImage = "-"
		}
		pendingImage := p.PendingImageID
		if pendingImage == "" {
			pendingImage = "-"
		}

		progress := "-"
		if p.Status == state.StatusSnapshotting || p.Status == state.StatusImagePending {
			done, err := store.CountComplete(ctx, p.Name, p.InstanceID)
			if err != nil {
				return errors.Wrap(err, "count failed")
			}
			progress = fmt.Sprintf("%d/%d", done, p.ExpectedVolumeCount)
		}

		fmt.Printf("%-20s %-14s %-22s %-22s %-10s\n",
			p.Name, p.Status, currentImage, pendingImage, progress)
	}

	return nil
}
