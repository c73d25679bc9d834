package lifecycle

import (
	"context"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/devbox-infra/lifecycle/pkg/state"
)

// HandleVolumeAvailable reacts to a volume detaching: once its snapshot
// has completed the volume's data lives in the snapshot chain and the
// volume itself is spent, so it is deleted.
//
// This is a best-effort sweeper decoupled from the main saga: it is
// never required for promotion, and it only ever deletes volumes the
// saga tracks. A volume whose snapshot is still running is left alone;
// failure here leaks storage cost, not correctness.
func (s *Saga) HandleVolumeAvailable(ctx context.Context, e events.VolumeNotification) error {
	if e.State != events.VolumeDetached {
		return nil
	}
	if e.VolumeID == "" {
		slog.Warn("volume_event_missing_volume_id")
		return nil
	}

	rec, err := s.store.VolumeRecordByVolume(ctx, e.VolumeID)
	if err != nil {
		return err
	}
	if rec == nil {
		// Not a volume this saga tracks; never touch it.
		slog.Info("volume_untracked", "volume_id", e.VolumeID)
		return nil
	}

	if rec.State != state.SnapshotComplete {
		slog.Info("volume_awaiting_snapshot", "project", rec.Project, "volume_id", e.VolumeID,
			"snapshot_id", rec.SnapshotID)
		return nil
	}

	// The event may be stale; only delete what is actually detached.
	volState, err := s.cloud.VolumeState(ctx, e.VolumeID)
	if err != nil {
		return errors.Wrap(err, "failed to check volume state")
	}
	switch volState {
	case "":
		slog.Info("volume_already_deleted", "volume_id", e.VolumeID)
		return nil
	case cloud.VolumeAvailable:
		// Detached and snapshotted: reclaim.
	default:
		slog.Info("volume_not_detached", "volume_id", e.VolumeID, "state", volState)
		return nil
	}

	if err := s.cloud.DeleteVolume(ctx, e.VolumeID); err != nil {
		return errors.Wrap(err, "failed to delete volume")
	}

	slog.Info("orphan_volume_reclaimed", "project", rec.Project, "volume_id", e.VolumeID)
	return nil
}
