package lifecycle

import (
	"context"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
)

// HandleImageAvailable reacts to the pending image becoming available:
// the launch configuration is repointed, the project's active image
// pointer swaps, the cycle's volume records are cleared, and the
// previous image with its backing snapshots is reclaimed.
//
// Ordering is load-bearing: the repoint must be durable before the
// pointer swap commits, and the old image is deleted only after the
// swap, so there is no window where the project has no valid image.
// Re-delivery after promotion finds no project pending on the image and
// is a no-op; deleting already-deleted resources is success-by-absence.
func (s *Saga) HandleImageAvailable(ctx context.Context, e events.ImageStateChange) error {
	if e.State != events.ImageAvailable {
		return nil
	}
	if e.ImageID == "" {
		slog.Warn("image_event_missing_image_id")
		return nil
	}

	proj, err := s.store.ProjectByPendingImage(ctx, e.ImageID)
	if err != nil {
		return err
	}
	if proj == nil {
		slog.Info("image_not_pending_anywhere", "image_id", e.ImageID)
		return nil
	}

	if err := s.launch.Repoint(ctx, proj.Name, e.ImageID); err != nil {
		// Redelivery retries the whole promotion; nothing has been
		// committed yet.
		return errors.Wrap(err, "failed to repoint launch configuration")
	}

	applied, oldImageID, err := s.store.CompletePromotion(ctx, proj.Name, e.ImageID)
	if err != nil {
		return err
	}
	if !applied {
		slog.Info("promotion_already_completed", "project", proj.Name, "image_id", e.ImageID)
		return nil
	}

	slog.Info("project_ready", "project", proj.Name, "image_id", e.ImageID, "old_image_id", oldImageID)

	// Cleanup below is best-effort: the promotion is committed and a
	// partial cleanup costs storage, not correctness.
	if err := s.store.DeleteVolumeRecords(ctx, proj.Name); err != nil {
		slog.Warn("cycle_record_cleanup_failed", "project", proj.Name, "error", err)
	}

	if oldImageID != "" && oldImageID != e.ImageID {
		s.reclaimImage(ctx, proj.Name, oldImageID)
	}
	return nil
}

// reclaimImage deregisters a previous image and deletes its backing
// snapshots, but only when the image is one this system created.
func (s *Saga) reclaimImage(ctx context.Context, project, imageID string) {
	img, err := s.cloud.DescribeImage(ctx, imageID)
	if err != nil {
		slog.Warn("old_image_describe_failed", "project", project, "image_id", imageID, "error", err)
		return
	}
	if img == nil {
		slog.Info("old_image_already_gone", "project", project, "image_id", imageID)
		return
	}
	if img.ManagedBy != cloud.ManagedByValue {
		// The first cycle of a project typically starts from a stock
		// base image; never delete what we did not create.
		slog.Info("old_image_not_managed", "project", project, "image_id", imageID)
		return
	}

	slog.Info("reclaiming_old_image", "project", project, "image_id", imageID,
		"snapshot_count", len(img.SnapshotIDs))

	if err := s.cloud.DeregisterImage(ctx, imageID); err != nil {
		slog.Warn("old_image_deregister_failed", "image_id", imageID, "error", err)
		return
	}
	for _, snapshotID := range img.SnapshotIDs {
		if err := s.cloud.DeleteSnapshot(ctx, snapshotID); err != nil {
			slog.Warn("old_snapshot_delete_failed", "snapshot_id", snapshotID, "error", err)
		}
	}
}
