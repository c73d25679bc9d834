package lifecycle

import (
	"context"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/devbox-infra/lifecycle/pkg/state"
)

// HandleSnapshotCompletion reacts to a snapshot finishing: the matching
// record flips to SNAPSHOT_COMPLETE, and when every volume of the cycle
// is complete a new image is registered from the snapshot set and the
// project transitions to IMAGE_PENDING.
//
// The fan-in check is recomputed from durable state on every completion
// event; an invocation never assumes it will see all N events. Two
// events racing past the threshold both evaluate the fan-in, but only
// one wins the conditional IMAGE_PENDING transition, and the image name
// derived from the snapshot set keeps even the registration idempotent.
func (s *Saga) HandleSnapshotCompletion(ctx context.Context, e events.SnapshotNotice) error {
	if e.SnapshotID == "" {
		slog.Warn("completion_missing_snapshot_id")
		return nil
	}
	snapshotID := snapshotIDFromARN(e.SnapshotID)

	rec, err := s.store.VolumeRecordBySnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if rec == nil {
		slog.Warn("completion_untracked_snapshot", "snapshot_id", snapshotID)
		return nil
	}

	if e.Result != events.SnapshotSucceeded {
		// The record stays PENDING and the cycle stalls; external
		// monitoring of project status age escalates it.
		slog.Warn("snapshot_failed", "project", rec.Project, "snapshot_id", snapshotID,
			"volume_id", rec.VolumeID, "result", e.Result)
		return nil
	}

	applied, err := s.store.MarkSnapshotComplete(ctx, rec.Project, rec.VolumeID)
	if err != nil {
		return err
	}
	if !applied {
		slog.Info("completion_already_recorded", "project", rec.Project, "snapshot_id", snapshotID)
	}

	return s.EvaluateFanIn(ctx, rec.Project)
}

// EvaluateFanIn checks whether every volume of the project's cycle has
// completed and, if so, registers the image and claims IMAGE_PENDING.
func (s *Saga) EvaluateFanIn(ctx context.Context, project string) error {
	proj, err := s.store.GetProject(ctx, project)
	if err != nil {
		return err
	}
	if proj == nil {
		slog.Warn("fan_in_project_missing", "project", project)
		return nil
	}
	if proj.Status != state.StatusSnapshotting {
		// A duplicate completion event after the cycle moved on.
		slog.Info("fan_in_cycle_not_snapshotting", "project", project, "status", proj.Status)
		return nil
	}

	done, err := s.store.CountComplete(ctx, project, proj.InstanceID)
	if err != nil {
		return err
	}
	slog.Info("fan_in_progress", "project", project, "done", done, "expected", proj.ExpectedVolumeCount)
	if done < proj.ExpectedVolumeCount {
		return nil
	}

	records, err := s.store.ListCycleRecords(ctx, project, proj.InstanceID)
	if err != nil {
		return err
	}

	var mappings []cloud.BlockDeviceMapping
	var snapshotIDs []string
	for _, rec := range records {
		if rec.State != state.SnapshotComplete {
			// The count passed but this record has not: the image must
			// never be built from an unfinished snapshot.
			slog.Warn("fan_in_record_still_pending", "project", project,
				"volume_id", rec.VolumeID, "snapshot_id", rec.SnapshotID)
			return nil
		}

		snap, err := s.cloud.DescribeSnapshot(ctx, rec.SnapshotID)
		if err != nil {
			return errors.Wrapf(err, "failed to describe snapshot %s", rec.SnapshotID)
		}
		if snap == nil {
			slog.Warn("fan_in_snapshot_vanished", "project", project, "snapshot_id", rec.SnapshotID)
			return nil
		}
		mappings = append(mappings, cloud.BlockDeviceMapping{
			DeviceName:    rec.DeviceName,
			SnapshotID:    rec.SnapshotID,
			VolumeSizeGiB: snap.VolumeSizeGiB,
			VolumeType:    snap.VolumeType,
		})
		snapshotIDs = append(snapshotIDs, rec.SnapshotID)
	}

	rootDevice := proj.RootDeviceName
	if rootDevice == "" && len(records) > 0 {
		rootDevice = records[0].DeviceName
	}

	name := ImageName(project, snapshotIDs)
	imageID, registered, err := s.findOrRegisterImage(ctx, cloud.ImageSpec{
		Name:               name,
		Project:            project,
		RootDeviceName:     rootDevice,
		Architecture:       proj.Architecture,
		VirtualizationType: proj.VirtualizationType,
		Mappings:           mappings,
	})
	if err != nil {
		return err
	}

	applied, err := s.store.SetPendingImage(ctx, project, imageID)
	if err != nil {
		return err
	}
	if !applied {
		// Lost the transition race. If the winner claimed a different
		// image, the one registered here is speculative and discarded.
		current, err := s.store.GetProject(ctx, project)
		if err != nil {
			return err
		}
		if registered && current != nil && current.PendingImageID != imageID {
			slog.Info("fan_in_discarding_speculative_image", "project", project, "image_id", imageID)
			if err := s.cloud.DeregisterImage(ctx, imageID); err != nil {
				slog.Warn("speculative_image_deregister_failed", "image_id", imageID, "error", err)
			}
		}
		return nil
	}

	slog.Info("image_pending", "project", project, "image_id", imageID,
		"snapshot_count", len(snapshotIDs))
	return nil
}

// findOrRegisterImage returns the id of the image with the derived name,
// registering it if absent. Reports whether this call did the registering.
func (s *Saga) findOrRegisterImage(ctx context.Context, spec cloud.ImageSpec) (string, bool, error) {
	existing, err := s.cloud.FindImageByName(ctx, spec.Name)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		slog.Info("image_already_registered", "project", spec.Project, "image_id", existing.ID, "name", spec.Name)
		return existing.ID, false, nil
	}

	imageID, err := s.cloud.RegisterImage(ctx, spec)
	if err != nil {
		return "", false, errors.Wrap(err, "failed to register image")
	}
	return imageID, true, nil
}
