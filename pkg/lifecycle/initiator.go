package lifecycle

import (
	"context"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/devbox-infra/lifecycle/pkg/state"
)

// HandleInstanceShutdown reacts to an instance entering shutting-down:
// one snapshot per attached volume, a PENDING record each, then the
// project transitions to SNAPSHOTTING with the expected volume count.
//
// Snapshot creation happens before the status transition so a crash
// mid-handler leaves re-runnable PENDING work rather than a status with
// no records behind it. Re-delivery while a cycle is already in flight
// only tops up missing records and never resets counts.
func (s *Saga) HandleInstanceShutdown(ctx context.Context, e events.InstanceStateChange) error {
	if e.State != events.InstanceShuttingDown {
		return nil
	}
	if e.InstanceID == "" {
		slog.Warn("shutdown_missing_instance_id")
		return nil
	}

	inst, err := s.cloud.DescribeInstance(ctx, e.InstanceID)
	if err != nil {
		return errors.Wrap(err, "failed to describe instance")
	}
	if inst == nil {
		slog.Warn("shutdown_instance_not_found", "instance_id", e.InstanceID)
		return nil
	}
	if inst.Project == "" {
		slog.Warn("shutdown_instance_missing_project_tag", "instance_id", e.InstanceID)
		return nil
	}

	project := inst.Project
	slog.Info("shutdown_received", "instance_id", e.InstanceID, "project", project,
		"volume_count", len(inst.Volumes))

	if len(inst.Volumes) == 0 {
		// Nothing to snapshot; no cycle is started and the project
		// keeps its current image.
		slog.Info("shutdown_no_volumes", "project", project, "instance_id", e.InstanceID)
		return nil
	}

	if err := s.store.EnsureProject(ctx, project); err != nil {
		return err
	}

	proj, err := s.store.GetProject(ctx, project)
	if err != nil {
		return err
	}
	if proj != nil && proj.InstanceID != "" && proj.InstanceID != e.InstanceID &&
		(proj.Status == state.StatusSnapshotting || proj.Status == state.StatusImagePending) {
		// Another instance's cycle is mid-flight. Writing records for
		// this instance would pollute that cycle's fan-in, so nothing
		// is snapshotted; redelivery retries once the cycle resolves.
		slog.Info("cycle_busy_with_other_instance", "project", project,
			"instance_id", e.InstanceID, "active_instance_id", proj.InstanceID)
		return nil
	}

	existing, err := s.store.ListVolumeRecords(ctx, project)
	if err != nil {
		return err
	}
	recorded := make(map[string]bool, len(existing))
	for _, rec := range existing {
		recorded[rec.VolumeID] = true
	}

	for _, vol := range inst.Volumes {
		// The volume id is the natural idempotency key: a volume
		// that already has a record this cycle is not re-snapshotted.
		if recorded[vol.ID] {
			slog.Info("snapshot_already_recorded", "project", project, "volume_id", vol.ID)
			continue
		}

		snapshotID, err := s.cloud.CreateSnapshot(ctx, project, vol.ID)
		if err != nil {
			// Redelivery retries the remaining volumes; records
			// already written above are skipped then.
			return errors.Wrapf(err, "failed to snapshot volume %s", vol.ID)
		}

		applied, err := s.store.PutVolumeRecord(ctx, state.VolumeSnapshot{
			Project:    project,
			VolumeID:   vol.ID,
			SnapshotID: snapshotID,
			DeviceName: vol.DeviceName,
			InstanceID: e.InstanceID,
		})
		if err != nil {
			return err
		}
		if !applied {
			// A concurrent delivery recorded this volume first; our
			// snapshot is a spare and cheap to discard.
			slog.Info("snapshot_record_lost_race", "project", project, "volume_id", vol.ID, "snapshot_id", snapshotID)
			if err := s.cloud.DeleteSnapshot(ctx, snapshotID); err != nil {
				slog.Warn("spare_snapshot_delete_failed", "snapshot_id", snapshotID, "error", err)
			}
		}
	}

	applied, err := s.store.BeginCycle(ctx, project, state.CycleInfo{
		InstanceID:          e.InstanceID,
		RootDeviceName:      inst.RootDeviceName,
		Architecture:        inst.Architecture,
		VirtualizationType:  inst.VirtualizationType,
		InstanceType:        inst.InstanceType,
		ExpectedVolumeCount: len(inst.Volumes),
	})
	if err != nil {
		return err
	}
	if !applied {
		// A cycle is already in flight; the records written above are
		// the idempotent top-up, counts stay untouched.
		slog.Info("cycle_already_in_flight", "project", project, "instance_id", e.InstanceID)
		return nil
	}

	slog.Info("cycle_started", "project", project, "instance_id", e.InstanceID,
		"expected_volumes", len(inst.Volumes))
	return nil
}
