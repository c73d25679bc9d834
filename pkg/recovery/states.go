package recovery

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/events"
	"github.com/devbox-infra/lifecycle/pkg/state"
	"github.com/superfly/fsm"
)

// Cloud-side snapshot and image states the recovery steps interpret
const (
	snapshotStateCompleted = "completed"
	snapshotStateError     = "error"
	imageStateAvailable    = "available"
	imageStateFailed       = "failed"
)

func (m *Machine) checkRetries(ctx context.Context, project string) error {
	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "project", project, "max_retries", m.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded", m.maxRetries)
	}
	return nil
}

// handleInspect loads the project and records its current status
func (m *Machine) handleInspect(ctx context.Context, req *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error) {
	slog.Info("recovery_inspect", "project", req.Msg.Project)

	if err := m.checkRetries(ctx, req.Msg.Project); err != nil {
		return nil, fsm.Abort(err)
	}

	proj, err := m.store.GetProject(ctx, req.Msg.Project)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, fsm.Abort(fmt.Errorf("project %q not found", req.Msg.Project))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &RecoverResponse{}
	}
	resp.StatusBefore = proj.Status

	slog.Info("recovery_project_loaded", "project", proj.Name, "status", proj.Status,
		"pending_image", proj.PendingImageID, "expected_volumes", proj.ExpectedVolumeCount)

	return fsm.NewResponse(resp), nil
}

// handleSnapshots replays lost completion events for a SNAPSHOTTING
// cycle by asking the cloud what actually happened to each snapshot
func (m *Machine) handleSnapshots(ctx context.Context, req *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error) {
	project := req.Msg.Project
	slog.Info("recovery_snapshots", "project", project)

	if err := m.checkRetries(ctx, project); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	proj, err := m.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, fsm.Abort(fmt.Errorf("project %q not found", project))
	}
	if proj.Status != state.StatusSnapshotting {
		return fsm.NewResponse(resp), nil
	}
	resp.ExpectedSnapshots = proj.ExpectedVolumeCount

	records, err := m.store.ListCycleRecords(ctx, project, proj.InstanceID)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.State == state.SnapshotComplete {
			resp.CompletedSnapshots++
			continue
		}

		snap, err := m.cloud.DescribeSnapshot(ctx, rec.SnapshotID)
		if err != nil {
			return nil, err
		}
		if snap == nil || snap.State == snapshotStateError {
			// The cycle can never finish without this snapshot.
			slog.Error("recovery_snapshot_unrecoverable", "project", project,
				"snapshot_id", rec.SnapshotID, "volume_id", rec.VolumeID)
			if err := m.store.MarkError(ctx, project); err != nil {
				return nil, err
			}
			return nil, fsm.Abort(fmt.Errorf("snapshot %s for volume %s is unrecoverable", rec.SnapshotID, rec.VolumeID))
		}
		if snap.State != snapshotStateCompleted {
			slog.Info("recovery_snapshot_still_running", "project", project, "snapshot_id", rec.SnapshotID)
			continue
		}

		// Completed in the cloud but still PENDING in the store: the
		// completion event was lost. Apply it now.
		if _, err := m.store.MarkSnapshotComplete(ctx, project, rec.VolumeID); err != nil {
			return nil, err
		}
		slog.Info("recovery_replayed_completion", "project", project, "snapshot_id", rec.SnapshotID)
		resp.CompletedSnapshots++
	}

	return fsm.NewResponse(resp), nil
}

// handleRegister re-runs the fan-in evaluation so a cycle whose last
// completion was just replayed registers its image
func (m *Machine) handleRegister(ctx context.Context, req *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error) {
	project := req.Msg.Project
	slog.Info("recovery_register", "project", project)

	if err := m.checkRetries(ctx, project); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	proj, err := m.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, fsm.Abort(fmt.Errorf("project %q not found", project))
	}
	if proj.Status != state.StatusSnapshotting {
		return fsm.NewResponse(resp), nil
	}

	if err := m.saga.EvaluateFanIn(ctx, project); err != nil {
		return nil, err
	}
	return fsm.NewResponse(resp), nil
}

// handlePromote replays a lost image-available event for an
// IMAGE_PENDING cycle once the cloud reports the image available
func (m *Machine) handlePromote(ctx context.Context, req *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error) {
	project := req.Msg.Project
	slog.Info("recovery_promote", "project", project)

	if err := m.checkRetries(ctx, project); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	proj, err := m.store.GetProject(ctx, project)
	if err != nil {
		return nil, err
	}
	if proj == nil {
		return nil, fsm.Abort(fmt.Errorf("project %q not found", project))
	}
	if proj.Status != state.StatusImagePending || proj.PendingImageID == "" {
		return fsm.NewResponse(resp), nil
	}
	resp.ImageID = proj.PendingImageID

	img, err := m.cloud.DescribeImage(ctx, proj.PendingImageID)
	if err != nil {
		return nil, err
	}
	if img == nil || img.State == imageStateFailed {
		slog.Error("recovery_image_unrecoverable", "project", project, "image_id", proj.PendingImageID)
		if err := m.store.MarkError(ctx, project); err != nil {
			return nil, err
		}
		return nil, fsm.Abort(fmt.Errorf("pending image %s is unrecoverable", proj.PendingImageID))
	}
	if img.State != imageStateAvailable {
		resp.Note = fmt.Sprintf("image %s still %s", img.ID, img.State)
		slog.Info("recovery_image_still_baking", "project", project, "image_id", img.ID, "state", img.State)
		return fsm.NewResponse(resp), nil
	}

	err = m.saga.HandleImageAvailable(ctx, events.ImageStateChange{
		ImageID: img.ID,
		State:   events.ImageAvailable,
	})
	if err != nil {
		return nil, err
	}
	slog.Info("recovery_replayed_promotion", "project", project, "image_id", img.ID)
	return fsm.NewResponse(resp), nil
}

// handleDone records the final project status
func (m *Machine) handleDone(ctx context.Context, req *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		resp = &RecoverResponse{}
	}

	proj, err := m.store.GetProject(ctx, req.Msg.Project)
	if err != nil {
		return nil, err
	}
	if proj != nil {
		resp.StatusAfter = proj.Status
		if resp.ImageID == "" {
			resp.ImageID = proj.CurrentImageID
		}
	}

	slog.Info("recovery_done", "project", req.Msg.Project,
		"status_before", resp.StatusBefore, "status_after", resp.StatusAfter)
	return fsm.NewResponse(resp), nil
}
