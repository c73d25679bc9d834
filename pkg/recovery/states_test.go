package recovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/launchconfig"
	"github.com/devbox-infra/lifecycle/pkg/lifecycle"
	"github.com/devbox-infra/lifecycle/pkg/state"
	"github.com/superfly/fsm"
)

func newTestMachine(t *testing.T) (*Machine, *state.Store, *cloud.Fake, *launchconfig.FakeRepointer) {
	t.Helper()
	store, err := state.NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fake := cloud.NewFake()
	repointer := launchconfig.NewFakeRepointer()
	saga := lifecycle.New(store, fake, repointer)
	return NewMachine(store, fake, saga, 3), store, fake, repointer
}

// runSteps drives the pipeline handlers in order against one request
func runSteps(t *testing.T, m *Machine, project string) *RecoverResponse {
	t.Helper()
	ctx := context.Background()
	req := fsm.NewRequest(&RecoverRequest{Project: project}, &RecoverResponse{})

	steps := []func(context.Context, *fsm.Request[RecoverRequest, RecoverResponse]) (*fsm.Response[RecoverResponse], error){
		m.handleInspect,
		m.handleSnapshots,
		m.handleRegister,
		m.handlePromote,
		m.handleDone,
	}
	for _, step := range steps {
		if _, err := step(ctx, req); err != nil {
			t.Fatalf("recovery step failed: %v", err)
		}
	}
	return req.W.Msg
}

func TestRecovery_ReplaysLostCompletions(t *testing.T) {
	m, store, fake, _ := newTestMachine(t)
	ctx := context.Background()

	// A stalled SNAPSHOTTING cycle: both snapshots finished in the cloud
	// but the completion events never arrived.
	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", state.CycleInfo{
		InstanceID:          "i-1",
		RootDeviceName:      "/dev/xvda",
		Architecture:        "x86_64",
		VirtualizationType:  "hvm",
		ExpectedVolumeCount: 2,
	})
	for i, vol := range []string{"vol-a", "vol-b"} {
		snapID, _ := fake.CreateSnapshot(ctx, "demo", vol)
		fake.CompleteSnapshot(snapID)
		device := "/dev/xvda"
		if i > 0 {
			device = "/dev/xvdf"
		}
		store.PutVolumeRecord(ctx, state.VolumeSnapshot{
			Project: "demo", VolumeID: vol, SnapshotID: snapID,
			DeviceName: device, InstanceID: "i-1",
		})
	}

	resp := runSteps(t, m, "demo")

	if resp.StatusBefore != state.StatusSnapshotting {
		t.Errorf("status before = %s", resp.StatusBefore)
	}
	if resp.CompletedSnapshots != 2 || resp.ExpectedSnapshots != 2 {
		t.Errorf("fan-in accounting wrong: %d/%d", resp.CompletedSnapshots, resp.ExpectedSnapshots)
	}

	// Replayed completions complete the fan-in and register the image
	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != state.StatusImagePending || proj.PendingImageID == "" {
		t.Fatalf("expected IMAGE_PENDING after recovery, got %+v", proj)
	}
	if fake.RegisterCalls != 1 {
		t.Errorf("expected 1 registration, got %d", fake.RegisterCalls)
	}
	if resp.StatusAfter != state.StatusImagePending {
		t.Errorf("status after = %s", resp.StatusAfter)
	}
}

func TestRecovery_ReplaysLostPromotion(t *testing.T) {
	m, store, fake, repointer := newTestMachine(t)
	ctx := context.Background()

	// IMAGE_PENDING with an image the cloud reports available: the
	// image-available event was lost.
	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", state.CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	imageID, _ := fake.RegisterImage(ctx, cloud.ImageSpec{Name: "devbox-demo-abc", Project: "demo"})
	fake.MakeImageAvailable(imageID)
	store.SetPendingImage(ctx, "demo", imageID)

	resp := runSteps(t, m, "demo")

	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != state.StatusReady || proj.CurrentImageID != imageID {
		t.Fatalf("expected READY with %s promoted, got %+v", imageID, proj)
	}
	if repointer.Pointers["demo"] != imageID {
		t.Errorf("launch config not repointed: %v", repointer.Pointers)
	}
	if resp.StatusAfter != state.StatusReady || resp.ImageID != imageID {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRecovery_ImageStillBaking(t *testing.T) {
	m, store, fake, _ := newTestMachine(t)
	ctx := context.Background()

	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", state.CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	imageID, _ := fake.RegisterImage(ctx, cloud.ImageSpec{Name: "devbox-demo-abc", Project: "demo"})
	store.SetPendingImage(ctx, "demo", imageID)

	resp := runSteps(t, m, "demo")

	// Nothing to replay yet; the cycle stays where it was
	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != state.StatusImagePending {
		t.Errorf("baking image moved the cycle to %s", proj.Status)
	}
	if resp.Note == "" {
		t.Error("expected a note about the baking image")
	}
}

func TestRecovery_UnrecoverableSnapshotMarksError(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", state.CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	// The record points at a snapshot the cloud has no trace of
	store.PutVolumeRecord(ctx, state.VolumeSnapshot{
		Project: "demo", VolumeID: "vol-a", SnapshotID: "snap-vanished",
		DeviceName: "/dev/xvda", InstanceID: "i-1",
	})

	req := fsm.NewRequest(&RecoverRequest{Project: "demo"}, &RecoverResponse{})
	if _, err := m.handleInspect(ctx, req); err != nil {
		t.Fatalf("inspect failed: %v", err)
	}
	if _, err := m.handleSnapshots(ctx, req); err == nil {
		t.Fatal("expected abort for vanished snapshot")
	}

	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != state.StatusError {
		t.Errorf("expected ERROR, got %s", proj.Status)
	}
}

func TestRecovery_UnknownProjectAborts(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	req := fsm.NewRequest(&RecoverRequest{Project: "ghost"}, &RecoverResponse{})
	if _, err := m.handleInspect(ctx, req); err == nil {
		t.Fatal("expected abort for unknown project")
	}

	// Every later step must also handle the project being gone
	if _, err := m.handleSnapshots(ctx, req); err == nil {
		t.Fatal("snapshots step accepted a missing project")
	}
	if _, err := m.handleRegister(ctx, req); err == nil {
		t.Fatal("register step accepted a missing project")
	}
	if _, err := m.handlePromote(ctx, req); err == nil {
		t.Fatal("promote step accepted a missing project")
	}
}

func TestRecovery_HealthyProjectIsNoOp(t *testing.T) {
	m, store, fake, repointer := newTestMachine(t)
	ctx := context.Background()

	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", state.CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	store.SetPendingImage(ctx, "demo", "ami-1")
	store.CompletePromotion(ctx, "demo", "ami-1")

	resp := runSteps(t, m, "demo")

	if resp.StatusBefore != state.StatusReady || resp.StatusAfter != state.StatusReady {
		t.Errorf("recovery disturbed a READY project: %+v", resp)
	}
	if fake.RegisterCalls != 0 || repointer.Calls != 0 {
		t.Error("recovery mutated resources for a READY project")
	}
}
