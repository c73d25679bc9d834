package state

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_EnsureProject(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.EnsureProject(ctx, "demo"); err != nil {
		t.Fatalf("failed to ensure project: %v", err)
	}

	proj, err := store.GetProject(ctx, "demo")
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if proj == nil || proj.Status != StatusNew {
		t.Errorf("expected NEW project, got %+v", proj)
	}

	// Ensuring again must not reset an existing project
	if _, err := store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 2}); err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if err := store.EnsureProject(ctx, "demo"); err != nil {
		t.Fatalf("failed to re-ensure project: %v", err)
	}
	proj, _ = store.GetProject(ctx, "demo")
	if proj.Status != StatusSnapshotting {
		t.Errorf("re-ensure reset status: got %s", proj.Status)
	}
}

func TestStore_BeginCycleConditional(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")

	info := CycleInfo{
		InstanceID:          "i-1",
		RootDeviceName:      "/dev/xvda",
		Architecture:        "x86_64",
		VirtualizationType:  "hvm",
		InstanceType:        "t3.large",
		ExpectedVolumeCount: 2,
	}

	applied, err := store.BeginCycle(ctx, "demo", info)
	if err != nil {
		t.Fatalf("failed to begin cycle: %v", err)
	}
	if !applied {
		t.Fatal("expected first begin cycle to apply")
	}

	// A second begin while SNAPSHOTTING must be a no-op
	info.ExpectedVolumeCount = 9
	applied, err = store.BeginCycle(ctx, "demo", info)
	if err != nil {
		t.Fatalf("failed on duplicate begin cycle: %v", err)
	}
	if applied {
		t.Error("duplicate begin cycle should not apply")
	}

	proj, _ := store.GetProject(ctx, "demo")
	if proj.ExpectedVolumeCount != 2 {
		t.Errorf("expected volume count overwritten by losing cycle: got %d", proj.ExpectedVolumeCount)
	}
	if proj.RootDeviceName != "/dev/xvda" || proj.Architecture != "x86_64" {
		t.Errorf("instance details not recorded: %+v", proj)
	}
}

func TestStore_SetPendingImageOnlyFromSnapshotting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")

	applied, err := store.SetPendingImage(ctx, "demo", "ami-1")
	if err != nil {
		t.Fatalf("set pending image failed: %v", err)
	}
	if applied {
		t.Error("pending image should not apply from NEW")
	}

	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})

	applied, _ = store.SetPendingImage(ctx, "demo", "ami-1")
	if !applied {
		t.Fatal("expected pending image to apply from SNAPSHOTTING")
	}

	// Only one racer wins the transition
	applied, _ = store.SetPendingImage(ctx, "demo", "ami-2")
	if applied {
		t.Error("second pending image should be a no-op")
	}

	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != StatusImagePending || proj.PendingImageID != "ami-1" {
		t.Errorf("unexpected project state: %+v", proj)
	}
}

func TestStore_CompletePromotion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	store.SetPendingImage(ctx, "demo", "ami-1")

	applied, oldImage, err := store.CompletePromotion(ctx, "demo", "ami-1")
	if err != nil {
		t.Fatalf("promotion failed: %v", err)
	}
	if !applied {
		t.Fatal("expected promotion to apply")
	}
	if oldImage != "" {
		t.Errorf("first cycle should have no old image, got %q", oldImage)
	}

	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != StatusReady || proj.CurrentImageID != "ami-1" || proj.PendingImageID != "" {
		t.Errorf("unexpected project state after promotion: %+v", proj)
	}

	// Redelivered image-available event is a no-op
	applied, _, err = store.CompletePromotion(ctx, "demo", "ami-1")
	if err != nil {
		t.Fatalf("redelivered promotion errored: %v", err)
	}
	if applied {
		t.Error("redelivered promotion should not apply")
	}

	// Second cycle returns the previous image for reclamation
	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-2", ExpectedVolumeCount: 1})
	store.SetPendingImage(ctx, "demo", "ami-2")
	applied, oldImage, _ = store.CompletePromotion(ctx, "demo", "ami-2")
	if !applied || oldImage != "ami-1" {
		t.Errorf("expected applied with old image ami-1, got applied=%v old=%q", applied, oldImage)
	}
}

func TestStore_VolumeRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := VolumeSnapshot{
		Project:    "demo",
		VolumeID:   "vol-a",
		SnapshotID: "snap-1",
		DeviceName: "/dev/xvda",
		InstanceID: "i-1",
	}
	applied, err := store.PutVolumeRecord(ctx, rec)
	if err != nil {
		t.Fatalf("failed to put record: %v", err)
	}
	if !applied {
		t.Fatal("expected first put to apply")
	}

	// The volume id is the idempotency key; a second put is a no-op
	dup := rec
	dup.SnapshotID = "snap-other"
	applied, _ = store.PutVolumeRecord(ctx, dup)
	if applied {
		t.Error("duplicate record should not apply")
	}

	got, err := store.VolumeRecordBySnapshot(ctx, "snap-1")
	if err != nil {
		t.Fatalf("lookup by snapshot failed: %v", err)
	}
	if got == nil || got.VolumeID != "vol-a" || got.State != SnapshotPending {
		t.Errorf("unexpected record: %+v", got)
	}

	if got, _ := store.VolumeRecordBySnapshot(ctx, "snap-other"); got != nil {
		t.Errorf("losing snapshot id should not be indexed, got %+v", got)
	}

	applied, err = store.MarkSnapshotComplete(ctx, "demo", "vol-a")
	if err != nil {
		t.Fatalf("mark complete failed: %v", err)
	}
	if !applied {
		t.Fatal("expected mark complete to apply")
	}

	// Redelivery of the completion is a no-op
	applied, _ = store.MarkSnapshotComplete(ctx, "demo", "vol-a")
	if applied {
		t.Error("redelivered completion should not apply")
	}

	count, err := store.CountComplete(ctx, "demo", "i-1")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 complete record, got %d", count)
	}

	// The count is scoped to the cycle's instance
	if count, _ := store.CountComplete(ctx, "demo", "i-other"); count != 0 {
		t.Errorf("count leaked across instances: %d", count)
	}

	if err := store.DeleteVolumeRecords(ctx, "demo"); err != nil {
		t.Fatalf("delete records failed: %v", err)
	}
	records, _ := store.ListVolumeRecords(ctx, "demo")
	if len(records) != 0 {
		t.Errorf("expected no records after cleanup, got %d", len(records))
	}

	// Deleting again is success-by-absence
	if err := store.DeleteVolumeRecords(ctx, "demo"); err != nil {
		t.Errorf("second delete errored: %v", err)
	}
}

func TestStore_BeginCycleClearsStaleRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")

	// First cycle leaves a record behind when the project errors out
	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	store.PutVolumeRecord(ctx, VolumeSnapshot{
		Project: "demo", VolumeID: "vol-a", SnapshotID: "snap-1",
		DeviceName: "/dev/xvda", InstanceID: "i-1",
	})
	store.MarkError(ctx, "demo")

	// The next cycle writes its record first, then claims the transition
	store.PutVolumeRecord(ctx, VolumeSnapshot{
		Project: "demo", VolumeID: "vol-b", SnapshotID: "snap-2",
		DeviceName: "/dev/xvda", InstanceID: "i-2",
	})
	applied, err := store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-2", ExpectedVolumeCount: 1})
	if err != nil {
		t.Fatalf("begin cycle failed: %v", err)
	}
	if !applied {
		t.Fatal("expected cycle to start from ERROR")
	}

	records, err := store.ListVolumeRecords(ctx, "demo")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].VolumeID != "vol-b" {
		t.Fatalf("stale record survived cycle start: %+v", records)
	}
	if rec, _ := store.VolumeRecordBySnapshot(ctx, "snap-1"); rec != nil {
		t.Errorf("stale record still indexed: %+v", rec)
	}

	cycle, err := store.ListCycleRecords(ctx, "demo", "i-2")
	if err != nil {
		t.Fatalf("list cycle records failed: %v", err)
	}
	if len(cycle) != 1 || cycle[0].InstanceID != "i-2" {
		t.Errorf("unexpected cycle records: %+v", cycle)
	}
}

func TestStore_ProjectByPendingImage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})
	store.SetPendingImage(ctx, "demo", "ami-1")

	proj, err := store.ProjectByPendingImage(ctx, "ami-1")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if proj == nil || proj.Name != "demo" {
		t.Errorf("expected project demo, got %+v", proj)
	}

	if proj, _ := store.ProjectByPendingImage(ctx, "ami-none"); proj != nil {
		t.Errorf("expected no project for unknown image, got %+v", proj)
	}
}

func TestStore_MarkError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	store.EnsureProject(ctx, "demo")
	store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-1", ExpectedVolumeCount: 1})

	if err := store.MarkError(ctx, "demo"); err != nil {
		t.Fatalf("mark error failed: %v", err)
	}
	proj, _ := store.GetProject(ctx, "demo")
	if proj.Status != StatusError {
		t.Errorf("expected ERROR status, got %s", proj.Status)
	}

	// ERROR is a valid cycle start state
	applied, err := store.BeginCycle(ctx, "demo", CycleInfo{InstanceID: "i-2", ExpectedVolumeCount: 1})
	if err != nil {
		t.Fatalf("begin cycle from ERROR failed: %v", err)
	}
	if !applied {
		t.Error("expected cycle to start from ERROR")
	}
}
