package cloud

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Compute implementation for tests. Snapshots are
// created in the "pending" state; tests flip them to "completed" before
// delivering completion events. Mutation counters let tests assert that
// replayed events cause no additional external resource mutations.
type Fake struct {
	mu sync.Mutex

	Instances map[string]*Instance
	Snapshots map[string]*Snapshot
	Images    map[string]*Image
	Volumes   map[string]string // volume id -> availability state

	nextSnapshot int
	nextImage    int

	RegisterCalls   int
	DeregisterCalls int
	SnapshotDeletes int
	VolumeDeletes   int
}

// NewFake creates an empty fake cloud
func NewFake() *Fake {
	return &Fake{
		Instances: make(map[string]*Instance),
		Snapshots: make(map[string]*Snapshot),
		Images:    make(map[string]*Image),
		Volumes:   make(map[string]string),
	}
}

func (f *Fake) DescribeInstance(ctx context.Context, instanceID string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Instances[instanceID], nil
}

func (f *Fake) CreateSnapshot(ctx context.Context, project, volumeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSnapshot++
	id := fmt.Sprintf("snap-%04d", f.nextSnapshot)
	f.Snapshots[id] = &Snapshot{ID: id, State: "pending", VolumeSizeGiB: 8, VolumeType: "gp3"}
	return id, nil
}

// CompleteSnapshot marks a fake snapshot as completed
func (f *Fake) CompleteSnapshot(snapshotID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if snap, ok := f.Snapshots[snapshotID]; ok {
		snap.State = "completed"
	}
}

func (f *Fake) DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Snapshots[snapshotID], nil
}

func (f *Fake) RegisterImage(ctx context.Context, spec ImageSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.RegisterCalls++
	for _, img := range f.Images {
		if img.Name == spec.Name {
			return "", fmt.Errorf("image name %q already in use", spec.Name)
		}
	}

	f.nextImage++
	id := fmt.Sprintf("ami-%04d", f.nextImage)
	img := &Image{
		ID:        id,
		Name:      spec.Name,
		State:     "pending",
		Project:   spec.Project,
		ManagedBy: ManagedByValue,
	}
	for _, m := range spec.Mappings {
		img.SnapshotIDs = append(img.SnapshotIDs, m.SnapshotID)
	}
	f.Images[id] = img
	return id, nil
}

// MakeImageAvailable marks a fake image as available
func (f *Fake) MakeImageAvailable(imageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.Images[imageID]; ok {
		img.State = "available"
	}
}

func (f *Fake) FindImageByName(ctx context.Context, name string) (*Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, img := range f.Images {
		if img.Name == name {
			return img, nil
		}
	}
	return nil, nil
}

func (f *Fake) DescribeImage(ctx context.Context, imageID string) (*Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Images[imageID], nil
}

func (f *Fake) DeregisterImage(ctx context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Images[imageID]; ok {
		f.DeregisterCalls++
		delete(f.Images, imageID)
	}
	return nil
}

func (f *Fake) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Snapshots[snapshotID]; ok {
		f.SnapshotDeletes++
		delete(f.Snapshots, snapshotID)
	}
	return nil
}

func (f *Fake) DeleteVolume(ctx context.Context, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Volumes[volumeID]; ok {
		f.VolumeDeletes++
		delete(f.Volumes, volumeID)
	}
	return nil
}

func (f *Fake) VolumeState(ctx context.Context, volumeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Volumes[volumeID], nil
}
