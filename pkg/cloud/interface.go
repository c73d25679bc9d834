// Package cloud provides the resource-management collaborator for the
// lifecycle saga: volumes, snapshots and machine images. The Compute
// interface is implemented against EC2 and by an in-memory fake for
// tests. Deletion of absent resources is success-by-absence throughout,
// because every caller runs under at-least-once event delivery.
package cloud

import "context"

// Volume is a block volume attached to an instance
type Volume struct {
	ID         string
	DeviceName string
}

// Instance describes a compute instance and its attached volumes
type Instance struct {
	ID                 string
	Project            string // from the Project tag; empty when untagged
	RootDeviceName     string
	Architecture       string
	VirtualizationType string
	InstanceType       string
	Volumes            []Volume
}

// Snapshot describes a volume snapshot
type Snapshot struct {
	ID            string
	State         string
	VolumeSizeGiB int32
	VolumeType    string
}

// Image describes a registered machine image
type Image struct {
	ID          string
	Name        string
	State       string
	Project     string
	ManagedBy   string
	SnapshotIDs []string
}

// BlockDeviceMapping maps a completed snapshot onto a device name for
// image registration
type BlockDeviceMapping struct {
	DeviceName    string
	SnapshotID    string
	VolumeSizeGiB int32
	VolumeType    string
}

// ImageSpec is the input to RegisterImage
type ImageSpec struct {
	Name               string
	Project            string
	RootDeviceName     string
	Architecture       string
	VirtualizationType string
	Mappings           []BlockDeviceMapping
}

// Volume availability states
const (
	VolumeAvailable = "available"
	VolumeInUse     = "in-use"
)

// Compute is the narrow cloud surface the lifecycle handlers depend on
type Compute interface {
	// DescribeInstance returns instance details including attached
	// volumes. Returns nil when the instance does not exist.
	DescribeInstance(ctx context.Context, instanceID string) (*Instance, error)

	// CreateSnapshot starts a snapshot of a volume, tagged with the
	// owning project, and returns the snapshot id.
	CreateSnapshot(ctx context.Context, project, volumeID string) (string, error)

	// DescribeSnapshot returns snapshot details. Returns nil when the
	// snapshot does not exist.
	DescribeSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error)

	// RegisterImage registers a bootable image from completed
	// snapshots and returns the image id.
	RegisterImage(ctx context.Context, spec ImageSpec) (string, error)

	// FindImageByName returns the image with the given name, or nil.
	// Image names are the registration idempotency key.
	FindImageByName(ctx context.Context, name string) (*Image, error)

	// DescribeImage returns image details. Returns nil when the image
	// does not exist or is already deregistered.
	DescribeImage(ctx context.Context, imageID string) (*Image, error)

	// DeregisterImage deregisters an image. Absent images are success.
	DeregisterImage(ctx context.Context, imageID string) error

	// DeleteSnapshot deletes a snapshot. Absent snapshots are success.
	DeleteSnapshot(ctx context.Context, snapshotID string) error

	// DeleteVolume deletes a volume. Absent volumes are success.
	DeleteVolume(ctx context.Context, volumeID string) error

	// VolumeState returns the volume's availability state, or empty
	// when the volume does not exist.
	VolumeState(ctx context.Context, volumeID string) (string, error)
}
