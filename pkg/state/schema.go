package state

// Schema defines the SQLite schema for the lifecycle state store.
// Projects are permanent; volume snapshot records are transient per
// snapshot cycle and deleted after promotion. The snapshot_id index
// backs the secondary lookup used by the image builder, because
// completion events carry only the snapshot identifier.
const Schema = `
CREATE TABLE IF NOT EXISTS projects (
    name TEXT PRIMARY KEY,
    status TEXT NOT NULL CHECK(status IN ('NEW', 'SNAPSHOTTING', 'IMAGE_PENDING', 'READY', 'ERROR')),
    current_image_id TEXT,
    pending_image_id TEXT,
    expected_volume_count INTEGER NOT NULL DEFAULT 0,
    instance_id TEXT,
    root_device_name TEXT,
    architecture TEXT,
    virtualization_type TEXT,
    instance_type TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status);
CREATE INDEX IF NOT EXISTS idx_projects_pending_image ON projects(pending_image_id);

CREATE TABLE IF NOT EXISTS volume_snapshots (
    project TEXT NOT NULL,
    volume_id TEXT NOT NULL,
    snapshot_id TEXT NOT NULL,
    device_name TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    state TEXT NOT NULL CHECK(state IN ('PENDING', 'SNAPSHOT_COMPLETE')),
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (project, volume_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_volume_snapshots_snapshot ON volume_snapshots(snapshot_id);
`

// Project status constants
const (
	StatusNew          = "NEW"
	StatusSnapshotting = "SNAPSHOTTING"
	StatusImagePending = "IMAGE_PENDING"
	StatusReady        = "READY"
	StatusError        = "ERROR"
)

// Volume snapshot record states
const (
	SnapshotPending  = "PENDING"
	SnapshotComplete = "SNAPSHOT_COMPLETE"
)

// Project is the durable per-project record. A project survives across
// instance launches; only its status and image pointers change.
type Project struct {
	Name                string
	Status              string
	CurrentImageID      string
	PendingImageID      string
	ExpectedVolumeCount int
	InstanceID          string
	RootDeviceName      string
	Architecture        string
	VirtualizationType  string
	InstanceType        string
	CreatedAt           string
	UpdatedAt           string
}

// VolumeSnapshot tracks one volume's snapshot progress within a cycle.
type VolumeSnapshot struct {
	Project    string
	VolumeID   string
	SnapshotID string
	DeviceName string
	InstanceID string
	State      string
	CreatedAt  string
}

// CycleStartStates are the project states from which a fresh snapshot
// cycle may begin. SNAPSHOTTING and IMAGE_PENDING are deliberately
// excluded: a new cycle must not start while one is in flight.
var CycleStartStates = []string{StatusNew, StatusReady, StatusError}
