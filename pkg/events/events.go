// Package events decodes lifecycle notifications from the event bus and
// routes them to the saga handlers. The bus guarantees at-least-once,
// possibly duplicated, possibly reordered delivery; every handler
// downstream of this package is idempotent.
package events

import (
	"context"
	"encoding/json"
)

// Detail types routed by the dispatcher. These match the EventBridge
// notifications the bus is subscribed to.
const (
	DetailTypeInstanceStateChange = "EC2 Instance State-change Notification"
	DetailTypeSnapshotNotice      = "EBS Snapshot Notice"
	DetailTypeImageStateChange    = "EC2 AMI State Change"
	DetailTypeVolumeNotification  = "EBS Volume Notification"
)

// Envelope is the outer event bus message
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// InstanceStateChange signals an instance lifecycle transition. Only
// the shutting-down state triggers a snapshot cycle.
type InstanceStateChange struct {
	InstanceID string `json:"instance-id"`
	State      string `json:"state"`
}

// SnapshotNotice signals completion of a snapshot request. SnapshotID
// may be a full ARN or a bare snapshot id.
type SnapshotNotice struct {
	SnapshotID string `json:"snapshot_id"`
	Result     string `json:"result"`
}

// ImageStateChange signals an image state transition. Only the
// available state triggers promotion.
type ImageStateChange struct {
	ImageID string `json:"ImageId"`
	State   string `json:"State"`
}

// VolumeNotification signals a volume availability change. An available
// (detached) volume is a candidate for orphan reclamation.
type VolumeNotification struct {
	VolumeID string `json:"volume-id"`
	State    string `json:"state"`
}

// Event payload states the handlers act on
const (
	InstanceShuttingDown = "shutting-down"
	SnapshotSucceeded    = "succeeded"
	ImageAvailable       = "available"
	VolumeDetached       = "available"
)

// Saga is implemented by the lifecycle handlers. Every method must be
// safe to re-run with the same input.
type Saga interface {
	HandleInstanceShutdown(ctx context.Context, e InstanceStateChange) error
	HandleSnapshotCompletion(ctx context.Context, e SnapshotNotice) error
	HandleImageAvailable(ctx context.Context, e ImageStateChange) error
	HandleVolumeAvailable(ctx context.Context, e VolumeNotification) error
}
