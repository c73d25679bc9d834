package events

import (
	"context"
	"fmt"
	"testing"
)

// recordingSaga captures handler invocations for routing assertions
type recordingSaga struct {
	shutdowns   []InstanceStateChange
	completions []SnapshotNotice
	images      []ImageStateChange
	volumes     []VolumeNotification
	err         error
}

func (r *recordingSaga) HandleInstanceShutdown(ctx context.Context, e InstanceStateChange) error {
	r.shutdowns = append(r.shutdowns, e)
	return r.err
}

func (r *recordingSaga) HandleSnapshotCompletion(ctx context.Context, e SnapshotNotice) error {
	r.completions = append(r.completions, e)
	return r.err
}

func (r *recordingSaga) HandleImageAvailable(ctx context.Context, e ImageStateChange) error {
	r.images = append(r.images, e)
	return r.err
}

func (r *recordingSaga) HandleVolumeAvailable(ctx context.Context, e VolumeNotification) error {
	r.volumes = append(r.volumes, e)
	return r.err
}

func TestDispatch_RoutesByDetailType(t *testing.T) {
	saga := &recordingSaga{}
	d := NewDispatcher(saga)
	ctx := context.Background()

	raw := []byte(`{
		"source": "aws.ec2",
		"detail-type": "EC2 Instance State-change Notification",
		"detail": {"instance-id": "i-1", "state": "shutting-down"}
	}`)
	if err := d.Dispatch(ctx, raw); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(saga.shutdowns) != 1 || saga.shutdowns[0].InstanceID != "i-1" || saga.shutdowns[0].State != "shutting-down" {
		t.Errorf("instance event not routed: %+v", saga.shutdowns)
	}

	raw = []byte(`{
		"source": "aws.ec2",
		"detail-type": "EBS Snapshot Notice",
		"detail": {"snapshot_id": "arn:aws:ec2:us-east-1::snapshot/snap-1", "result": "succeeded"}
	}`)
	if err := d.Dispatch(ctx, raw); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(saga.completions) != 1 || saga.completions[0].Result != "succeeded" {
		t.Errorf("snapshot event not routed: %+v", saga.completions)
	}

	raw = []byte(`{
		"source": "aws.ec2",
		"detail-type": "EC2 AMI State Change",
		"detail": {"ImageId": "ami-1", "State": "available"}
	}`)
	if err := d.Dispatch(ctx, raw); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(saga.images) != 1 || saga.images[0].ImageID != "ami-1" {
		t.Errorf("image event not routed: %+v", saga.images)
	}

	raw = []byte(`{
		"source": "aws.ec2",
		"detail-type": "EBS Volume Notification",
		"detail": {"volume-id": "vol-1", "state": "available"}
	}`)
	if err := d.Dispatch(ctx, raw); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if len(saga.volumes) != 1 || saga.volumes[0].VolumeID != "vol-1" {
		t.Errorf("volume event not routed: %+v", saga.volumes)
	}
}

func TestDispatch_IgnoresUnknownDetailType(t *testing.T) {
	saga := &recordingSaga{}
	d := NewDispatcher(saga)

	raw := []byte(`{"source": "aws.ec2", "detail-type": "EC2 Spot Instance Interruption Warning", "detail": {}}`)
	if err := d.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("unknown detail type errored: %v", err)
	}
	if len(saga.shutdowns)+len(saga.completions)+len(saga.images)+len(saga.volumes) != 0 {
		t.Error("unknown detail type reached a handler")
	}
}

func TestDispatch_DropsMalformedMessage(t *testing.T) {
	saga := &recordingSaga{}
	d := NewDispatcher(saga)

	// Returning nil acknowledges the message so it is not redelivered
	if err := d.Dispatch(context.Background(), []byte(`{not json`)); err != nil {
		t.Fatalf("malformed message errored: %v", err)
	}
	if len(saga.shutdowns) != 0 {
		t.Error("malformed message reached a handler")
	}
}

func TestDispatch_DropsMalformedDetail(t *testing.T) {
	saga := &recordingSaga{}
	d := NewDispatcher(saga)

	// A detail that cannot decode never will on redelivery either; it
	// must be acknowledged, not returned as a handler error.
	raw := []byte(`{
		"detail-type": "EC2 Instance State-change Notification",
		"detail": ["not", "an", "object"]
	}`)
	if err := d.Dispatch(context.Background(), raw); err != nil {
		t.Fatalf("malformed detail errored: %v", err)
	}
	if len(saga.shutdowns) != 0 {
		t.Error("malformed detail reached a handler")
	}
}

func TestDispatch_HandlerErrorPropagates(t *testing.T) {
	saga := &recordingSaga{err: fmt.Errorf("store unavailable")}
	d := NewDispatcher(saga)

	raw := []byte(`{
		"detail-type": "EC2 Instance State-change Notification",
		"detail": {"instance-id": "i-1", "state": "shutting-down"}
	}`)
	if err := d.Dispatch(context.Background(), raw); err == nil {
		t.Fatal("expected handler error to propagate for redelivery")
	}
}
