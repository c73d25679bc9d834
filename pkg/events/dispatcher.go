package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/google/uuid"
)

// Dispatcher routes decoded envelopes to the saga handlers
type Dispatcher struct {
	saga Saga
}

// NewDispatcher creates a dispatcher for the given saga
func NewDispatcher(saga Saga) *Dispatcher {
	return &Dispatcher{saga: saga}
}

// Dispatch decodes one raw envelope and invokes the matching handler.
// Unknown detail types are logged and dropped: the bus may carry
// unrelated traffic. A handler error leaves the message on the bus for
// redelivery, so it is returned rather than swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// A malformed message will never decode on redelivery either;
		// drop it rather than poison the queue.
		slog.Warn("event_decode_failed", "error", err)
		Observe(OutcomeMalformed, "unknown")
		return nil
	}

	deliveryID := uuid.NewString()
	slog.Info("event_received", "detail_type", env.DetailType, "source", env.Source, "delivery_id", deliveryID)

	var err error
	switch env.DetailType {
	case DetailTypeInstanceStateChange:
		var e InstanceStateChange
		if !d.decodeDetail(env, deliveryID, &e) {
			return nil
		}
		err = d.saga.HandleInstanceShutdown(ctx, e)
	case DetailTypeSnapshotNotice:
		var e SnapshotNotice
		if !d.decodeDetail(env, deliveryID, &e) {
			return nil
		}
		err = d.saga.HandleSnapshotCompletion(ctx, e)
	case DetailTypeImageStateChange:
		var e ImageStateChange
		if !d.decodeDetail(env, deliveryID, &e) {
			return nil
		}
		err = d.saga.HandleImageAvailable(ctx, e)
	case DetailTypeVolumeNotification:
		var e VolumeNotification
		if !d.decodeDetail(env, deliveryID, &e) {
			return nil
		}
		err = d.saga.HandleVolumeAvailable(ctx, e)
	default:
		slog.Info("event_ignored", "detail_type", env.DetailType, "delivery_id", deliveryID)
		Observe(OutcomeIgnored, env.DetailType)
		return nil
	}

	if err != nil {
		slog.Error("event_handler_failed", "detail_type", env.DetailType, "delivery_id", deliveryID, "error", err)
		Observe(OutcomeError, env.DetailType)
		return errors.Wrap(err, "handler failed")
	}

	Observe(OutcomeOK, env.DetailType)
	return nil
}

// decodeDetail unmarshals the detail payload into v. A payload that does
// not decode never will on redelivery either, so it is counted malformed
// and dropped like an undecodable envelope.
func (d *Dispatcher) decodeDetail(env Envelope, deliveryID string, v any) bool {
	if err := json.Unmarshal(env.Detail, v); err != nil {
		slog.Warn("event_detail_decode_failed", "detail_type", env.DetailType,
			"delivery_id", deliveryID, "error", err)
		Observe(OutcomeMalformed, env.DetailType)
		return false
	}
	return true
}
