// Package recovery implements the stalled-cycle recovery workflow. A
// cycle stalls when an expected event never arrives: a lost completion
// notice, an image that never reports available. The workflow replays
// what the lost events would have done by interrogating the cloud
// directly, then drives the same conditional state transitions the live
// handlers use, so it is safe to run while events are still flowing.
package recovery

import (
	"context"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/errors"
	"github.com/devbox-infra/lifecycle/pkg/lifecycle"
	"github.com/devbox-infra/lifecycle/pkg/state"
	"github.com/superfly/fsm"
)

// Machine holds dependencies for FSM transitions
type Machine struct {
	store      *state.Store
	cloud      cloud.Compute
	saga       *lifecycle.Saga
	maxRetries int
}

// NewMachine creates a recovery machine with dependencies
func NewMachine(store *state.Store, compute cloud.Compute, saga *lifecycle.Saga, maxRetries int) *Machine {
	return &Machine{
		store:      store,
		cloud:      compute,
		saga:       saga,
		maxRetries: maxRetries,
	}
}

// Register registers the recovery FSM with the manager
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[RecoverRequest, RecoverResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[RecoverRequest, RecoverResponse](manager, "cycle-recover").
		Start(StateInspect, m.handleInspect).
		To(StateSnapshots, m.handleSnapshots).
		To(StateRegister, m.handleRegister).
		To(StatePromote, m.handlePromote).
		To(StateDone, m.handleDone).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register FSM")
	}

	return start, resume, nil
}
