// Package lifecycle implements the snapshot/image lifecycle saga: four
// event-driven handlers that fold a terminating instance's disk state
// into a new bootable image and promote it as the project's current
// image. Handlers never call one another; all coordination happens
// through conditional writes on the state store, so every handler is
// safe to re-run under duplicated or reordered event delivery.
package lifecycle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/devbox-infra/lifecycle/pkg/cloud"
	"github.com/devbox-infra/lifecycle/pkg/launchconfig"
	"github.com/devbox-infra/lifecycle/pkg/state"
)

// Saga holds the handler dependencies
type Saga struct {
	store  *state.Store
	cloud  cloud.Compute
	launch launchconfig.Repointer
}

// New creates the saga handlers
func New(store *state.Store, compute cloud.Compute, launch launchconfig.Repointer) *Saga {
	return &Saga{
		store:  store,
		cloud:  compute,
		launch: launch,
	}
}

// ImageName derives the deterministic image name for a snapshot set.
// The cloud provider rejects duplicate image names, so the name doubles
// as the registration idempotency token when two fan-in evaluations
// race past the threshold at once.
func ImageName(project string, snapshotIDs []string) string {
	sorted := make([]string, len(snapshotIDs))
	copy(sorted, snapshotIDs)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(project + "|" + strings.Join(sorted, ",")))
	return fmt.Sprintf("devbox-%s-%s", project, hex.EncodeToString(sum[:])[:12])
}

// snapshotIDFromARN accepts either a bare snapshot id or a full ARN of
// the form arn:aws:ec2:region::snapshot/snap-xxxx and returns the id.
func snapshotIDFromARN(s string) string {
	if idx := strings.LastIndex(s, "/"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
