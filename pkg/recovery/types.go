package recovery

// RecoverRequest is the FSM input
type RecoverRequest struct {
	Project string
}

// RecoverResponse is the FSM output (accumulated across transitions)
type RecoverResponse struct {
	// From Inspect
	StatusBefore string

	// From Snapshots
	CompletedSnapshots int
	ExpectedSnapshots  int

	// From Promote/Done
	ImageID     string
	StatusAfter string
	Note        string
}

// State names
const (
	StateInspect   = "inspect"
	StateSnapshots = "snapshots"
	StateRegister  = "register"
	StatePromote   = "promote"
	StateDone      = "done"
	StateFailed    = "failed"
)
