package types

// TransferState is the lifecycle state of a transfer intent.
type TransferState string

const (
	// StateObserved is the state of an intent decoded from a source-chain log
	// and durably recorded, but not yet deep enough to be treated as final.
	StateObserved TransferState = "OBSERVED"
	// StateFinalized is the state of an intent with enough source-chain
	// confirmations to be handed to the execution engine.
	StateFinalized TransferState = "FINALIZED"
	// StateSubmitted is the state of an intent whose destination transaction
	// has been (or is being) sent and whose inclusion is not yet resolved.
	StateSubmitted TransferState = "SUBMITTED"
	// StateExecuted is the terminal success state.
	StateExecuted TransferState = "EXECUTED"
	// StateFailed is the terminal failure state, eligible for operator retry.
	StateFailed TransferState = "FAILED"
	// StateRejectedDuplicate is the terminal state of an intent whose effect
	// was already applied on the destination chain by someone else.
	StateRejectedDuplicate TransferState = "REJECTED_DUPLICATE"
)

// String converts TransferState to its string representation.
func (s TransferState) String() string {
	return string(s)
}

// Terminal reports whether no further transition is allowed from s.
// StateFailed is terminal for the relayer loop; only the operator retry
// surface may move a failed intent back to StateFinalized.
func (s TransferState) Terminal() bool {
	switch s {
	case StateExecuted, StateFailed, StateRejectedDuplicate:
		return true
	default:
		return false
	}
}

// legalTransitions enumerates every transition the ledger will accept.
// The FAILED -> FINALIZED edge exists only for the operator retry command.
var legalTransitions = map[TransferState][]TransferState{
	StateObserved:  {StateFinalized},
	StateFinalized: {StateSubmitted, StateRejectedDuplicate},
	StateSubmitted: {StateExecuted, StateFailed},
	StateFailed:    {StateFinalized},
}

// CanTransition reports whether moving from one state to another is legal.
//
// Parameters:
// - from: the current state.
// - to: the requested state.
//
// Returns:
// - bool: true if the transition is part of the transfer state machine.
func CanTransition(from, to TransferState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllStates lists every transfer state, in pipeline order. Used by the
// operational status surface and by metrics initialization.
var AllStates = []TransferState{
	StateObserved,
	StateFinalized,
	StateSubmitted,
	StateExecuted,
	StateFailed,
	StateRejectedDuplicate,
}
