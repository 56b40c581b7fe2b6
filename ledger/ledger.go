// Package ledger is the durable record of every transfer's lifecycle and the
// single source of truth for idempotency. Its compare-and-swap transition is
// the only synchronization primitive relayer workers use: tasks share no
// mutable in-memory state, and running multiple relayer replicas against the
// same ledger is correct (a losing replica's transition is rejected locally)
// if wasteful.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/openbridge/relayer/common/types"
)

// TransitionPayload carries the optional data attached to a state transition.
//
// Fields:
// - Execution: the destination-chain execution record, set when moving to EXECUTED.
// - Reason: the failure or rejection reason, set when moving to FAILED or REJECTED_DUPLICATE.
type TransitionPayload struct {
	Execution *types.ExecutionRecord
	Reason    string
}

// Ledger is the durable transfer store. All writes are durable before the
// caller proceeds; losing the in-memory copy must never lose committed state.
type Ledger interface {
	// RecordObserved inserts the intent at OBSERVED if absent. Re-recording
	// an already-present intent is a no-op, not an error; this is what makes
	// re-observation after a restart safe.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - intent: the decoded transfer intent.
	//
	// Returns:
	// - error: an error if the write fails.
	RecordObserved(ctx context.Context, intent *types.TransferIntent) error

	// TransitionTo moves a transfer from one state to another, compare-and-swap
	// style. If the persisted state does not match from, the transition is
	// rejected with ErrStateConflict and nothing is written. An edge outside
	// the state machine is rejected with ErrIllegalTransition.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - transferID: the transfer to transition.
	// - from: the expected current state.
	// - to: the requested state.
	// - payload: optional execution record or failure reason; may be nil.
	//
	// Returns:
	// - error: ErrStateConflict, ErrIllegalTransition, ErrTransferNotFound, or a storage error.
	TransitionTo(ctx context.Context, transferID common.Hash, from, to types.TransferState, payload *TransitionPayload) error

	// SetSubmittedTx records the destination transaction hash of an in-flight
	// submission without changing state. The reconciler needs it to resolve
	// ambiguous outcomes against destination-chain truth.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - transferID: the transfer being submitted.
	// - txHash: the destination transaction hash.
	//
	// Returns:
	// - error: ErrTransferNotFound or a storage error.
	SetSubmittedTx(ctx context.Context, transferID common.Hash, txHash string) error

	// Get returns the full record for a transfer.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - transferID: the transfer to look up.
	//
	// Returns:
	// - *types.TransferRecord: the record if present.
	// - error: ErrTransferNotFound or a storage error.
	Get(ctx context.Context, transferID common.Hash) (*types.TransferRecord, error)

	// Checkpoint returns the durable checkpoint for a source chain.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - chainID: the source chain id.
	//
	// Returns:
	// - uint64: the checkpoint height, if any.
	// - bool: false if no checkpoint has ever been persisted for this chain.
	// - error: a storage error.
	Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error)

	// AdvanceCheckpoint persists a new checkpoint for a source chain. The
	// checkpoint is monotonically non-decreasing: an advance to a height at
	// or below the persisted one is a no-op. Callers must only advance after
	// every intent in the covered range is durably OBSERVED.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - chainID: the source chain id.
	// - height: the new checkpoint height.
	//
	// Returns:
	// - error: a storage error.
	AdvanceCheckpoint(ctx context.Context, chainID uint64, height uint64) error

	// IntentsInState returns every record currently in the given state, in
	// (sourceBlockHeight, sourceLogIndex) order.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - state: the state to select.
	//
	// Returns:
	// - []types.TransferRecord: the matching records.
	// - error: a storage error.
	IntentsInState(ctx context.Context, state types.TransferState) ([]types.TransferRecord, error)

	// CountsByState returns the number of transfers per state.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	//
	// Returns:
	// - map[types.TransferState]int64: counts keyed by state.
	// - error: a storage error.
	CountsByState(ctx context.Context) (map[types.TransferState]int64, error)

	// TotalAmountInStates returns the sum of transfer amounts across the given
	// states. The conservation audit compares the EXECUTED total against the
	// total of everything observed on the source side; executed value must
	// never exceed observed value.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - states: the states to sum over.
	//
	// Returns:
	// - *big.Int: the total amount in the smallest indivisible unit.
	// - error: a storage error.
	TotalAmountInStates(ctx context.Context, states ...types.TransferState) (*big.Int, error)
}
