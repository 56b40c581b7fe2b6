package types

import "math/big"

// ExecutionOutcome describes how a destination transaction resolved.
type ExecutionOutcome string

const (
	// OutcomeSuccess indicates the mint was included and succeeded.
	OutcomeSuccess ExecutionOutcome = "SUCCESS"
	// OutcomeReverted indicates the mint was included and reverted on chain.
	OutcomeReverted ExecutionOutcome = "REVERTED"
	// OutcomeReconciled indicates the effect was found already applied on the
	// destination chain during reconciliation, without a receipt of our own.
	OutcomeReconciled ExecutionOutcome = "RECONCILED"
)

// ExecutionRecord captures the destination-chain result of a transfer.
//
// Fields:
// - DestTxHash: the destination transaction hash.
// - DestBlockHeight: the block height of inclusion.
// - GasUsed: gas consumed by the destination transaction.
// - EffectiveGasPrice: the price actually paid per gas unit.
// - Outcome: how the transaction resolved.
type ExecutionRecord struct {
	DestTxHash        string
	DestBlockHeight   uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
	Outcome           ExecutionOutcome
}

// TransferRecord is the ledger row for a transfer: the immutable intent plus
// the mutable lifecycle fields. Records are never deleted; they mirror the
// permanence of the underlying chain logs.
type TransferRecord struct {
	Intent TransferIntent
	State  TransferState

	// SubmittedTxHash is set as soon as a destination transaction has been
	// sent, while the intent is still SUBMITTED. The reconciler uses it to
	// resolve ambiguous outcomes against destination-chain truth.
	SubmittedTxHash string

	// Execution is set when the intent reaches EXECUTED.
	Execution *ExecutionRecord

	// FailReason is set when the intent reaches FAILED or REJECTED_DUPLICATE.
	FailReason string
}
