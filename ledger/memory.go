package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
)

// MemoryLedger is an in-process Ledger with the same compare-and-swap
// contract as the Postgres implementation. It backs unit tests and local
// development; it is not durable and must not be used where crash recovery
// matters.
type MemoryLedger struct {
	mu          sync.Mutex
	transfers   map[common.Hash]*types.TransferRecord
	checkpoints map[uint64]uint64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		transfers:   make(map[common.Hash]*types.TransferRecord),
		checkpoints: make(map[uint64]uint64),
	}
}

// RecordObserved inserts the intent at OBSERVED if absent; re-recording an
// already-present intent is a no-op.
func (l *MemoryLedger) RecordObserved(ctx context.Context, intent *types.TransferIntent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.transfers[intent.TransferID]; ok {
		return nil
	}

	clone := *intent
	if intent.Amount != nil {
		clone.Amount = new(big.Int).Set(intent.Amount)
	}

	l.transfers[intent.TransferID] = &types.TransferRecord{
		Intent: clone,
		State:  types.StateObserved,
	}

	return nil
}

// TransitionTo performs the compare-and-swap state transition under the
// ledger lock.
func (l *MemoryLedger) TransitionTo(ctx context.Context, transferID common.Hash, from, to types.TransferState, payload *TransitionPayload) error {
	if !types.CanTransition(from, to) {
		return errors.Wrapf(relayerrors.ErrIllegalTransition, "%s -> %s", from, to)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.transfers[transferID]
	if !ok {
		return relayerrors.ErrTransferNotFound
	}
	if record.State != from {
		return relayerrors.ErrStateConflict
	}

	record.State = to
	if payload != nil {
		if payload.Execution != nil {
			exec := *payload.Execution
			record.Execution = &exec
		}
		if payload.Reason != "" {
			record.FailReason = payload.Reason
		}
	}

	return nil
}

// SetSubmittedTx records the destination transaction hash without changing
// state.
func (l *MemoryLedger) SetSubmittedTx(ctx context.Context, transferID common.Hash, txHash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.transfers[transferID]
	if !ok {
		return relayerrors.ErrTransferNotFound
	}

	record.SubmittedTxHash = txHash
	return nil
}

// Get returns a copy of the record for a transfer.
func (l *MemoryLedger) Get(ctx context.Context, transferID common.Hash) (*types.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.transfers[transferID]
	if !ok {
		return nil, relayerrors.ErrTransferNotFound
	}

	clone := *record
	return &clone, nil
}

// Checkpoint returns the checkpoint for a source chain.
func (l *MemoryLedger) Checkpoint(ctx context.Context, chainID uint64) (uint64, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	height, ok := l.checkpoints[chainID]
	return height, ok, nil
}

// AdvanceCheckpoint persists a new checkpoint, never moving it backwards.
func (l *MemoryLedger) AdvanceCheckpoint(ctx context.Context, chainID uint64, height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.checkpoints[chainID]; ok && current > height {
		return nil
	}

	l.checkpoints[chainID] = height
	return nil
}

// IntentsInState returns copies of every record in the given state, in
// (sourceBlockHeight, sourceLogIndex) order.
func (l *MemoryLedger) IntentsInState(ctx context.Context, state types.TransferState) ([]types.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var records []types.TransferRecord
	for _, record := range l.transfers {
		if record.State == state {
			records = append(records, *record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].Intent, records[j].Intent
		if a.SourceBlockHeight != b.SourceBlockHeight {
			return a.SourceBlockHeight < b.SourceBlockHeight
		}
		return a.SourceLogIndex < b.SourceLogIndex
	})

	return records, nil
}

// CountsByState returns the number of transfers per state.
func (l *MemoryLedger) CountsByState(ctx context.Context) (map[types.TransferState]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[types.TransferState]int64)
	for _, record := range l.transfers {
		counts[record.State]++
	}

	return counts, nil
}

// TotalAmountInStates returns the sum of transfer amounts across the given
// states.
func (l *MemoryLedger) TotalAmountInStates(ctx context.Context, states ...types.TransferState) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	selected := make(map[types.TransferState]bool, len(states))
	for _, s := range states {
		selected[s] = true
	}

	total := new(big.Int)
	for _, record := range l.transfers {
		if selected[record.State] && record.Intent.Amount != nil {
			total.Add(total, record.Intent.Amount)
		}
	}

	return total, nil
}
