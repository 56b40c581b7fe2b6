// Package finality decides when an observed intent is safe against source
// chain reorganization. The decision is a confirmation-depth heuristic: the
// source chain gives no synchronous finality signal, so depth is a policy
// knob chosen per chain, not a protocol guarantee.
package finality

import "github.com/openbridge/relayer/common/types"

// Gate is the per-source-chain finality policy. It is a pure function over
// its inputs; it performs no I/O and holds no mutable state.
type Gate struct {
	// RequiredConfirmations is the confirmation depth treated as final,
	// chosen to exceed the source chain's practical reorganization depth.
	RequiredConfirmations uint64
}

// NewGate creates a finality gate with the given confirmation depth.
func NewGate(requiredConfirmations uint64) *Gate {
	return &Gate{RequiredConfirmations: requiredConfirmations}
}

// IsFinal reports whether the intent has enough confirmations at the given
// source chain height.
//
// Parameters:
// - intent: the observed transfer intent.
// - currentHeight: the current source chain head height.
//
// Returns:
// - bool: true if currentHeight - intent.SourceBlockHeight >= RequiredConfirmations.
func (g *Gate) IsFinal(intent *types.TransferIntent, currentHeight uint64) bool {
	if currentHeight < intent.SourceBlockHeight {
		return false
	}
	return currentHeight-intent.SourceBlockHeight >= g.RequiredConfirmations
}
