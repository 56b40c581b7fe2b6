package finality

import (
	"testing"

	"github.com/openbridge/relayer/common/types"
	"github.com/stretchr/testify/assert"
)

func TestIsFinal(t *testing.T) {
	gate := NewGate(12)
	intent := &types.TransferIntent{SourceBlockHeight: 1000}

	cases := []struct {
		name          string
		currentHeight uint64
		final         bool
	}{
		{"freshly included", 1000, false},
		{"a few confirmations short", 1005, false},
		{"one confirmation short", 1011, false},
		{"exactly at depth", 1012, true},
		{"well past depth", 2000, true},
		{"head behind the intent block", 999, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.final, gate.IsFinal(intent, tc.currentHeight))
		})
	}
}

func TestIsFinalZeroDepth(t *testing.T) {
	gate := NewGate(0)
	intent := &types.TransferIntent{SourceBlockHeight: 50}

	assert.True(t, gate.IsFinal(intent, 50))
	assert.False(t, gate.IsFinal(intent, 49))
}
