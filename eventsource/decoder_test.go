package eventsource

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/openbridge/relayer/common/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBridge    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testSender    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testRecipient = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// makeTransferLog builds a well-formed TransferInitiated log the way the
// bridge contract emits it.
func makeTransferLog(t *testing.T, d *Decoder, sequence uint64, amount *big.Int, block uint64, index uint) ethtypes.Log {
	t.Helper()

	data, err := d.event.Inputs.NonIndexed().Pack(testRecipient, amount, []byte("aux"))
	require.NoError(t, err)

	return ethtypes.Log{
		Address: testBridge,
		Topics: []common.Hash{
			d.event.ID,
			common.BigToHash(new(big.Int).SetUint64(sequence)),
			common.BytesToHash(testSender.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(index)))),
	}
}

func TestDecodeValidLog(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	amount := big.NewInt(123456)
	log := makeTransferLog(t, d, 42, amount, 100, 3)

	intent, err := d.Decode(1, log)
	require.NoError(t, err)

	assert.Equal(t, types.DeriveTransferID(1, testBridge, 42), intent.TransferID)
	assert.Equal(t, uint64(1), intent.SourceChainID)
	assert.Equal(t, testBridge, intent.SourceContract)
	assert.Equal(t, uint64(42), intent.SourceSequence)
	assert.Equal(t, testSender, intent.Sender)
	assert.Equal(t, testRecipient, intent.Recipient)
	assert.Equal(t, 0, amount.Cmp(intent.Amount))
	assert.Equal(t, []byte("aux"), intent.AuxPayload)
	assert.Equal(t, uint64(100), intent.SourceBlockHeight)
	assert.Equal(t, uint(3), intent.SourceLogIndex)
	assert.True(t, intent.CreatedAt.IsZero(), "timestamp is the caller's to fill")
}

func TestDecodeRejectsMalformedLogs(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)

	valid := makeTransferLog(t, d, 1, big.NewInt(10), 100, 0)

	t.Run("removed by reorg", func(t *testing.T) {
		log := valid
		log.Removed = true
		_, err := d.Decode(1, log)
		assert.Error(t, err)
	})

	t.Run("wrong topic count", func(t *testing.T) {
		log := valid
		log.Topics = log.Topics[:2]
		_, err := d.Decode(1, log)
		assert.Error(t, err)
	})

	t.Run("foreign event topic", func(t *testing.T) {
		log := valid
		log.Topics = []common.Hash{common.HexToHash("0xdead"), log.Topics[1], log.Topics[2]}
		_, err := d.Decode(1, log)
		assert.Error(t, err)
	})

	t.Run("sequence out of uint64 range", func(t *testing.T) {
		log := valid
		huge := new(big.Int).Lsh(big.NewInt(1), 70)
		log.Topics = []common.Hash{log.Topics[0], common.BigToHash(huge), log.Topics[2]}
		_, err := d.Decode(1, log)
		assert.Error(t, err)
	})

	t.Run("truncated data", func(t *testing.T) {
		log := valid
		log.Data = log.Data[:16]
		_, err := d.Decode(1, log)
		assert.Error(t, err)
	})
}
