package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferIntent is the canonical, chain-derived record of a requested
// cross-chain transfer. Every field is decoded from finalized source-chain
// data; nothing here comes from caller-supplied metadata.
//
// Fields:
// - TransferID: deterministic identifier derived from (source chain id, source contract, source sequence).
// - SourceChainID: the chain id of the ledger that emitted the intent.
// - SourceContract: the bridge contract that emitted the intent.
// - SourceSequence: the monotonically increasing counter assigned by the source contract.
// - Sender: the address that locked value on the source chain.
// - Recipient: the address to be credited on the destination chain.
// - Amount: the transfer amount in the smallest indivisible unit.
// - AuxPayload: opaque extension bytes, not interpreted by the relayer core.
// - CreatedAt: the source block timestamp at intent creation.
// - SourceBlockHeight: the block height of the emitting log.
// - SourceLogIndex: the log index of the emitting log within its block.
// - SourceTxHash: the source transaction that carried the log.
type TransferIntent struct {
	TransferID        common.Hash
	SourceChainID     uint64
	SourceContract    common.Address
	SourceSequence    uint64
	Sender            common.Address
	Recipient         common.Address
	Amount            *big.Int
	AuxPayload        []byte
	CreatedAt         time.Time
	SourceBlockHeight uint64
	SourceLogIndex    uint
	SourceTxHash      common.Hash
}

// DeriveTransferID computes the globally unique transfer identifier for a
// source event. The derivation uses only on-chain data (chain id, emitting
// contract, contract-assigned sequence), so independent observers and a
// restarted process converge on the same identifier. A tx hash is not part of
// the derivation: a transaction can carry zero or several intents.
//
// Parameters:
// - chainID: the source chain id.
// - contract: the source bridge contract address.
// - sequence: the source-assigned sequence number.
//
// Returns:
// - common.Hash: keccak256 over the packed (chainID, contract, sequence) tuple.
func DeriveTransferID(chainID uint64, contract common.Address, sequence uint64) common.Hash {
	buf := make([]byte, 0, 8+common.AddressLength+8)
	buf = appendUint64(buf, chainID)
	buf = append(buf, contract.Bytes()...)
	buf = appendUint64(buf, sequence)
	return crypto.Keccak256Hash(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v),
	)
}
