package evm

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/pkg/errors"
)

// transferInitiatedSig is the source bridge event signature. Its field order
// and types are the de facto wire contract and must be decoded exactly as
// emitted.
const transferInitiatedSig = "TransferInitiated(uint256,address,address,uint256,bytes)"

// TransferInitiatedTopic returns the topic hash of the bridge transfer event.
func TransferInitiatedTopic() common.Hash {
	return crypto.Keccak256Hash([]byte(transferInitiatedSig))
}

// TransferLogs returns bridge transfer logs emitted in the inclusive block
// range [fromBlock, toBlock]. The query filters by the bridge contract
// address and the TransferInitiated topic; it is a pure read and safe to
// repeat over the same range.
//
// Parameters:
// - ctx: the context for managing the request.
// - fromBlock: the first block of the range.
// - toBlock: the last block of the range.
//
// Returns:
// - []ethtypes.Log: the matching logs.
// - error: an error if the client is not initialized or the query fails.
func (e *evm) TransferLogs(ctx context.Context, fromBlock, toBlock uint64) ([]ethtypes.Log, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, relayerrors.ErrClientNotInitialized
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{e.bridgeContract},
		Topics: [][]common.Hash{{
			TransferInitiatedTopic(),
		}},
	}

	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get transfer logs")
	}

	return logs, nil
}

// BlockTimestamp returns the timestamp of the given block.
//
// Parameters:
// - ctx: the context for managing the request.
// - height: the block height to look up.
//
// Returns:
// - uint64: the block timestamp in unix seconds.
// - error: an error if the client is not initialized or the lookup fails.
func (e *evm) BlockTimestamp(ctx context.Context, height uint64) (uint64, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return 0, relayerrors.ErrClientNotInitialized
	}

	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
	if err != nil {
		return 0, errors.Wrap(err, "failed to get header by number")
	}

	return header.Time, nil
}
