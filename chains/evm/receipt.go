package evm

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/pkg/errors"
)

// Receipt returns the receipt for a transaction. A missing receipt is
// surfaced as ethereum.NotFound so callers can distinguish "not included yet"
// from a transport failure.
//
// Parameters:
// - ctx: the context for managing the request.
// - txHash: the transaction hash to look up.
//
// Returns:
// - *ethtypes.Receipt: the receipt if the transaction is included.
// - error: ethereum.NotFound, a transport error, or client-not-initialized.
func (e *evm) Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, relayerrors.ErrClientNotInitialized
	}

	receipt, err := client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to get transaction receipt")
	}

	return receipt, nil
}

// IsProcessed asks the destination bridge contract whether the given transfer
// id has already been minted. The contract's processed set is the final
// authority on whether the effect happened, independent of any local state.
//
// Parameters:
// - ctx: the context for managing the request.
// - transferID: the transfer identifier to check.
//
// Returns:
// - bool: true if the transfer was already processed on chain.
// - error: an error if the call or decoding fails.
func (e *evm) IsProcessed(ctx context.Context, transferID common.Hash) (bool, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return false, relayerrors.ErrClientNotInitialized
	}

	bridgeAbi, err := abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		return false, errors.Wrap(err, "failed to parse bridge ABI")
	}

	data, err := bridgeAbi.Pack("processed", transferID)
	if err != nil {
		return false, errors.Wrap(err, "failed to pack processed call")
	}

	msg := ethereum.CallMsg{
		To:   &e.bridgeContract,
		Data: data,
	}

	result, err := client.CallContract(ctx, msg, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to call processed")
	}

	out, err := bridgeAbi.Unpack("processed", result)
	if err != nil {
		return false, errors.Wrap(err, "failed to unpack processed result")
	}
	if len(out) != 1 {
		return false, errors.Errorf("unexpected processed result arity: %d", len(out))
	}

	processed, ok := out[0].(bool)
	if !ok {
		return false, errors.New("unexpected processed result type")
	}

	return processed, nil
}
