package evm

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
)

// BridgeABI is the destination bridge surface the relayer touches: the mint
// entrypoint keyed by transfer id, and the processed-set view used for
// idempotency pre-checks. The contract enforces its own replay protection;
// a second mint with the same transfer id reverts regardless of the caller.
const BridgeABI = `[
	{"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[
		{"name":"transferId","type":"bytes32"},
		{"name":"recipient","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"attestation","type":"bytes"}
	],"outputs":[]},
	{"type":"function","name":"processed","stateMutability":"view","inputs":[
		{"name":"transferId","type":"bytes32"}
	],"outputs":[{"name":"","type":"bool"}]}
]`

// SubmitMint constructs, signs, and submits the destination mint transaction
// for a finalized transfer intent. The transfer id rides along as the
// replay-protection key; the attestation is a single relayer signature over
// (recipient, amount, transferId). Threshold attestation is a policy decision
// left to the bridge contract; the relayer only ever contributes one
// signature.
//
// Parameters:
// - ctx: the context for managing the request.
// - intent: the finalized transfer intent to execute.
//
// Returns:
// - common.Hash: the signed transaction hash. Non-zero alongside an error
//   means the transaction was signed and may have reached the node; zero
//   means the failure happened before anything could be sent.
// - error: an error if construction, signing, or submission fails.
func (e *evm) SubmitMint(ctx context.Context, intent *types.TransferIntent) (common.Hash, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	e.signerMutex.RLock()
	chainSigner := e.signer
	e.signerMutex.RUnlock()

	if client == nil {
		return common.Hash{}, relayerrors.ErrClientNotInitialized
	}
	if chainSigner == nil {
		return common.Hash{}, relayerrors.ErrSignerNotInitialized
	}

	bridgeAbi, err := abi.JSON(strings.NewReader(BridgeABI))
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to parse bridge ABI")
	}

	attestation, err := chainSigner.AttestTransfer(intent.Recipient, intent.Amount, intent.TransferID)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to attest transfer")
	}

	data, err := bridgeAbi.Pack("mint", intent.TransferID, intent.Recipient, intent.Amount, attestation)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to pack mint data")
	}

	nonce, err := client.PendingNonceAt(ctx, chainSigner.Address())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to get nonce")
	}

	tx, err := e.prepareTransaction(ctx, nonce, e.bridgeContract, big.NewInt(0), data)
	if err != nil {
		return common.Hash{}, err
	}

	signedTx, err := e.signAndSendTransaction(ctx, tx)
	if err != nil {
		if signedTx != nil {
			// The send errored after signing; the transaction may still
			// have reached the node. Surface the hash so the caller can
			// track the ambiguous outcome.
			return signedTx.Hash(), err
		}
		return common.Hash{}, err
	}

	return signedTx.Hash(), nil
}

// prepareTransaction prepares a transaction with the given parameters.
//
// Parameters:
// - ctx: the context for managing the request.
// - nonce: the nonce for the transaction.
// - to: the recipient address of the transaction.
// - value: the amount of Ether to send with the transaction.
// - data: the input data for the transaction.
//
// Returns:
// - *ethtypes.Transaction: the prepared transaction.
// - error: an error if the gas estimation or gas price retrieval fails.
func (e *evm) prepareTransaction(ctx context.Context, nonce uint64, to common.Address, value *big.Int, data []byte) (*ethtypes.Transaction, error) {
	estimatedGas, err := e.EstimateGas(ctx, to, value, data)
	if err != nil {
		e.logger.WithField("chain", e.config.Name).WithError(err).Warn("Failed to estimate gas")
		return nil, errors.Wrap(err, "failed to estimate gas")
	}

	// 10% headroom over the node's estimate.
	gasLimit := estimatedGas + estimatedGas/10

	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return nil, relayerrors.ErrClientNotInitialized
	}

	if e.config.TxType == TxTypeEIP1559 {
		gasPriceData, err := e.getEIP1559GasPrice(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "failed to get EIP-1559 gas price")
		}

		return ethtypes.NewTx(&ethtypes.DynamicFeeTx{
			ChainID:    big.NewInt(0).SetUint64(e.config.ChainID),
			Nonce:      nonce,
			GasFeeCap:  gasPriceData.MaxFeePerGas,
			GasTipCap:  gasPriceData.MaxPriorityFeePerGas,
			Gas:        gasLimit,
			To:         &to,
			Value:      value,
			Data:       data,
			AccessList: nil,
		}), nil
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get gas price")
	}

	gasPrice = new(big.Int).Mul(gasPrice, big.NewInt(150))
	gasPrice = new(big.Int).Div(gasPrice, big.NewInt(100))

	return ethtypes.NewTransaction(
		nonce,
		to,
		value,
		gasLimit,
		gasPrice,
		data,
	), nil
}

// signAndSendTransaction signs and sends the prepared transaction. When the
// send itself fails, the signed transaction is returned alongside the error:
// it carries the hash the caller needs to track a submission whose fate is
// unknown.
//
// Parameters:
// - ctx: the context for managing the request.
// - tx: the prepared transaction to be signed and sent.
//
// Returns:
// - *ethtypes.Transaction: the signed transaction, nil only if signing never happened.
// - error: an error if the client or signer is not initialized, or if the signing or sending fails.
func (e *evm) signAndSendTransaction(ctx context.Context, tx *ethtypes.Transaction) (*ethtypes.Transaction, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	e.signerMutex.RLock()
	chainSigner := e.signer
	e.signerMutex.RUnlock()

	if client == nil || chainSigner == nil {
		return nil, errors.New("client or signer not initialized")
	}

	chainID := big.NewInt(0).SetUint64(e.config.ChainID)

	signedTx, err := chainSigner.SignTx(tx, chainID)
	if err != nil {
		e.logger.WithError(err).Error("Failed to sign transaction")
		return nil, errors.Wrap(err, "failed to sign transaction")
	}

	if err = client.SendTransaction(ctx, signedTx); err != nil {
		e.logger.WithError(err).Error("Failed to send transaction")
		return signedTx, errors.Wrap(err, "failed to send transaction")
	}

	return signedTx, nil
}
