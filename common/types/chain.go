package types

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// ChainConfig holds the configuration for one chain role.
//
// Fields:
// - Name: the human-readable chain name, used in logs and metrics.
// - ChainID: the unique identifier for the chain.
// - RpcUrl: the URL for the chain's RPC endpoint.
// - BridgeContract: the bridge contract address on this chain.
// - PrivateKey: hex-encoded signing key; required for the destination role only.
// - TxType: the transaction type to submit (0 legacy, 2 EIP-1559).
// - RequiredConfirmations: confirmation depth treated as final on this chain.
// - PollInterval: how often the source chain is polled for new logs.
// - MaxBlockRange: the maximum number of blocks fetched in a single log query.
// - StartHeight: optional explicit first block to observe when no durable
//   checkpoint exists yet. Zero means "no override"; startup fails rather than
//   guessing a start height.
type ChainConfig struct {
	Name                  string
	ChainID               uint64
	RpcUrl                string
	BridgeContract        string
	PrivateKey            string
	TxType                uint64
	RequiredConfirmations uint64
	PollInterval          time.Duration
	MaxBlockRange         uint64
	StartHeight           uint64
}

// ChainClient is the boundary to one ledger. Two instances exist, one per
// chain role: the source client is read-only, the destination client also
// signs and submits.
type ChainClient interface {
	// LatestHeight returns the current chain head height.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	//
	// Returns:
	// - uint64: the latest block height.
	// - error: an error if the height query fails.
	LatestHeight(ctx context.Context) (uint64, error)

	// FinalizedHeight returns the highest height treated as immutable, the
	// chain head minus the configured confirmation depth. Finality here is a
	// probabilistic policy knob, not a protocol guarantee.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	//
	// Returns:
	// - uint64: the highest finalized block height.
	// - error: an error if the height query fails.
	FinalizedHeight(ctx context.Context) (uint64, error)

	// BlockTimestamp returns the timestamp of the given block, in unix seconds.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - height: the block height to look up.
	//
	// Returns:
	// - uint64: the block timestamp.
	// - error: an error if the lookup fails.
	BlockTimestamp(ctx context.Context, height uint64) (uint64, error)

	// TransferLogs returns the raw bridge logs emitted in the inclusive block
	// range [fromBlock, toBlock], filtered by contract address and event topic.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - fromBlock: the first block of the range.
	// - toBlock: the last block of the range.
	//
	// Returns:
	// - []ethtypes.Log: the matching logs, as returned by the node.
	// - error: an error if the log query fails.
	TransferLogs(ctx context.Context, fromBlock, toBlock uint64) ([]ethtypes.Log, error)

	// SubmitMint constructs, signs, and submits the destination mint for the
	// given intent, keyed by its transfer id for on-chain replay protection.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - intent: the finalized transfer intent to execute.
	//
	// Returns:
	// - common.Hash: the signed transaction hash. A non-zero hash alongside
	//   an error means the signed transaction may have reached the chain and
	//   the outcome is ambiguous; a zero hash means the failure happened
	//   before anything could be sent.
	// - error: an error if construction, signing, or submission fails.
	SubmitMint(ctx context.Context, intent *TransferIntent) (common.Hash, error)

	// Receipt returns the receipt for a transaction, or ethereum.NotFound if
	// the transaction is not (yet) included.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - txHash: the transaction hash to look up.
	//
	// Returns:
	// - *ethtypes.Receipt: the receipt if the transaction is included.
	// - error: ethereum.NotFound or a transport error.
	Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)

	// IsProcessed asks the destination bridge contract whether the given
	// transfer id has already been minted. The destination chain is the final
	// authority on whether the effect happened; this check is independent of
	// any local bookkeeping.
	//
	// Parameters:
	// - ctx: the context for managing the request.
	// - transferID: the transfer identifier to check.
	//
	// Returns:
	// - bool: true if the transfer was already processed on chain.
	// - error: an error if the call fails.
	IsProcessed(ctx context.Context, transferID common.Hash) (bool, error)
}
