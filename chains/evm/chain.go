package evm

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/openbridge/relayer/chains/evm/signer"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// TxTypeLegacy represents the legacy transaction type.
	TxTypeLegacy = 0
	// TxTypeEIP1559 represents the EIP-1559 transaction type.
	TxTypeEIP1559 = 2
)

// evm implements types.ChainClient for EVM-compatible ledgers. The source
// role only reads (heights, logs); the destination role additionally signs
// and submits mints when a private key is configured.
type evm struct {
	config *types.ChainConfig // Chain configuration.
	logger *logrus.Logger     // Logger for logging events.

	bridgeContract common.Address // Bridge contract on this chain.

	// Protected fields with their own mutexes.
	clientMutex sync.RWMutex      // Mutex for client.
	client      *ethclient.Client // Ethereum client.

	signerMutex sync.RWMutex  // Mutex for signer.
	signer      signer.Signer // Signer for signing transactions.
}

// NewEvmChain creates a new EVM chain client.
//
// Parameters:
// - ctx: the context for managing the request.
// - config: the chain configuration.
// - logger: the logger for logging events.
//
// Returns:
// - types.ChainClient: a new EVM chain client instance.
// - error: an error if any issue occurs during creation.
func NewEvmChain(ctx context.Context, config *types.ChainConfig, logger *logrus.Logger) (types.ChainClient, error) {
	client, err := ethclient.DialContext(ctx, config.RpcUrl)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	chain := &evm{
		config:         config,
		logger:         logger,
		client:         client,
		bridgeContract: common.HexToAddress(config.BridgeContract),
	}

	if config.PrivateKey != "" {
		privKey, err := crypto.HexToECDSA(config.PrivateKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse private key")
		}

		chainSigner, err := signer.NewSigner(privKey)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create signer")
		}

		chain.signerMutex.Lock()
		chain.signer = chainSigner
		chain.signerMutex.Unlock()

		logger.WithFields(logrus.Fields{
			"chain":  config.Name,
			"signer": chainSigner.Address().Hex(),
		}).Info("Chain client configured with signing key")
	}

	return chain, nil
}

// Close should be called when the chain client is no longer needed.
func (e *evm) Close() {
	e.clientMutex.Lock()
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	e.clientMutex.Unlock()
}

// LatestHeight returns the current chain head height.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - uint64: the latest block height.
// - error: an error if the client is not initialized or the query fails.
func (e *evm) LatestHeight(ctx context.Context) (uint64, error) {
	e.clientMutex.RLock()
	client := e.client
	e.clientMutex.RUnlock()

	if client == nil {
		return 0, relayerrors.ErrClientNotInitialized
	}

	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get current block number")
	}

	return height, nil
}

// FinalizedHeight returns the chain head minus the configured confirmation
// depth. The depth is a per-chain policy constant chosen to exceed the
// chain's practical reorganization depth; finality here is probabilistic.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - uint64: the highest block height treated as immutable.
// - error: an error if the height query fails.
func (e *evm) FinalizedHeight(ctx context.Context) (uint64, error) {
	height, err := e.LatestHeight(ctx)
	if err != nil {
		return 0, err
	}

	if height < e.config.RequiredConfirmations {
		return 0, nil
	}
	return height - e.config.RequiredConfirmations, nil
}

// GetClient returns the Ethereum client.
//
// Returns:
// - *ethclient.Client: the Ethereum client.
func (e *evm) GetClient() *ethclient.Client {
	e.clientMutex.RLock()
	defer e.clientMutex.RUnlock()
	return e.client
}
