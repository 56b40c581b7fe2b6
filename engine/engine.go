// Package engine executes finalized transfer intents on the destination
// chain, exactly once per transfer id. Idempotency is enforced twice: the
// ledger's compare-and-swap transition to SUBMITTED stops local races before
// any network call, and the destination bridge's own processed-set check is
// the final authority if the ledger is ever stale or bypassed.
package engine

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/openbridge/relayer/ledger"
	"github.com/openbridge/relayer/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	rtyAttNum = uint(5)
)

var (
	rtyAtt = retry.Attempts(rtyAttNum)
	rtyDel = retry.Delay(time.Millisecond * 400)
	rtyErr = retry.LastErrorOnly(true)
)

const (
	// defaultReceiptPollInterval is how often an awaited receipt is polled.
	defaultReceiptPollInterval = time.Second
	// defaultInclusionTimeout bounds how long a submission is awaited before
	// it is left SUBMITTED for the reconciler.
	defaultInclusionTimeout = 2 * time.Minute
)

// Engine executes finalized transfer intents against the destination chain.
type Engine struct {
	config *types.ChainConfig // Destination chain configuration.
	logger *logrus.Logger     // Logger for logging events.
	dest   types.ChainClient  // Destination chain client.
	store  ledger.Ledger      // Durable transfer ledger.

	// ReceiptPollInterval is how often an awaited receipt is polled.
	ReceiptPollInterval time.Duration
	// InclusionTimeout bounds how long a submission is awaited before it is
	// left SUBMITTED for the reconciler.
	InclusionTimeout time.Duration
}

// New creates an execution engine for the given destination chain.
//
// Parameters:
// - config: the destination chain configuration.
// - logger: the logger for logging events.
// - dest: the destination chain client.
// - store: the durable transfer ledger.
//
// Returns:
// - *Engine: a new Engine instance.
func New(config *types.ChainConfig, logger *logrus.Logger, dest types.ChainClient, store ledger.Ledger) *Engine {
	return &Engine{
		config:              config,
		logger:              logger,
		dest:                dest,
		store:               store,
		ReceiptPollInterval: defaultReceiptPollInterval,
		InclusionTimeout:    defaultInclusionTimeout,
	}
}

// Execute runs a finalized, not-yet-executed intent to a resolved state.
//
// The sequence is strict: destination pre-check, ledger CAS to SUBMITTED,
// then (and only then) the network submission. A losing CAS means another
// worker owns the intent; that is expected and not an error. An ambiguous
// outcome (submission sent, inclusion unknown within the timeout) leaves the
// intent SUBMITTED; the reconciler resolves it against destination-chain
// truth later, and nothing here ever re-submits while ambiguous.
//
// Parameters:
// - ctx: the context for managing the request.
// - intent: the finalized transfer intent to execute.
//
// Returns:
// - error: a transport or ledger error; state-conflict races are absorbed.
func (e *Engine) Execute(ctx context.Context, intent *types.TransferIntent) error {
	log := e.logger.WithFields(logrus.Fields{
		"chain":      e.config.Name,
		"transferId": intent.TransferID.Hex(),
		"sequence":   intent.SourceSequence,
	})

	// Destination pre-check, independent of the ledger's own guarantee.
	var processed bool
	if err := retry.Do(func() error {
		var err error
		processed, err = e.dest.IsProcessed(ctx, intent.TransferID)
		return err
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return errors.Wrap(err, "failed destination idempotency pre-check")
	}

	if processed {
		log.Info("Transfer already processed on destination, rejecting as duplicate")
		metrics.IntentsRejectedDuplicate.WithLabelValues(e.config.Name).Inc()
		err := e.store.TransitionTo(ctx, intent.TransferID, types.StateFinalized, types.StateRejectedDuplicate, &ledger.TransitionPayload{
			Reason: "already processed on destination chain",
		})
		if errors.Is(err, relayerrors.ErrStateConflict) {
			return nil
		}
		return err
	}

	// Claim the intent before any network call. Losing this CAS means a
	// concurrent worker already owns the submission.
	err := e.store.TransitionTo(ctx, intent.TransferID, types.StateFinalized, types.StateSubmitted, nil)
	if errors.Is(err, relayerrors.ErrStateConflict) {
		log.Debug("Lost submission race for transfer, skipping")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to claim transfer for submission")
	}

	start := time.Now()

	txHash, err := e.dest.SubmitMint(ctx, intent)
	if err != nil {
		if txHash == (common.Hash{}) {
			// Failed before a signed transaction existed, so nothing can
			// be in flight. Surface it to operators as a definitive
			// failure instead of retrying blindly.
			log.WithError(err).Error("Failed to build mint transaction")
			metrics.IntentsFailed.WithLabelValues(e.config.Name).Inc()
			return e.store.TransitionTo(ctx, intent.TransferID, types.StateSubmitted, types.StateFailed, &ledger.TransitionPayload{
				Reason: errors.Wrap(err, "mint submission failed").Error(),
			})
		}

		// The send errored after signing; the transaction may still have
		// reached the node. Record the hash and leave the intent SUBMITTED
		// for the reconciler to resolve against destination-chain truth.
		if err := e.store.SetSubmittedTx(ctx, intent.TransferID, txHash.Hex()); err != nil {
			return errors.Wrap(err, "failed to record submitted tx hash")
		}
		log.WithError(err).WithField("txHash", txHash.Hex()).
			Warn("Mint send outcome unknown, leaving transfer submitted for reconciliation")
		return nil
	}

	if err := e.store.SetSubmittedTx(ctx, intent.TransferID, txHash.Hex()); err != nil {
		return errors.Wrap(err, "failed to record submitted tx hash")
	}

	log.WithField("txHash", txHash.Hex()).Info("Mint transaction submitted")

	receipt, err := e.awaitInclusion(ctx, txHash)
	if err != nil {
		// Ambiguous: the transaction is out but inclusion is unknown. Leave
		// the intent SUBMITTED for the reconciler.
		log.WithError(err).WithField("txHash", txHash.Hex()).
			Warn("Mint inclusion unresolved, leaving transfer submitted for reconciliation")
		return nil
	}

	metrics.SubmitDuration.Observe(time.Since(start).Seconds())

	return e.resolveReceipt(ctx, intent.TransferID, receipt, log)
}

// awaitInclusion polls for the receipt of a submitted transaction until it is
// included with the configured confirmation depth, the timeout elapses, or
// the context is cancelled.
func (e *Engine) awaitInclusion(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, e.InclusionTimeout)
	defer cancel()

	ticker := time.NewTicker(e.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return nil, errors.Wrap(timeoutCtx.Err(), "inclusion wait ended")

		case <-ticker.C:
			receipt, err := e.dest.Receipt(timeoutCtx, txHash)
			if err != nil {
				if errors.Is(err, ethereum.NotFound) {
					continue
				}
				return nil, err
			}

			currentHeight, err := e.dest.LatestHeight(timeoutCtx)
			if err != nil {
				return nil, err
			}

			if currentHeight < receipt.BlockNumber.Uint64()+e.config.RequiredConfirmations {
				continue
			}

			return receipt, nil
		}
	}
}

// resolveReceipt records the definitive outcome of an included transaction.
func (e *Engine) resolveReceipt(ctx context.Context, transferID common.Hash, receipt *ethtypes.Receipt, log *logrus.Entry) error {
	record := &types.ExecutionRecord{
		DestTxHash:        receipt.TxHash.Hex(),
		DestBlockHeight:   receipt.BlockNumber.Uint64(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		record.Outcome = types.OutcomeSuccess
		log.WithField("block", record.DestBlockHeight).Info("Transfer executed on destination chain")
		metrics.IntentsExecuted.WithLabelValues(e.config.Name).Inc()
		return e.store.TransitionTo(ctx, transferID, types.StateSubmitted, types.StateExecuted, &ledger.TransitionPayload{
			Execution: record,
		})
	}

	record.Outcome = types.OutcomeReverted
	log.WithField("block", record.DestBlockHeight).Warn("Mint transaction reverted on destination chain")
	metrics.IntentsFailed.WithLabelValues(e.config.Name).Inc()
	return e.store.TransitionTo(ctx, transferID, types.StateSubmitted, types.StateFailed, &ledger.TransitionPayload{
		Execution: record,
		Reason:    "mint transaction reverted on destination chain",
	})
}
