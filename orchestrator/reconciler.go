package orchestrator

import (
	"context"

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

// Reconciler resolves transfers stuck in SUBMITTED after an ambiguous
// submission outcome. Resolution only ever consults destination-chain truth
// (the receipt of the recorded transaction, or the bridge's processed set);
// it never re-submits an ambiguous transfer.
type Reconciler struct {
	destConfig *types.ChainConfig // Destination chain configuration.
	logger     *logrus.Logger     // Logger for logging events.
	dest       types.ChainClient  // Destination chain client.
	store      ledger.Ledger      // Durable transfer ledger.
}

// NewReconciler creates a reconciler over the destination chain.
//
// Parameters:
// - destConfig: the destination chain configuration.
// - logger: the logger for logging events.
// - dest: the destination chain client.
// - store: the durable transfer ledger.
//
// Returns:
// - *Reconciler: a new Reconciler instance.
func NewReconciler(destConfig *types.ChainConfig, logger *logrus.Logger, dest types.ChainClient, store ledger.Ledger) *Reconciler {
	return &Reconciler{
		destConfig: destConfig,
		logger:     logger,
		dest:       dest,
		store:      store,
	}
}

// ReconcileOnce resolves every currently ambiguous submission it can.
// Per-transfer failures are logged and skipped; the pass continues.
//
// Parameters:
// - ctx: the context for managing the request.
//
// Returns:
// - error: a ledger error while listing the ambiguous transfers.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	submitted, err := r.store.IntentsInState(ctx, types.StateSubmitted)
	if err != nil {
		return errors.Wrap(err, "failed to list submitted intents")
	}

	for i := range submitted {
		if ctx.Err() != nil {
			return nil
		}

		record := &submitted[i]
		if err := r.resolve(ctx, record); err != nil {
			r.logger.WithFields(logrus.Fields{
				"transferId": record.Intent.TransferID.Hex(),
			}).WithError(err).Warn("Could not reconcile submitted transfer, leaving ambiguous")
		}
	}

	return nil
}

// resolve settles one ambiguous submission against destination-chain truth.
func (r *Reconciler) resolve(ctx context.Context, record *types.TransferRecord) error {
	transferID := record.Intent.TransferID
	log := r.logger.WithFields(logrus.Fields{
		"chain":      r.destConfig.Name,
		"transferId": transferID.Hex(),
	})

	if record.SubmittedTxHash != "" {
		receipt, err := r.dest.Receipt(ctx, common.HexToHash(record.SubmittedTxHash))
		if err == nil {
			return r.resolveFromReceipt(ctx, transferID, receipt, log)
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}
		// No receipt for our transaction; fall through to the processed set,
		// which also covers the case of another replica having executed it.
	}

	processed, err := r.dest.IsProcessed(ctx, transferID)
	if err != nil {
		return err
	}

	if !processed {
		// Still pending or dropped from the mempool; stays SUBMITTED. A
		// dropped submission surfaces here forever, which is deliberate:
		// resubmission is an operator decision, not an automatic one.
		log.Debug("Submitted transfer not yet visible on destination")
		return nil
	}

	log.Info("Reconciled transfer: effect already applied on destination")
	metrics.ReconcileResolutions.WithLabelValues(string(types.OutcomeReconciled)).Inc()

	err = r.store.TransitionTo(ctx, transferID, types.StateSubmitted, types.StateExecuted, &ledger.TransitionPayload{
		Execution: &types.ExecutionRecord{
			DestTxHash: record.SubmittedTxHash,
			Outcome:    types.OutcomeReconciled,
		},
	})
	if errors.Is(err, relayerrors.ErrStateConflict) {
		return nil
	}
	return err
}

// resolveFromReceipt settles a submission whose own receipt was found.
func (r *Reconciler) resolveFromReceipt(ctx context.Context, transferID common.Hash, receipt *ethtypes.Receipt, log *logrus.Entry) error {
	execution := &types.ExecutionRecord{
		DestTxHash:        receipt.TxHash.Hex(),
		DestBlockHeight:   receipt.BlockNumber.Uint64(),
		GasUsed:           receipt.GasUsed,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
	}

	if receipt.Status == ethtypes.ReceiptStatusSuccessful {
		execution.Outcome = types.OutcomeSuccess
		log.WithField("block", execution.DestBlockHeight).Info("Reconciled transfer: mint included and successful")
		metrics.ReconcileResolutions.WithLabelValues(string(types.OutcomeSuccess)).Inc()

		err := r.store.TransitionTo(ctx, transferID, types.StateSubmitted, types.StateExecuted, &ledger.TransitionPayload{
			Execution: execution,
		})
		if errors.Is(err, relayerrors.ErrStateConflict) {
			return nil
		}
		return err
	}

	execution.Outcome = types.OutcomeReverted
	log.WithField("block", execution.DestBlockHeight).Warn("Reconciled transfer: mint reverted")
	metrics.ReconcileResolutions.WithLabelValues(string(types.OutcomeReverted)).Inc()

	err := r.store.TransitionTo(ctx, transferID, types.StateSubmitted, types.StateFailed, &ledger.TransitionPayload{
		Execution: execution,
		Reason:    "mint transaction reverted on destination chain",
	})
	if errors.Is(err, relayerrors.ErrStateConflict) {
		return nil
	}
	return err
}
