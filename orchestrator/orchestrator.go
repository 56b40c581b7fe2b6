// Package orchestrator binds the pipeline together: event source, finality
// gate, transfer ledger, and execution engine, plus the recovery procedure
// run at startup. Components communicate only through the durable ledger;
// the ledger's compare-and-swap transition is the only synchronization
// primitive in the system.
package orchestrator

import (
	"context"
	"time"

	retry "github.com/avast/retry-go"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/openbridge/relayer/engine"
	"github.com/openbridge/relayer/eventsource"
	"github.com/openbridge/relayer/finality"
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

// defaultReconcileInterval is how often ambiguous submissions are reconciled
// against destination-chain truth.
const defaultReconcileInterval = time.Minute

// Orchestrator drives the relayer pipeline for one chain pair.
type Orchestrator struct {
	sourceConfig *types.ChainConfig // Source chain configuration.
	logger       *logrus.Logger     // Logger for logging events.

	source      *eventsource.EventSource // Source chain log projection.
	sourceChain types.ChainClient        // Source chain client, for gate heights.
	gate        *finality.Gate           // Finality policy.
	store       ledger.Ledger            // Durable transfer ledger.
	engine      *engine.Engine           // Destination execution engine.

	reconciler        *Reconciler
	reconcileInterval time.Duration
}

// New creates an orchestrator over an assembled pipeline.
//
// Parameters:
// - sourceConfig: the source chain configuration.
// - logger: the logger for logging events.
// - source: the source chain event projection.
// - sourceChain: the source chain client.
// - store: the durable transfer ledger.
// - eng: the destination execution engine.
// - reconciler: the ambiguous-outcome resolver.
// - reconcileInterval: period of the reconciliation pass; zero means the default.
//
// Returns:
// - *Orchestrator: a new Orchestrator instance.
func New(
	sourceConfig *types.ChainConfig,
	logger *logrus.Logger,
	source *eventsource.EventSource,
	sourceChain types.ChainClient,
	store ledger.Ledger,
	eng *engine.Engine,
	reconciler *Reconciler,
	reconcileInterval time.Duration,
) *Orchestrator {
	if reconcileInterval <= 0 {
		reconcileInterval = defaultReconcileInterval
	}

	return &Orchestrator{
		sourceConfig:      sourceConfig,
		logger:            logger,
		source:            source,
		sourceChain:       sourceChain,
		gate:              finality.NewGate(sourceConfig.RequiredConfirmations),
		store:             store,
		engine:            eng,
		reconciler:        reconciler,
		reconcileInterval: reconcileInterval,
	}
}

// Run executes the recovery procedure and then the steady-state loop until
// the context is cancelled. Transient chain errors are logged and retried on
// the next tick; ledger errors are escalated by returning, because continuing
// past a failed durable write risks the at-most-once and conservation
// invariants.
//
// Parameters:
// - ctx: the context bounding the orchestrator lifetime.
//
// Returns:
// - error: nil on graceful shutdown, otherwise the escalated failure.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recover(ctx); err != nil {
		return err
	}

	if err := o.reconciler.ReconcileOnce(ctx); err != nil {
		o.logger.WithError(err).Warn("Startup reconciliation pass failed")
	}

	o.logger.WithFields(logrus.Fields{
		"chain":    o.sourceConfig.Name,
		"interval": o.sourceConfig.PollInterval,
	}).Info("Entering steady-state relay loop")

	pollTicker := time.NewTicker(o.sourceConfig.PollInterval)
	defer pollTicker.Stop()

	reconcileTicker := time.NewTicker(o.reconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.WithField("chain", o.sourceConfig.Name).Info("Orchestrator stopped")
			return nil

		case <-pollTicker.C:
			if err := o.tick(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

		case <-reconcileTicker.C:
			if err := o.reconciler.ReconcileOnce(ctx); err != nil {
				o.logger.WithError(err).Warn("Reconciliation pass failed")
			}
		}
	}
}

// recover replays historical source logs from the last durable checkpoint to
// the current finalized height, re-recording every intent (idempotent), and
// only returns once the backlog is drained. A missing checkpoint without an
// explicit start-height override aborts startup: silently resuming from "now"
// is how transfers get permanently lost.
func (o *Orchestrator) recover(ctx context.Context) error {
	checkpoint, found, err := o.store.Checkpoint(ctx, o.sourceConfig.ChainID)
	if err != nil {
		return errors.Wrap(err, "failed to load checkpoint")
	}

	if !found {
		if o.sourceConfig.StartHeight == 0 {
			return errors.Wrapf(relayerrors.ErrNoCheckpoint, "source chain %s", o.sourceConfig.Name)
		}

		checkpoint = o.sourceConfig.StartHeight - 1
		if err := o.store.AdvanceCheckpoint(ctx, o.sourceConfig.ChainID, checkpoint); err != nil {
			return errors.Wrap(err, "failed to persist initial checkpoint")
		}

		o.logger.WithFields(logrus.Fields{
			"chain":       o.sourceConfig.Name,
			"startHeight": o.sourceConfig.StartHeight,
		}).Warn("No durable checkpoint found, starting from configured height")
	}

	o.logger.WithFields(logrus.Fields{
		"chain":      o.sourceConfig.Name,
		"checkpoint": checkpoint,
	}).Info("Recovering: replaying source logs from checkpoint")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		newHeight, err := o.pollAndRecord(ctx, checkpoint)
		if err != nil {
			return errors.Wrap(err, "recovery replay failed")
		}

		if newHeight == checkpoint {
			break
		}
		checkpoint = newHeight
	}

	o.logger.WithFields(logrus.Fields{
		"chain":      o.sourceConfig.Name,
		"checkpoint": checkpoint,
	}).Info("Recovery complete, backlog drained")

	return nil
}

// tick performs one steady-state iteration: poll newly finalized logs, record
// them, advance the checkpoint, then drive pending intents through the gate
// and the engine. Poll failures are transient and absorbed; ledger failures
// propagate.
func (o *Orchestrator) tick(ctx context.Context) error {
	checkpoint, _, err := o.store.Checkpoint(ctx, o.sourceConfig.ChainID)
	if err != nil {
		return errors.Wrap(err, "failed to load checkpoint")
	}

	if _, err := o.pollAndRecord(ctx, checkpoint); err != nil {
		if isLedgerErr(err) {
			return err
		}
		metrics.PollErrors.WithLabelValues(o.sourceConfig.Name).Inc()
		o.logger.WithField("chain", o.sourceConfig.Name).WithError(err).Warn("Poll failed, will retry next tick")
		return nil
	}

	return o.processPending(ctx)
}

// pollAndRecord runs one poll step: fetch intents in the next window, record
// every one of them durably, then advance the checkpoint over the window.
// The checkpoint write happens strictly after the last RecordObserved; the
// covered range must be fully observed before the marker moves.
func (o *Orchestrator) pollAndRecord(ctx context.Context, checkpoint uint64) (uint64, error) {
	var (
		intents   []types.TransferIntent
		newHeight uint64
	)

	if err := retry.Do(func() error {
		var err error
		intents, newHeight, err = o.source.PollOnce(ctx, checkpoint)
		return err
	}, rtyAtt, rtyDel, rtyErr, retry.Context(ctx)); err != nil {
		return checkpoint, errors.Wrap(err, "failed to poll source chain")
	}

	for i := range intents {
		intent := &intents[i]
		if err := o.store.RecordObserved(ctx, intent); err != nil {
			return checkpoint, &ledgerError{errors.Wrap(err, "failed to record observed intent")}
		}

		metrics.IntentsObserved.WithLabelValues(o.sourceConfig.Name).Inc()
		o.logger.WithFields(logrus.Fields{
			"chain":      o.sourceConfig.Name,
			"transferId": intent.TransferID.Hex(),
			"sequence":   intent.SourceSequence,
			"amount":     intent.Amount.String(),
			"block":      intent.SourceBlockHeight,
		}).Info("Observed transfer intent")
	}

	if newHeight > checkpoint {
		if err := o.store.AdvanceCheckpoint(ctx, o.sourceConfig.ChainID, newHeight); err != nil {
			return checkpoint, &ledgerError{errors.Wrap(err, "failed to advance checkpoint")}
		}
		metrics.CheckpointHeight.WithLabelValues(o.sourceConfig.Name).Set(float64(newHeight))
	}

	return newHeight, nil
}

// processPending re-evaluates intents waiting in the pipeline: OBSERVED
// intents go through the finality gate, FINALIZED intents are handed to the
// engine. Intents are processed sequentially, in replay order, within one
// orchestrator instance; at-most-once execution is enforced by the ledger
// CAS, not by this sequencing.
func (o *Orchestrator) processPending(ctx context.Context) error {
	currentHeight, err := o.sourceChain.LatestHeight(ctx)
	if err != nil {
		o.logger.WithField("chain", o.sourceConfig.Name).WithError(err).Warn("Failed to get source height, skipping gate pass")
		return nil
	}

	observed, err := o.store.IntentsInState(ctx, types.StateObserved)
	if err != nil {
		return errors.Wrap(err, "failed to list observed intents")
	}

	for i := range observed {
		record := &observed[i]
		if !o.gate.IsFinal(&record.Intent, currentHeight) {
			continue
		}

		err := o.store.TransitionTo(ctx, record.Intent.TransferID, types.StateObserved, types.StateFinalized, nil)
		if errors.Is(err, relayerrors.ErrStateConflict) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "failed to finalize intent")
		}
		metrics.IntentsFinalized.WithLabelValues(o.sourceConfig.Name).Inc()
	}

	finalized, err := o.store.IntentsInState(ctx, types.StateFinalized)
	if err != nil {
		return errors.Wrap(err, "failed to list finalized intents")
	}

	for i := range finalized {
		if ctx.Err() != nil {
			return nil
		}

		record := &finalized[i]
		if err := o.engine.Execute(ctx, &record.Intent); err != nil {
			// Transient execution errors leave the intent where it is; it is
			// re-driven on a later tick or by the reconciler.
			o.logger.WithFields(logrus.Fields{
				"transferId": record.Intent.TransferID.Hex(),
			}).WithError(err).Warn("Execution attempt did not resolve, will re-evaluate")
		}
	}

	return nil
}

// ledgerError marks failures of durable writes, which must halt the loop.
type ledgerError struct {
	error
}

func (e *ledgerError) Unwrap() error { return e.error }

func isLedgerErr(err error) bool {
	var le *ledgerError
	return errors.As(err, &le)
}
