package orchestrator

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/openbridge/relayer/engine"
	"github.com/openbridge/relayer/eventsource"
	"github.com/openbridge/relayer/ledger"
	"github.com/pkg/errors"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testBridge    = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testSender    = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testRecipient = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

// transferEventJSON mirrors the TransferInitiated schema the source bridge
// emits, so tests can fabricate raw logs.
const transferEventJSON = `[
	{"type":"event","name":"TransferInitiated","inputs":[
		{"name":"sequence","type":"uint256","indexed":true},
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"payload","type":"bytes","indexed":false}
	]}
]`

var (
	transferEventOnce sync.Once
	transferEvent     abi.Event
)

func makeTransferLog(t *testing.T, sequence uint64, amount *big.Int, block uint64, index uint) ethtypes.Log {
	t.Helper()

	transferEventOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(transferEventJSON))
		require.NoError(t, err)
		transferEvent = parsed.Events["TransferInitiated"]
	})

	data, err := transferEvent.Inputs.NonIndexed().Pack(testRecipient, amount, []byte(nil))
	require.NoError(t, err)

	return ethtypes.Log{
		Address: testBridge,
		Topics: []common.Hash{
			transferEvent.ID,
			common.BigToHash(new(big.Int).SetUint64(sequence)),
			common.BytesToHash(testSender.Bytes()),
		},
		Data:        data,
		BlockNumber: block,
		Index:       index,
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(index)))),
	}
}

// fakeRelayChain serves both chain roles: log queries for the source side,
// mint submission and receipts for the destination side.
type fakeRelayChain struct {
	mu sync.Mutex

	latest    uint64
	finalized uint64
	logs      []ethtypes.Log

	processed        map[common.Hash]bool
	receipts         map[common.Hash]*ethtypes.Receipt
	submissions      []common.Hash
	revertIDs        map[common.Hash]bool
	withholdReceipts bool

	finalizedErrs int
}

func newFakeRelayChain() *fakeRelayChain {
	return &fakeRelayChain{
		processed: make(map[common.Hash]bool),
		receipts:  make(map[common.Hash]*ethtypes.Receipt),
		revertIDs: make(map[common.Hash]bool),
	}
}

func (c *fakeRelayChain) LatestHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest, nil
}

func (c *fakeRelayChain) FinalizedHeight(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalizedErrs > 0 {
		c.finalizedErrs--
		return 0, errors.New("rpc node unavailable")
	}
	return c.finalized, nil
}

func (c *fakeRelayChain) BlockTimestamp(ctx context.Context, height uint64) (uint64, error) {
	return 1700000000 + height, nil
}

func (c *fakeRelayChain) TransferLogs(ctx context.Context, fromBlock, toBlock uint64) ([]ethtypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ethtypes.Log
	for _, log := range c.logs {
		if log.BlockNumber >= fromBlock && log.BlockNumber <= toBlock {
			out = append(out, log)
		}
	}
	return out, nil
}

func (c *fakeRelayChain) SubmitMint(ctx context.Context, intent *types.TransferIntent) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	txHash := crypto.Keccak256Hash(intent.TransferID.Bytes(), []byte{byte(len(c.submissions))})
	c.submissions = append(c.submissions, intent.TransferID)
	c.processed[intent.TransferID] = true

	if !c.withholdReceipts {
		status := ethtypes.ReceiptStatusSuccessful
		if c.revertIDs[intent.TransferID] {
			status = ethtypes.ReceiptStatusFailed
		}
		c.receipts[txHash] = &ethtypes.Receipt{
			TxHash:            txHash,
			Status:            status,
			BlockNumber:       new(big.Int).SetUint64(c.latest),
			GasUsed:           60000,
			EffectiveGasPrice: big.NewInt(2_000_000_000),
		}
	}

	return txHash, nil
}

func (c *fakeRelayChain) Receipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (c *fakeRelayChain) IsProcessed(ctx context.Context, transferID common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processed[transferID], nil
}

// testPipeline wires a full orchestrator over fake chains and an in-memory
// ledger.
type testPipeline struct {
	sourceChain *fakeRelayChain
	destChain   *fakeRelayChain
	store       *ledger.MemoryLedger
	orch        *Orchestrator
}

func newTestPipeline(t *testing.T, store *ledger.MemoryLedger, startHeight uint64) *testPipeline {
	t.Helper()

	logger, _ := logrustest.NewNullLogger()

	sourceConfig := &types.ChainConfig{
		Name:                  "sourcechain",
		ChainID:               1,
		RequiredConfirmations: 5,
		PollInterval:          10 * time.Millisecond,
		StartHeight:           startHeight,
	}
	destConfig := &types.ChainConfig{
		Name:                  "destchain",
		ChainID:               2,
		RequiredConfirmations: 0,
	}

	sourceChain := newFakeRelayChain()
	sourceChain.latest = 100
	sourceChain.finalized = 100 - sourceConfig.RequiredConfirmations

	destChain := newFakeRelayChain()
	destChain.latest = 50

	source, err := eventsource.NewEventSource(sourceConfig, logger, sourceChain)
	require.NoError(t, err)

	eng := engine.New(destConfig, logger, destChain, store)
	eng.ReceiptPollInterval = 5 * time.Millisecond
	eng.InclusionTimeout = 250 * time.Millisecond

	reconciler := NewReconciler(destConfig, logger, destChain, store)
	orch := New(sourceConfig, logger, source, sourceChain, store, eng, reconciler, time.Minute)

	return &testPipeline{
		sourceChain: sourceChain,
		destChain:   destChain,
		store:       store,
		orch:        orch,
	}
}

func TestRunFailsWithoutCheckpoint(t *testing.T) {
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 0)

	err := p.orch.Run(context.Background())
	assert.True(t, errors.Is(err, relayerrors.ErrNoCheckpoint),
		"startup without a checkpoint or start height must fail, not guess")
}

func TestRecoverDrainsBacklog(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 1)
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
		makeTransferLog(t, 2, big.NewInt(200), 40, 2),
	}

	require.NoError(t, p.orch.recover(ctx))

	checkpoint, found, err := p.store.Checkpoint(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, p.sourceChain.finalized, checkpoint, "backlog drained up to the finalized height")

	observed, err := p.store.IntentsInState(ctx, types.StateObserved)
	require.NoError(t, err)
	assert.Len(t, observed, 2)
}

func TestTickRelaysEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 1)
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
	}

	require.NoError(t, p.orch.recover(ctx))
	require.NoError(t, p.orch.tick(ctx))

	transferID := types.DeriveTransferID(1, testBridge, 1)
	record, err := p.store.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State)
	assert.Len(t, p.destChain.submissions, 1)

	// Further ticks see nothing new and submit nothing new.
	require.NoError(t, p.orch.tick(ctx))
	assert.Len(t, p.destChain.submissions, 1)
}

func TestTickHoldsIntentUntilFinal(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 1)

	// The log is inside the polled window, so it is observed, but the head
	// has not yet moved far enough past it for the gate.
	p.sourceChain.latest = 100
	p.sourceChain.finalized = 98
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 98, 0),
	}

	require.NoError(t, p.orch.recover(ctx))

	transferID := types.DeriveTransferID(1, testBridge, 1)
	record, err := p.store.Get(ctx, transferID)
	require.NoError(t, err)
	require.Equal(t, types.StateObserved, record.State)

	// 100 - 98 < 5 confirmations: the gate must hold it.
	require.NoError(t, p.orch.tick(ctx))
	record, err = p.store.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateObserved, record.State)
	assert.Empty(t, p.destChain.submissions)

	// The head advances past the depth; the next tick relays it.
	p.sourceChain.mu.Lock()
	p.sourceChain.latest = 103
	p.sourceChain.mu.Unlock()

	require.NoError(t, p.orch.tick(ctx))
	record, err = p.store.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State)
}

func TestRestartReplaysWithoutDoubleExecution(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryLedger()

	first := newTestPipeline(t, store, 1)
	first.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
	}
	require.NoError(t, first.orch.recover(ctx))
	require.NoError(t, first.orch.tick(ctx))
	require.Len(t, first.destChain.submissions, 1)

	// A fresh process over the same ledger and the same destination truth:
	// recovery replays the source logs, but the executed transfer must not
	// be minted again.
	second := newTestPipeline(t, store, 0)
	second.sourceChain.logs = first.sourceChain.logs
	second.destChain.processed = first.destChain.processed
	second.destChain.receipts = first.destChain.receipts

	require.NoError(t, second.orch.recover(ctx))
	require.NoError(t, second.orch.tick(ctx))

	assert.Empty(t, second.destChain.submissions, "replay after restart must not re-execute")

	transferID := types.DeriveTransferID(1, testBridge, 1)
	record, err := store.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State)
}

func TestRestartFinishesInterruptedObservation(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryLedger()

	// Simulate a crash between observation and execution: the intent is
	// OBSERVED and the checkpoint covers its block, but nothing ran further.
	intent := &types.TransferIntent{
		TransferID:        types.DeriveTransferID(1, testBridge, 1),
		SourceChainID:     1,
		SourceContract:    testBridge,
		SourceSequence:    1,
		Sender:            testSender,
		Recipient:         testRecipient,
		Amount:            big.NewInt(100),
		SourceBlockHeight: 10,
	}
	require.NoError(t, store.RecordObserved(ctx, intent))
	require.NoError(t, store.AdvanceCheckpoint(ctx, 1, 95))

	p := newTestPipeline(t, store, 0)
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
	}

	require.NoError(t, p.orch.recover(ctx))
	require.NoError(t, p.orch.tick(ctx))

	record, err := store.Get(ctx, intent.TransferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State)
	assert.Len(t, p.destChain.submissions, 1)
}

func TestConservationUnderMixedOutcomes(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 1)
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
		makeTransferLog(t, 2, big.NewInt(250), 11, 0),
		makeTransferLog(t, 3, big.NewInt(400), 12, 0),
	}
	p.destChain.revertIDs[types.DeriveTransferID(1, testBridge, 2)] = true

	require.NoError(t, p.orch.recover(ctx))
	require.NoError(t, p.orch.tick(ctx))

	counts, err := p.store.CountsByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[types.StateExecuted])
	assert.Equal(t, int64(1), counts[types.StateFailed])

	executed, err := p.store.TotalAmountInStates(ctx, types.StateExecuted)
	require.NoError(t, err)
	observed, err := p.store.TotalAmountInStates(ctx, types.AllStates...)
	require.NoError(t, err)

	assert.Equal(t, int64(500), executed.Int64())
	assert.Equal(t, int64(750), observed.Int64())
	assert.True(t, executed.Cmp(observed) <= 0, "executed value never exceeds observed value")
}

func TestTickAbsorbsTransientPollFailure(t *testing.T) {
	ctx := context.Background()
	p := newTestPipeline(t, ledger.NewMemoryLedger(), 1)
	p.sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
	}

	require.NoError(t, p.orch.recover(ctx))

	// One flaky RPC response is retried within the tick and must not
	// escalate.
	p.sourceChain.mu.Lock()
	p.sourceChain.finalizedErrs = 1
	p.sourceChain.mu.Unlock()

	require.NoError(t, p.orch.tick(ctx))

	transferID := types.DeriveTransferID(1, testBridge, 1)
	record, err := p.store.Get(ctx, transferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State)
}

// failingLedger injects a durable-write failure under an otherwise working
// ledger.
type failingLedger struct {
	ledger.Ledger
	recordErr error
}

func (l *failingLedger) RecordObserved(ctx context.Context, intent *types.TransferIntent) error {
	if l.recordErr != nil {
		return l.recordErr
	}
	return l.Ledger.RecordObserved(ctx, intent)
}

func TestTickEscalatesLedgerFailure(t *testing.T) {
	ctx := context.Background()
	logger, _ := logrustest.NewNullLogger()

	sourceConfig := &types.ChainConfig{
		Name:                  "sourcechain",
		ChainID:               1,
		RequiredConfirmations: 5,
		PollInterval:          10 * time.Millisecond,
		StartHeight:           1,
	}
	destConfig := &types.ChainConfig{Name: "destchain", ChainID: 2}

	sourceChain := newFakeRelayChain()
	sourceChain.latest = 100
	sourceChain.finalized = 95
	sourceChain.logs = []ethtypes.Log{
		makeTransferLog(t, 1, big.NewInt(100), 10, 0),
	}
	destChain := newFakeRelayChain()

	store := &failingLedger{
		Ledger:    ledger.NewMemoryLedger(),
		recordErr: errors.New("connection refused"),
	}

	source, err := eventsource.NewEventSource(sourceConfig, logger, sourceChain)
	require.NoError(t, err)

	eng := engine.New(destConfig, logger, destChain, store)
	reconciler := NewReconciler(destConfig, logger, destChain, store)
	orch := New(sourceConfig, logger, source, sourceChain, store, eng, reconciler, time.Minute)

	// Continuing past a failed durable write risks losing transfers; the
	// tick must escalate instead of absorbing it like a poll failure.
	err = orch.tick(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
