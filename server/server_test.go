package server

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/openbridge/relayer/common/types"
	"github.com/openbridge/relayer/ledger"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(store ledger.Ledger) *httptest.Server {
	logger, _ := logrustest.NewNullLogger()
	return httptest.NewServer(New(logger, store, 1, "sourcechain").Router())
}

func seedTransfer(t *testing.T, store ledger.Ledger, sequence uint64, amount int64, states ...types.TransferState) *types.TransferIntent {
	t.Helper()
	ctx := context.Background()

	contract := common.HexToAddress("0x1000000000000000000000000000000000000001")
	intent := &types.TransferIntent{
		TransferID:        types.DeriveTransferID(1, contract, sequence),
		SourceChainID:     1,
		SourceContract:    contract,
		SourceSequence:    sequence,
		Recipient:         common.HexToAddress("0x3000000000000000000000000000000000000003"),
		Amount:            big.NewInt(amount),
		SourceBlockHeight: 100 + sequence,
	}
	require.NoError(t, store.RecordObserved(ctx, intent))

	current := types.StateObserved
	for _, next := range states {
		payload := &ledger.TransitionPayload{}
		if next == types.StateFailed {
			payload.Reason = "mint transaction reverted on destination chain"
		}
		require.NoError(t, store.TransitionTo(ctx, intent.TransferID, current, next, payload))
		current = next
	}
	return intent
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(ledger.NewMemoryLedger())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusReportsCountsAndConservation(t *testing.T) {
	store := ledger.NewMemoryLedger()
	require.NoError(t, store.AdvanceCheckpoint(context.Background(), 1, 1234))

	seedTransfer(t, store, 1, 100)
	seedTransfer(t, store, 2, 250, types.StateFinalized, types.StateSubmitted, types.StateExecuted)

	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status struct {
		Checkpoints  map[string]uint64 `json:"checkpoints"`
		Counts       map[string]int64  `json:"counts"`
		Conservation struct {
			ObservedTotal string `json:"observedTotal"`
			ExecutedTotal string `json:"executedTotal"`
			Healthy       bool   `json:"healthy"`
		} `json:"conservation"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

	assert.Equal(t, uint64(1234), status.Checkpoints["sourcechain"])
	assert.Equal(t, int64(1), status.Counts["OBSERVED"])
	assert.Equal(t, int64(1), status.Counts["EXECUTED"])
	assert.Equal(t, "350", status.Conservation.ObservedTotal)
	assert.Equal(t, "250", status.Conservation.ExecutedTotal)
	assert.True(t, status.Conservation.Healthy)
}

func TestFailedTransferListing(t *testing.T) {
	store := ledger.NewMemoryLedger()
	intent := seedTransfer(t, store, 1, 100, types.StateFinalized, types.StateSubmitted, types.StateFailed)

	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/transfers/failed")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var failed []struct {
		TransferID string `json:"transferId"`
		Reason     string `json:"reason"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&failed))

	require.Len(t, failed, 1)
	assert.Equal(t, intent.TransferID.Hex(), failed[0].TransferID)
	assert.NotEmpty(t, failed[0].Reason)
}

func TestRetryRequeuesFailedTransfer(t *testing.T) {
	store := ledger.NewMemoryLedger()
	intent := seedTransfer(t, store, 1, 100, types.StateFinalized, types.StateSubmitted, types.StateFailed)

	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers/"+intent.TransferID.Hex()+"/retry", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	record, err := store.Get(context.Background(), intent.TransferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateFinalized, record.State)
}

func TestRetryRejectsWrongState(t *testing.T) {
	store := ledger.NewMemoryLedger()
	intent := seedTransfer(t, store, 1, 100, types.StateFinalized, types.StateSubmitted, types.StateExecuted)

	srv := newTestServer(store)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers/"+intent.TransferID.Hex()+"/retry", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	record, err := store.Get(context.Background(), intent.TransferID)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuted, record.State, "an executed transfer is never re-queued")
}

func TestRetryUnknownTransfer(t *testing.T) {
	srv := newTestServer(ledger.NewMemoryLedger())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/transfers/"+common.HexToHash("0xdead").Hex()+"/retry", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
