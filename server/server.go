// Package server exposes the relayer's operational surface: checkpoint and
// state-count status, the conservation audit, the failed-transfer list, and
// the manual retry command.
package server

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	relayerrors "github.com/openbridge/relayer/common/errors"
	"github.com/openbridge/relayer/common/types"
	"github.com/openbridge/relayer/ledger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves the operational HTTP API.
type Server struct {
	logger        *logrus.Logger
	store         ledger.Ledger
	sourceChainID uint64
	sourceName    string
}

// New creates an operational API server over the given ledger.
//
// Parameters:
// - logger: the logger for logging events.
// - store: the durable transfer ledger.
// - sourceChainID: the source chain id whose checkpoint is reported.
// - sourceName: the source chain name used in the status payload.
//
// Returns:
// - *Server: a new Server instance.
func New(logger *logrus.Logger, store ledger.Ledger, sourceChainID uint64, sourceName string) *Server {
	return &Server{
		logger:        logger,
		store:         store,
		sourceChainID: sourceChainID,
		sourceName:    sourceName,
	}
}

// Router builds the chi router for the operational API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", s.handleStatus)
	r.Get("/transfers/failed", s.handleFailed)
	r.Post("/transfers/{transferID}/retry", s.handleRetry)

	return r
}

// statusResponse is the payload of GET /status.
type statusResponse struct {
	Checkpoints  map[string]uint64 `json:"checkpoints"`
	Counts       map[string]int64  `json:"counts"`
	Conservation conservation      `json:"conservation"`
}

// conservation reports the solvency audit: executed value must never exceed
// observed value.
type conservation struct {
	ObservedTotal string `json:"observedTotal"`
	ExecutedTotal string `json:"executedTotal"`
	Healthy       bool   `json:"healthy"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checkpoint, found, err := s.store.Checkpoint(ctx, s.sourceChainID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	counts, err := s.store.CountsByState(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	observedTotal, err := s.store.TotalAmountInStates(ctx, types.AllStates...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	executedTotal, err := s.store.TotalAmountInStates(ctx, types.StateExecuted)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := statusResponse{
		Checkpoints: map[string]uint64{},
		Counts:      map[string]int64{},
		Conservation: conservation{
			ObservedTotal: observedTotal.String(),
			ExecutedTotal: executedTotal.String(),
			Healthy:       executedTotal.Cmp(observedTotal) <= 0,
		},
	}
	if found {
		resp.Checkpoints[s.sourceName] = checkpoint
	}
	for _, state := range types.AllStates {
		resp.Counts[state.String()] = counts[state]
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// failedTransfer is one entry of GET /transfers/failed.
type failedTransfer struct {
	TransferID string `json:"transferId"`
	Sequence   uint64 `json:"sequence"`
	Recipient  string `json:"recipient"`
	Amount     string `json:"amount"`
	Reason     string `json:"reason"`
	DestTxHash string `json:"destTxHash,omitempty"`
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.IntentsInState(r.Context(), types.StateFailed)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	failed := make([]failedTransfer, 0, len(records))
	for i := range records {
		record := &records[i]
		entry := failedTransfer{
			TransferID: record.Intent.TransferID.Hex(),
			Sequence:   record.Intent.SourceSequence,
			Recipient:  record.Intent.Recipient.Hex(),
			Amount:     record.Intent.Amount.String(),
			Reason:     record.FailReason,
		}
		if record.Execution != nil {
			entry.DestTxHash = record.Execution.DestTxHash
		}
		failed = append(failed, entry)
	}

	s.writeJSON(w, http.StatusOK, failed)
}

// handleRetry forces a FAILED transfer back to FINALIZED so the engine
// re-evaluates it with all idempotency checks intact. Retrying is an operator
// decision; nothing in the relayer retries a rejected mint automatically.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "transferID")
	transferID := common.HexToHash(raw)

	err := s.store.TransitionTo(r.Context(), transferID, types.StateFailed, types.StateFinalized, nil)
	switch {
	case errors.Is(err, relayerrors.ErrTransferNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, relayerrors.ErrStateConflict):
		s.writeError(w, http.StatusConflict, errors.Errorf("transfer %s is not in FAILED state", raw))
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
	default:
		s.logger.WithField("transferId", transferID.Hex()).Info("Operator requested transfer retry")
		s.writeJSON(w, http.StatusAccepted, map[string]string{
			"transferId": transferID.Hex(),
			"state":      types.StateFinalized.String(),
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.WithError(err).Error("Operational API request failed")
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
