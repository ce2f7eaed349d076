package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/enrich"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

type createEnrichmentRequest struct {
	UserID      string   `json:"user_id"`
	ImportJobID string   `json:"import_job_id,omitempty"`
	AccountID   string   `json:"account_id,omitempty"`
	Direction   string   `json:"direction,omitempty"`
	IDs         []string `json:"transaction_ids,omitempty"`
	BatchSize   int      `json:"batch_size,omitempty"`
}

// handleCreateEnrichment starts an enrichment run in the background. The job
// id is generated here so the caller can poll before the run finishes.
func (s *Server) handleCreateEnrichment(w http.ResponseWriter, r *http.Request) {
	var req createEnrichmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, eris.Wrap(err, "api: decode enrichment request"))
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, eris.New("api: user_id is required"))
		return
	}
	switch req.Direction {
	case "", string(model.TransactionDebit), string(model.TransactionCredit):
	default:
		respondError(w, http.StatusBadRequest, eris.Errorf("api: unknown direction %q", req.Direction))
		return
	}

	jobID := uuid.NewString()
	s.runner.Submit(s.base, "enrichment "+jobID, func(ctx context.Context) error {
		_, err := s.enrich.Run(ctx, enrich.RunRequest{
			UserID:      req.UserID,
			ImportJobID: req.ImportJobID,
			AccountID:   req.AccountID,
			Direction:   req.Direction,
			IDs:         req.IDs,
			BatchSize:   req.BatchSize,
			JobID:       jobID,
		})
		return err
	})
	respond(w, http.StatusAccepted, map[string]string{"id": jobID, "status": "accepted"})
}

func (s *Server) handleGetEnrichment(w http.ResponseWriter, r *http.Request) {
	job, ok := s.enrichmentJob(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusOK, job)
}

func (s *Server) handleCancelEnrichment(w http.ResponseWriter, r *http.Request) {
	job, ok := s.enrichmentJob(w, r)
	if !ok {
		return
	}
	if err := s.enrich.Cancel(r.Context(), job.ID); err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	respond(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "cancel_requested"})
}

// handleRetryEnrichment starts a fresh background run over the failed
// transactions of a terminal job.
func (s *Server) handleRetryEnrichment(w http.ResponseWriter, r *http.Request) {
	job, ok := s.enrichmentJob(w, r)
	if !ok {
		return
	}
	if job.Status == model.EnrichmentRunning {
		respondError(w, http.StatusConflict, eris.Errorf("api: enrichment job %s is still running", job.ID))
		return
	}
	if len(job.FailedIDs) == 0 {
		respondError(w, http.StatusConflict, eris.Errorf("api: enrichment job %s has no failed transactions", job.ID))
		return
	}

	retryID := uuid.NewString()
	s.runner.Submit(s.base, "enrichment-retry "+retryID, func(ctx context.Context) error {
		_, err := s.enrich.Run(ctx, enrich.RunRequest{
			UserID:      job.UserID,
			ImportJobID: job.ImportJobID,
			IDs:         job.FailedIDs,
			BatchSize:   job.BatchSize,
			JobID:       retryID,
		})
		return err
	})
	respond(w, http.StatusAccepted, map[string]string{"id": retryID, "status": "accepted"})
}

// handleEnrichmentFailures returns the transactions a job failed to enrich.
func (s *Server) handleEnrichmentFailures(w http.ResponseWriter, r *http.Request) {
	job, ok := s.enrichmentJob(w, r)
	if !ok {
		return
	}

	txs := []model.Transaction{}
	if len(job.FailedIDs) > 0 {
		var err error
		txs, err = s.store.ListTransactions(r.Context(), store.TransactionFilter{IDs: job.FailedIDs})
		if err != nil {
			respondError(w, http.StatusInternalServerError, err)
			return
		}
	}
	respond(w, http.StatusOK, map[string]any{
		"job_id":       job.ID,
		"failed_ids":   job.FailedIDs,
		"transactions": txs,
	})
}

func (s *Server) enrichmentJob(w http.ResponseWriter, r *http.Request) (*model.EnrichmentJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetEnrichmentJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return nil, false
	}
	if job == nil {
		respondError(w, http.StatusNotFound, eris.Errorf("api: enrichment job not found: %s", id))
		return nil, false
	}
	return job, true
}
