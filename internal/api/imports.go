package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/importer"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

type planImportRequest struct {
	UserID       string   `json:"user_id"`
	ConnectionID string   `json:"connection_id"`
	From         string   `json:"from"` // YYYY-MM-DD
	To           string   `json:"to"`
	AccountIDs   []string `json:"account_ids,omitempty"`
	AutoEnrich   bool     `json:"auto_enrich"`
	BatchSize    int      `json:"batch_size"`
}

func (s *Server) handlePlanImport(w http.ResponseWriter, r *http.Request) {
	var req planImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, eris.Wrap(err, "api: decode plan request"))
		return
	}
	if req.UserID == "" || req.ConnectionID == "" {
		respondError(w, http.StatusBadRequest, eris.New("api: user_id and connection_id are required"))
		return
	}
	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		respondError(w, http.StatusBadRequest, eris.Wrap(err, "api: parse from date"))
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil {
		respondError(w, http.StatusBadRequest, eris.Wrap(err, "api: parse to date"))
		return
	}

	job, err := s.imports.Plan(r.Context(), importer.PlanRequest{
		UserID:       req.UserID,
		ConnectionID: req.ConnectionID,
		From:         from,
		To:           to,
		AccountIDs:   req.AccountIDs,
		AutoEnrich:   req.AutoEnrich,
		BatchSize:    req.BatchSize,
	})
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	respond(w, http.StatusCreated, job)
}

func (s *Server) handleStartImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetImportJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, eris.Errorf("api: import job not found: %s", id))
		return
	}
	if job.Status != model.JobPlanned {
		respondError(w, http.StatusConflict,
			eris.Errorf("api: import job %s is %s, only planned jobs can start", id, job.Status))
		return
	}

	s.runner.Submit(s.base, "import "+id, func(ctx context.Context) error {
		_, err := s.imports.Run(ctx, id)
		return err
	})
	respond(w, http.StatusAccepted, map[string]string{"id": id, "status": "accepted"})
}

func (s *Server) handleGetImport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetImportJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		respondError(w, http.StatusNotFound, eris.Errorf("api: import job not found: %s", id))
		return
	}

	progress, err := importer.Progress(r.Context(), s.store, id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, progress)
}

func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		UserID: r.URL.Query().Get("user_id"),
		Status: model.JobStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, eris.Errorf("api: invalid limit %q", raw))
			return
		}
		f.Limit = limit
	}

	all, err := s.store.ListImportJobs(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{"jobs": all})
}
