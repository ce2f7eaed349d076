package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfin/ledgersync/internal/enrich"
	"github.com/arcfin/ledgersync/internal/importer"
	"github.com/arcfin/ledgersync/internal/jobs"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

type fakeAPIStore struct {
	mu           sync.Mutex
	importJobs   map[string]*model.ImportJob
	progress     map[string][]model.AccountProgress
	enrichJobs   map[string]*model.EnrichmentJob
	transactions map[string]model.Transaction
	stats        model.CacheStats
}

func newFakeAPIStore() *fakeAPIStore {
	return &fakeAPIStore{
		importJobs:   map[string]*model.ImportJob{},
		progress:     map[string][]model.AccountProgress{},
		enrichJobs:   map[string]*model.EnrichmentJob{},
		transactions: map[string]model.Transaction{},
	}
}

func (f *fakeAPIStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.importJobs[id], nil
}

func (f *fakeAPIStore) ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.progress[jobID], nil
}

func (f *fakeAPIStore) ListImportJobs(ctx context.Context, filter store.JobFilter) ([]model.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.ImportJob
	for _, j := range f.importJobs {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		out = append(out, *j)
	}
	return out, nil
}

func (f *fakeAPIStore) GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enrichJobs[id], nil
}

func (f *fakeAPIStore) ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Transaction
	for _, id := range filter.IDs {
		if tx, ok := f.transactions[id]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeAPIStore) CacheStats(ctx context.Context) (model.CacheStats, error) {
	return f.stats, nil
}

type fakeImportService struct {
	mu      sync.Mutex
	planned *model.ImportJob
	planErr error
	runIDs  []string
}

func (f *fakeImportService) Plan(ctx context.Context, req importer.PlanRequest) (*model.ImportJob, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	return f.planned, nil
}

func (f *fakeImportService) Run(ctx context.Context, jobID string) (*model.ImportJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runIDs = append(f.runIDs, jobID)
	return &model.ImportJob{ID: jobID, Status: model.JobCompleted}, nil
}

type fakeEnrichService struct {
	mu        sync.Mutex
	runs      []enrich.RunRequest
	cancelled []string
	cancelErr error
}

func (f *fakeEnrichService) Run(ctx context.Context, req enrich.RunRequest) (*model.EnrichmentJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, req)
	return &model.EnrichmentJob{ID: req.JobID, Status: model.EnrichmentCompleted}, nil
}

func (f *fakeEnrichService) Cancel(ctx context.Context, jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type testServer struct {
	store   *fakeAPIStore
	imports *fakeImportService
	enrich  *fakeEnrichService
	runner  *jobs.Runner
	http    *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := newFakeAPIStore()
	imports := &fakeImportService{}
	enrichSvc := &fakeEnrichService{}
	runner := jobs.NewRunner()
	srv := NewServer(context.Background(), st, imports, enrichSvc, runner, nil)
	h := httptest.NewServer(srv.Router())
	t.Cleanup(h.Close)
	return &testServer{store: st, imports: imports, enrich: enrichSvc, runner: runner, http: h}
}

// drain waits for background jobs started by a handler.
func (ts *testServer) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ts.runner.Shutdown(ctx))
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.http.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestPlanImport(t *testing.T) {
	ts := newTestServer(t)
	ts.imports.planned = &model.ImportJob{ID: "job-1", Status: model.JobPlanned}

	resp, body := ts.do(t, http.MethodPost, "/imports/plan", map[string]any{
		"user_id":       "u-1",
		"connection_id": "conn-1",
		"from":          "2025-01-01",
		"to":            "2025-02-01",
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "job-1", body["id"])
}

func TestPlanImportRejectsBadInput(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/imports/plan", map[string]any{
		"user_id": "u-1", "connection_id": "conn-1", "from": "not-a-date", "to": "2025-02-01",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/imports/plan", map[string]any{
		"from": "2025-01-01", "to": "2025-02-01",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartImportRunsInBackground(t *testing.T) {
	ts := newTestServer(t)
	ts.store.importJobs["job-1"] = &model.ImportJob{ID: "job-1", Status: model.JobPlanned}

	resp, body := ts.do(t, http.MethodPost, "/imports/job-1/start", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "accepted", body["status"])

	ts.drain(t)
	assert.Equal(t, []string{"job-1"}, ts.imports.runIDs)
}

func TestStartImportStateChecks(t *testing.T) {
	ts := newTestServer(t)
	ts.store.importJobs["done"] = &model.ImportJob{ID: "done", Status: model.JobCompleted}

	resp, _ := ts.do(t, http.MethodPost, "/imports/missing/start", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/imports/done/start", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetImportProgress(t *testing.T) {
	ts := newTestServer(t)
	ts.store.importJobs["job-1"] = &model.ImportJob{ID: "job-1", Status: model.JobRunning}
	ts.store.progress["job-1"] = []model.AccountProgress{
		{AccountID: "acct-1", Status: model.AccountCompleted},
		{AccountID: "acct-2", Status: model.AccountSyncing},
	}

	resp, body := ts.do(t, http.MethodGet, "/imports/job-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 50.0, body["percent"])

	resp, _ = ts.do(t, http.MethodGet, "/imports/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListImportsFiltersByUser(t *testing.T) {
	ts := newTestServer(t)
	ts.store.importJobs["a"] = &model.ImportJob{ID: "a", UserID: "u-1"}
	ts.store.importJobs["b"] = &model.ImportJob{ID: "b", UserID: "u-2"}

	resp, body := ts.do(t, http.MethodGet, "/imports/?user_id=u-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := body["jobs"].([]any)
	require.Len(t, jobs, 1)
	assert.Equal(t, "a", jobs[0].(map[string]any)["id"])
}

func TestCreateEnrichmentReturnsIDBeforeRunEnds(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/enrichments/", map[string]any{
		"user_id":    "u-1",
		"account_id": "acct-1",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["id"].(string)
	assert.NotEmpty(t, id)

	ts.drain(t)
	require.Len(t, ts.enrich.runs, 1)
	assert.Equal(t, id, ts.enrich.runs[0].JobID)
	assert.Equal(t, "u-1", ts.enrich.runs[0].UserID)
	assert.Equal(t, "acct-1", ts.enrich.runs[0].AccountID)
}

func TestCreateEnrichmentRequiresUser(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/enrichments/", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateEnrichmentForwardsDirectionAndBatchSize(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/enrichments/", map[string]any{
		"user_id":    "u-1",
		"direction":  "credit",
		"batch_size": 5,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ts.drain(t)
	require.Len(t, ts.enrich.runs, 1)
	assert.Equal(t, "credit", ts.enrich.runs[0].Direction)
	assert.Equal(t, 5, ts.enrich.runs[0].BatchSize)
}

func TestCreateEnrichmentRejectsUnknownDirection(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodPost, "/enrichments/", map[string]any{
		"user_id": "u-1", "direction": "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	ts.drain(t)
	assert.Empty(t, ts.enrich.runs)
}

func TestGetEnrichment(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["e-1"] = &model.EnrichmentJob{ID: "e-1", Status: model.EnrichmentRunning, Total: 10}

	resp, body := ts.do(t, http.MethodGet, "/enrichments/e-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", body["status"])

	resp, _ = ts.do(t, http.MethodGet, "/enrichments/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEnrichment(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["e-1"] = &model.EnrichmentJob{ID: "e-1", Status: model.EnrichmentRunning}

	resp, body := ts.do(t, http.MethodPost, "/enrichments/e-1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancel_requested", body["status"])
	assert.Equal(t, []string{"e-1"}, ts.enrich.cancelled)
}

func TestCancelEnrichmentConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["e-1"] = &model.EnrichmentJob{ID: "e-1", Status: model.EnrichmentCompleted}
	ts.enrich.cancelErr = eris.New("only running jobs can be cancelled")

	resp, _ := ts.do(t, http.MethodPost, "/enrichments/e-1/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRetryEnrichment(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["e-1"] = &model.EnrichmentJob{
		ID:        "e-1",
		UserID:    "u-1",
		Status:    model.EnrichmentCompleted,
		FailedIDs: []string{"tx-1", "tx-2"},
	}

	resp, body := ts.do(t, http.MethodPost, "/enrichments/e-1/retry", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	retryID := body["id"].(string)
	assert.NotEqual(t, "e-1", retryID)

	ts.drain(t)
	require.Len(t, ts.enrich.runs, 1)
	assert.Equal(t, retryID, ts.enrich.runs[0].JobID)
	assert.Equal(t, []string{"tx-1", "tx-2"}, ts.enrich.runs[0].IDs)
}

func TestRetryEnrichmentStateChecks(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["running"] = &model.EnrichmentJob{ID: "running", Status: model.EnrichmentRunning, FailedIDs: []string{"tx-1"}}
	ts.store.enrichJobs["clean"] = &model.EnrichmentJob{ID: "clean", Status: model.EnrichmentCompleted}

	resp, _ := ts.do(t, http.MethodPost, "/enrichments/running/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/enrichments/clean/retry", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestEnrichmentFailures(t *testing.T) {
	ts := newTestServer(t)
	ts.store.enrichJobs["e-1"] = &model.EnrichmentJob{
		ID: "e-1", Status: model.EnrichmentCompleted, FailedIDs: []string{"tx-1"},
	}
	ts.store.transactions["tx-1"] = model.Transaction{ID: "tx-1", Description: "coffee shop"}

	resp, body := ts.do(t, http.MethodGet, "/enrichments/e-1/failures", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	txs := body["transactions"].([]any)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].(map[string]any)["id"])
}

func TestCacheStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.store.stats = model.CacheStats{Entries: 4, Hits: 12, Misses: 4}

	resp, body := ts.do(t, http.MethodGet, "/cache/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 12.0, body["hits"])
}

func TestRouterHonorsAllowedOrigins(t *testing.T) {
	srv := NewServer(context.Background(), newFakeAPIStore(), &fakeImportService{},
		&fakeEnrichService{}, jobs.NewRunner(), []string{"http://app.internal"})
	h := httptest.NewServer(srv.Router())
	t.Cleanup(h.Close)

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, h.URL+"/health", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := preflight("http://app.internal")
	assert.Equal(t, "http://app.internal", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("http://elsewhere.internal")
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
