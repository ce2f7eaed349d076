package model

import "time"

// JobStatus is the import job state machine:
// planned → running → {completed, failed, enriching → completed}.
type JobStatus string

const (
	JobPlanned   JobStatus = "planned"
	JobRunning   JobStatus = "running"
	JobEnriching JobStatus = "enriching"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job can no longer transition.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AccountSyncStatus is the per-account state within an import job.
type AccountSyncStatus string

const (
	AccountPending   AccountSyncStatus = "pending"
	AccountSyncing   AccountSyncStatus = "syncing"
	AccountCompleted AccountSyncStatus = "completed"
	AccountFailed    AccountSyncStatus = "failed"
)

// SyncCounts aggregates the outcome of upserting one window of transactions.
type SyncCounts struct {
	Synced     int `json:"synced"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// Add accumulates other into c.
func (c *SyncCounts) Add(other SyncCounts) {
	c.Synced += other.Synced
	c.Duplicates += other.Duplicates
	c.Errors += other.Errors
}

// ImportJob is one planned or executed batch import. Rows persist
// indefinitely as audit history and are read-only once terminal.
type ImportJob struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	ConnectionID string          `json:"connection_id"`
	Status       JobStatus       `json:"status"`
	FromDate     time.Time       `json:"from_date"`
	ToDate       time.Time       `json:"to_date"`
	AccountIDs   []string        `json:"account_ids"`
	Counts       SyncCounts      `json:"counts"`
	AutoEnrich   bool            `json:"auto_enrich"`
	BatchSize    int             `json:"batch_size"`
	Estimate     *ImportEstimate `json:"estimate,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ImportEstimate is the dry-run cost/duration estimate computed at plan time.
type ImportEstimate struct {
	Accounts         int           `json:"accounts"`
	TransactionCount int           `json:"transaction_count"`
	Duration         time.Duration `json:"duration"`
	EnrichCostUSD    float64       `json:"enrich_cost_usd"`
}

// AccountProgress is the per-account child row of an ImportJob. One row per
// (job, account) pair; terminal independently of sibling rows.
type AccountProgress struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	AccountID   string            `json:"account_id"`
	Status      AccountSyncStatus `json:"status"`
	Counts      SyncCounts        `json:"counts"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// JobProgress is a point-in-time snapshot assembled for status polling.
type JobProgress struct {
	Job      ImportJob         `json:"job"`
	Accounts []AccountProgress `json:"accounts"`
	Percent  float64           `json:"percent"`
}

// EnrichmentJobStatus is the enrichment job state.
type EnrichmentJobStatus string

const (
	EnrichmentRunning   EnrichmentJobStatus = "running"
	EnrichmentCompleted EnrichmentJobStatus = "completed"
	EnrichmentCancelled EnrichmentJobStatus = "cancelled"
	EnrichmentFailed    EnrichmentJobStatus = "failed"
)

// EnrichmentJob tracks one batched LLM enrichment run: counters, cost totals
// and the cooperative cancel flag checked between batches.
type EnrichmentJob struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	ImportJobID     string              `json:"import_job_id,omitempty"`
	Status          EnrichmentJobStatus `json:"status"`
	BatchSize       int                 `json:"batch_size"`
	Total           int                 `json:"total"`
	Processed       int                 `json:"processed"`
	CachedHits      int                 `json:"cached_hits"`
	Failed          int                 `json:"failed"`
	FailedIDs       []string            `json:"failed_ids,omitempty"`
	InputTokens     int64               `json:"input_tokens"`
	OutputTokens    int64               `json:"output_tokens"`
	CostUSD         float64             `json:"cost_usd"`
	CancelRequested bool                `json:"cancel_requested"`
	Error           string              `json:"error,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
}
