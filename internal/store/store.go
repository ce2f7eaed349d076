// Package store persists the synchronization and enrichment pipeline state.
package store

import (
	"context"
	"time"

	"github.com/arcfin/ledgersync/internal/model"
)

// TransactionFilter selects transactions. The zero value matches everything.
// Results are always ordered by ascending id so batch processing is
// deterministic and progress is monotonic.
type TransactionFilter struct {
	IDs         []string
	AccountID   string
	Unenriched  bool   // category still null
	Direction   string // "debit", "credit" or ""
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// JobFilter selects import jobs for history listings.
type JobFilter struct {
	UserID string
	Status model.JobStatus
	Limit  int
}

// CandidateQuery pre-filters lookup rows around a transaction. Ranking by
// description similarity happens in the enrichment stage, not in SQL.
type CandidateQuery struct {
	Date       time.Time
	WindowDays int
	Limit      int
}

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Accounts
	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	AdvanceWatermark(ctx context.Context, accountID string, t time.Time) error

	// Transactions. InsertTransaction is an insert-or-no-op on the
	// normalized provider id; it reports whether a row was created.
	InsertTransaction(ctx context.Context, t model.Transaction) (bool, error)
	GetTransaction(ctx context.Context, id string) (*model.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error)
	CountTransactions(ctx context.Context, f TransactionFilter) (int, error)
	ApplyEnrichment(ctx context.Context, txID string, res model.EnrichmentResult) error

	// Import jobs
	CreateImportJob(ctx context.Context, job model.ImportJob) error
	UpdateImportJobStatus(ctx context.Context, id string, status model.JobStatus) error
	FinishImportJob(ctx context.Context, id string, status model.JobStatus, counts model.SyncCounts, errMsg string) error
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	ListImportJobs(ctx context.Context, f JobFilter) ([]model.ImportJob, error)

	// Account progress. Each transition is one committed write.
	CreateAccountProgress(ctx context.Context, p model.AccountProgress) error
	MarkAccountSyncing(ctx context.Context, id string) error
	FinishAccountProgress(ctx context.Context, id string, status model.AccountSyncStatus, counts model.SyncCounts, errMsg string) error
	ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error)

	// Enrichment jobs
	CreateEnrichmentJob(ctx context.Context, job model.EnrichmentJob) error
	GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	UpdateEnrichmentProgress(ctx context.Context, job model.EnrichmentJob) error
	RequestEnrichmentCancel(ctx context.Context, id string) error
	EnrichmentCancelRequested(ctx context.Context, id string) (bool, error)
	FinishEnrichmentJob(ctx context.Context, id string, status model.EnrichmentJobStatus, errMsg string) error

	// Enrichment cache. Get returns (nil, nil) on miss and bumps the hit
	// counter on hit; Put is an insert-or-no-op on signature.
	GetCacheEntry(ctx context.Context, signature string) (*model.EnrichmentCacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.EnrichmentCacheEntry) error
	CacheStats(ctx context.Context) (model.CacheStats, error)

	// Enrichment sources. Adding a primary source demotes the previous
	// primary in the same write.
	AddEnrichmentSource(ctx context.Context, src model.EnrichmentSource) error
	ListEnrichmentSources(ctx context.Context, txID string) ([]model.EnrichmentSource, error)

	// Lookup tables
	InsertCommerceOrders(ctx context.Context, rows []model.CommerceOrder) (int64, error)
	InsertCommerceReturns(ctx context.Context, rows []model.CommerceReturn) (int64, error)
	InsertAppStorePurchases(ctx context.Context, rows []model.AppStorePurchase) (int64, error)
	FindCandidateOrders(ctx context.Context, q CandidateQuery) ([]model.CommerceOrder, error)
	FindCandidateReturns(ctx context.Context, q CandidateQuery) ([]model.CommerceReturn, error)
	FindCandidatePurchases(ctx context.Context, q CandidateQuery) ([]model.AppStorePurchase, error)
	// ClaimCommerceOrder atomically marks an order as consumed by a
	// transaction. Returns false if another run already claimed it.
	ClaimCommerceOrder(ctx context.Context, orderID, txID string) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
