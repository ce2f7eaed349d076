package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/arcfin/ledgersync/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database. It mirrors
// PostgresStore for local development and single-binary deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and creates if needed) a SQLite database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	connection_id  TEXT NOT NULL,
	name           TEXT NOT NULL,
	kind           TEXT NOT NULL DEFAULT 'account',
	currency       TEXT NOT NULL,
	last_synced_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
	id                     TEXT PRIMARY KEY,
	account_id             TEXT NOT NULL REFERENCES accounts(id),
	provider_tx_id         TEXT NOT NULL,
	normalized_provider_id TEXT NOT NULL UNIQUE,
	posted_at              TIMESTAMP NOT NULL,
	description            TEXT NOT NULL,
	amount_minor           INTEGER NOT NULL,
	currency               TEXT NOT NULL,
	tx_type                TEXT NOT NULL,
	balance_minor          INTEGER,
	category               TEXT,
	subcategory            TEXT,
	merchant_name          TEXT,
	merchant_type          TEXT,
	essential              BOOLEAN,
	needs_enrichment       BOOLEAN NOT NULL DEFAULT 1,
	enriched_at            TIMESTAMP,
	created_at             TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, posted_at);

CREATE TABLE IF NOT EXISTS import_jobs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'planned',
	from_date     TIMESTAMP NOT NULL,
	to_date       TIMESTAMP NOT NULL,
	account_ids   TEXT NOT NULL,
	synced        INTEGER NOT NULL DEFAULT 0,
	duplicates    INTEGER NOT NULL DEFAULT 0,
	errors        INTEGER NOT NULL DEFAULT 0,
	auto_enrich   BOOLEAN NOT NULL DEFAULT 0,
	batch_size    INTEGER NOT NULL DEFAULT 0,
	estimate      TEXT,
	metadata      TEXT,
	error         TEXT,
	created_at    TIMESTAMP NOT NULL,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP
);

CREATE TABLE IF NOT EXISTS account_progress (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES import_jobs(id),
	account_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	synced       INTEGER NOT NULL DEFAULT 0,
	duplicates   INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP,
	UNIQUE (job_id, account_id)
);

CREATE TABLE IF NOT EXISTS enrichment_jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	import_job_id    TEXT,
	status           TEXT NOT NULL DEFAULT 'running',
	batch_size       INTEGER NOT NULL,
	total            INTEGER NOT NULL DEFAULT 0,
	processed        INTEGER NOT NULL DEFAULT 0,
	cached_hits      INTEGER NOT NULL DEFAULT 0,
	failed           INTEGER NOT NULL DEFAULT 0,
	failed_ids       TEXT,
	input_tokens     INTEGER NOT NULL DEFAULT 0,
	output_tokens    INTEGER NOT NULL DEFAULT 0,
	cost_usd         REAL NOT NULL DEFAULT 0,
	cancel_requested BOOLEAN NOT NULL DEFAULT 0,
	error            TEXT,
	created_at       TIMESTAMP NOT NULL,
	completed_at     TIMESTAMP
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	signature  TEXT PRIMARY KEY,
	result     TEXT NOT NULL,
	hits       INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_sources (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	source_type    TEXT NOT NULL,
	lookup_row_id  TEXT,
	confidence     REAL NOT NULL,
	is_primary     BOOLEAN NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS commerce_orders (
	id                     TEXT PRIMARY KEY,
	source                 TEXT NOT NULL,
	external_order_id      TEXT NOT NULL,
	product_name           TEXT NOT NULL,
	merchant               TEXT NOT NULL,
	total_minor            INTEGER NOT NULL,
	currency               TEXT NOT NULL,
	ordered_at             TIMESTAMP NOT NULL,
	matched_transaction_id TEXT,
	UNIQUE (source, external_order_id)
);

CREATE TABLE IF NOT EXISTS commerce_returns (
	id                TEXT PRIMARY KEY,
	source            TEXT NOT NULL,
	external_order_id TEXT NOT NULL,
	product_name      TEXT NOT NULL,
	refund_minor      INTEGER NOT NULL,
	currency          TEXT NOT NULL,
	refunded_at       TIMESTAMP NOT NULL,
	UNIQUE (source, external_order_id)
);

CREATE TABLE IF NOT EXISTS appstore_purchases (
	id           TEXT PRIMARY KEY,
	store        TEXT NOT NULL,
	app_name     TEXT NOT NULL,
	price_minor  INTEGER NOT NULL,
	currency     TEXT NOT NULL,
	purchased_at TIMESTAMP NOT NULL,
	UNIQUE (store, app_name, purchased_at)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqliteMigration, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return eris.Wrap(err, "sqlite: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStore) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, connection_id, name, kind, currency, last_synced_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET connection_id = excluded.connection_id,
		   name = excluded.name, kind = excluded.kind, currency = excluded.currency`,
		a.ID, a.ConnectionID, a.Name, a.Kind, a.Currency, a.LastSyncedAt,
	)
	return eris.Wrapf(err, "sqlite: upsert account %s", a.ID)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, connection_id, name, kind, currency, last_synced_at FROM accounts WHERE id = ?`,
		id,
	).Scan(&a.ID, &a.ConnectionID, &a.Name, &a.Kind, &a.Currency, &a.LastSyncedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get account %s", id)
	}
	return &a, nil
}

func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, accountID string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_synced_at = ?
		 WHERE id = ? AND (last_synced_at IS NULL OR last_synced_at < ?)`,
		t, accountID, t,
	)
	return eris.Wrapf(err, "sqlite: advance watermark for %s", accountID)
}

// --- Transactions ---

func (s *SQLiteStore) InsertTransaction(ctx context.Context, t model.Transaction) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions
		 (id, account_id, provider_tx_id, normalized_provider_id, posted_at, description,
		  amount_minor, currency, tx_type, balance_minor, needs_enrichment, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (normalized_provider_id) DO NOTHING`,
		t.ID, t.AccountID, t.ProviderTxID, t.NormalizedProviderID, t.PostedAt,
		t.Description, t.AmountMinor, t.Currency, string(t.Type), t.BalanceMinor,
		t.NeedsEnrichment, t.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert transaction")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert transaction rows affected")
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransactionSQL(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var txType string
	err := row.Scan(&t.ID, &t.AccountID, &t.ProviderTxID, &t.NormalizedProviderID,
		&t.PostedAt, &t.Description, &t.AmountMinor, &t.Currency, &txType,
		&t.BalanceMinor, &t.Category, &t.Subcategory, &t.MerchantName,
		&t.MerchantType, &t.Essential, &t.NeedsEnrichment, &t.EnrichedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = model.TransactionType(txType)
	return &t, nil
}

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransactionSQL(s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get transaction %s", id)
	}
	return t, nil
}

func buildTransactionWhereSQL(f TransactionFilter) (string, []any) {
	where := ` WHERE 1=1`
	var args []any

	if len(f.IDs) > 0 {
		where += ` AND id IN (?` + strings.Repeat(",?", len(f.IDs)-1) + `)`
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if f.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Unenriched {
		where += ` AND category IS NULL`
	}
	if f.Direction != "" {
		where += ` AND tx_type = ?`
		args = append(args, f.Direction)
	}
	if !f.From.IsZero() {
		where += ` AND posted_at >= ?`
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		where += ` AND posted_at < ?`
		args = append(args, f.To)
	}
	return where, args
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	where, args := buildTransactionWhereSQL(f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	if f.Offset > 0 {
		if f.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += fmt.Sprintf(` OFFSET %d`, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransactionSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan transaction")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list transactions iterate")
}

func (s *SQLiteStore) CountTransactions(ctx context.Context, f TransactionFilter) (int, error) {
	where, args := buildTransactionWhereSQL(f)
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count transactions")
}

func (s *SQLiteStore) ApplyEnrichment(ctx context.Context, txID string, res model.EnrichmentResult) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET category = ?, subcategory = ?, merchant_name = ?,
		 merchant_type = ?, essential = ?, needs_enrichment = 0, enriched_at = ?
		 WHERE id = ?`,
		string(res.PrimaryCategory), nullIfEmpty(res.Subcategory), res.MerchantName,
		nullIfEmpty(res.MerchantType), res.Essential, time.Now().UTC(), txID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: apply enrichment to %s", txID)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("transaction not found: %s", txID)
	}
	return nil
}

// --- Import jobs ---

func (s *SQLiteStore) CreateImportJob(ctx context.Context, job model.ImportJob) error {
	accountIDs, err := json.Marshal(job.AccountIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal account ids")
	}
	var estimate, metadata []byte
	if job.Estimate != nil {
		if estimate, err = json.Marshal(job.Estimate); err != nil {
			return eris.Wrap(err, "sqlite: marshal estimate")
		}
	}
	if job.Metadata != nil {
		if metadata, err = json.Marshal(job.Metadata); err != nil {
			return eris.Wrap(err, "sqlite: marshal metadata")
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs
		 (id, user_id, connection_id, status, from_date, to_date, account_ids,
		  auto_enrich, batch_size, estimate, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, job.ConnectionID, string(job.Status), job.FromDate, job.ToDate,
		string(accountIDs), job.AutoEnrich, job.BatchSize, nullBytes(estimate), nullBytes(metadata), job.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert import job")
}

func (s *SQLiteStore) UpdateImportJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	query := `UPDATE import_jobs SET status = ? WHERE id = ?`
	if status == model.JobRunning {
		query = `UPDATE import_jobs SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?`
	}
	r, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update import job status %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("import job not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) FinishImportJob(ctx context.Context, id string, status model.JobStatus, counts model.SyncCounts, errMsg string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET status = ?, synced = ?, duplicates = ?, errors = ?,
		 error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), counts.Synced, counts.Duplicates, counts.Errors,
		nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish import job %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("import job not found: %s", id)
	}
	return nil
}

func scanImportJobSQL(row rowScanner) (*model.ImportJob, error) {
	var j model.ImportJob
	var status string
	var accountIDs string
	var estimate, metadata, errMsg sql.NullString
	err := row.Scan(&j.ID, &j.UserID, &j.ConnectionID, &status, &j.FromDate, &j.ToDate,
		&accountIDs, &j.Counts.Synced, &j.Counts.Duplicates, &j.Counts.Errors,
		&j.AutoEnrich, &j.BatchSize, &estimate, &metadata, &errMsg,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.Error = errMsg.String
	if err := json.Unmarshal([]byte(accountIDs), &j.AccountIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal account ids")
	}
	if estimate.Valid {
		j.Estimate = &model.ImportEstimate{}
		if err := json.Unmarshal([]byte(estimate.String), j.Estimate); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal estimate")
		}
	}
	if metadata.Valid {
		_ = json.Unmarshal([]byte(metadata.String), &j.Metadata)
	}
	return &j, nil
}

func (s *SQLiteStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	j, err := scanImportJobSQL(s.db.QueryRowContext(ctx,
		`SELECT `+importJobColumns+` FROM import_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get import job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListImportJobs(ctx context.Context, f JobFilter) ([]model.ImportJob, error) {
	query := `SELECT ` + importJobColumns + ` FROM import_jobs WHERE 1=1`
	var args []any

	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list import jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		j, err := scanImportJobSQL(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan import job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list import jobs iterate")
}

// --- Account progress ---

func (s *SQLiteStore) CreateAccountProgress(ctx context.Context, p model.AccountProgress) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO account_progress (id, job_id, account_id, status)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (job_id, account_id) DO NOTHING`,
		p.ID, p.JobID, p.AccountID, string(p.Status),
	)
	return eris.Wrapf(err, "sqlite: insert account progress for job %s", p.JobID)
}

func (s *SQLiteStore) MarkAccountSyncing(ctx context.Context, id string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE account_progress SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(model.AccountSyncing), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark account syncing %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("account progress not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) FinishAccountProgress(ctx context.Context, id string, status model.AccountSyncStatus, counts model.SyncCounts, errMsg string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE account_progress SET status = ?, synced = ?, duplicates = ?,
		 errors = ?, error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), counts.Synced, counts.Duplicates, counts.Errors,
		nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish account progress %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("account progress not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, account_id, status, synced, duplicates, errors, error,
		 started_at, completed_at
		 FROM account_progress WHERE job_id = ? ORDER BY account_id ASC`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list account progress for %s", jobID)
	}
	defer rows.Close()

	var out []model.AccountProgress
	for rows.Next() {
		var p model.AccountProgress
		var status string
		var errMsg sql.NullString
		if err := rows.Scan(&p.ID, &p.JobID, &p.AccountID, &status,
			&p.Counts.Synced, &p.Counts.Duplicates, &p.Counts.Errors,
			&errMsg, &p.StartedAt, &p.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account progress")
		}
		p.Status = model.AccountSyncStatus(status)
		p.Error = errMsg.String
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list account progress iterate")
}

// --- Enrichment jobs ---

func (s *SQLiteStore) CreateEnrichmentJob(ctx context.Context, job model.EnrichmentJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO enrichment_jobs
		 (id, user_id, import_job_id, status, batch_size, total, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UserID, nullIfEmpty(job.ImportJobID), string(job.Status),
		job.BatchSize, job.Total, job.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert enrichment job")
}

func scanEnrichmentJobSQL(row rowScanner) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var status string
	var importJobID, failedIDs, errMsg sql.NullString
	err := row.Scan(&j.ID, &j.UserID, &importJobID, &status, &j.BatchSize, &j.Total,
		&j.Processed, &j.CachedHits, &j.Failed, &failedIDs,
		&j.InputTokens, &j.OutputTokens, &j.CostUSD,
		&j.CancelRequested, &errMsg, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.EnrichmentJobStatus(status)
	j.ImportJobID = importJobID.String
	j.Error = errMsg.String
	if failedIDs.Valid {
		_ = json.Unmarshal([]byte(failedIDs.String), &j.FailedIDs)
	}
	return &j, nil
}

func (s *SQLiteStore) GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	j, err := scanEnrichmentJobSQL(s.db.QueryRowContext(ctx,
		`SELECT `+enrichmentJobColumns+` FROM enrichment_jobs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get enrichment job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) UpdateEnrichmentProgress(ctx context.Context, job model.EnrichmentJob) error {
	var failedIDs []byte
	if job.FailedIDs != nil {
		var err error
		if failedIDs, err = json.Marshal(job.FailedIDs); err != nil {
			return eris.Wrap(err, "sqlite: marshal failed ids")
		}
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET processed = ?, cached_hits = ?, failed = ?,
		 failed_ids = ?, input_tokens = ?, output_tokens = ?, cost_usd = ?
		 WHERE id = ?`,
		job.Processed, job.CachedHits, job.Failed, nullBytes(failedIDs),
		job.InputTokens, job.OutputTokens, job.CostUSD, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update enrichment progress %s", job.ID)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("enrichment job not found: %s", job.ID)
	}
	return nil
}

func (s *SQLiteStore) RequestEnrichmentCancel(ctx context.Context, id string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request enrichment cancel %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("enrichment job not found: %s", id)
	}
	return nil
}

func (s *SQLiteStore) EnrichmentCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM enrichment_jobs WHERE id = ?`, id).Scan(&cancel)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: read cancel flag %s", id)
	}
	return cancel, nil
}

func (s *SQLiteStore) FinishEnrichmentJob(ctx context.Context, id string, status model.EnrichmentJobStatus, errMsg string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE enrichment_jobs SET status = ?, error = ?, completed_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish enrichment job %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return eris.Errorf("enrichment job not found: %s", id)
	}
	return nil
}

// --- Enrichment cache ---

func (s *SQLiteStore) GetCacheEntry(ctx context.Context, signature string) (*model.EnrichmentCacheEntry, error) {
	var resultJSON string
	entry := model.EnrichmentCacheEntry{Signature: signature}
	err := s.db.QueryRowContext(ctx,
		`UPDATE enrichment_cache SET hits = hits + 1
		 WHERE signature = ?
		 RETURNING result, created_at`,
		signature,
	).Scan(&resultJSON, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get cache entry")
	}
	if err := json.Unmarshal([]byte(resultJSON), &entry.Result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal cache result")
	}
	return &entry, nil
}

func (s *SQLiteStore) PutCacheEntry(ctx context.Context, entry model.EnrichmentCacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal cache result")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO enrichment_cache (signature, result, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (signature) DO NOTHING`,
		entry.Signature, string(resultJSON), entry.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: put cache entry")
}

func (s *SQLiteStore) CacheStats(ctx context.Context) (model.CacheStats, error) {
	var stats model.CacheStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM enrichment_cache`,
	).Scan(&stats.Entries, &stats.Hits)
	if err != nil {
		return stats, eris.Wrap(err, "sqlite: cache stats")
	}
	stats.Misses = stats.Entries
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// --- Enrichment sources ---

func (s *SQLiteStore) AddEnrichmentSource(ctx context.Context, src model.EnrichmentSource) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin add source")
	}
	defer tx.Rollback()

	if src.IsPrimary {
		if _, err := tx.ExecContext(ctx,
			`UPDATE enrichment_sources SET is_primary = 0
			 WHERE transaction_id = ? AND is_primary = 1`,
			src.TransactionID,
		); err != nil {
			return eris.Wrap(err, "sqlite: demote primary source")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO enrichment_sources
		 (id, transaction_id, source_type, lookup_row_id, confidence, is_primary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		src.ID, src.TransactionID, string(src.Type), nullIfEmpty(src.LookupRowID),
		src.Confidence, src.IsPrimary, src.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert enrichment source")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit add source")
}

func (s *SQLiteStore) ListEnrichmentSources(ctx context.Context, txID string) ([]model.EnrichmentSource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, transaction_id, source_type, lookup_row_id, confidence, is_primary, created_at
		 FROM enrichment_sources WHERE transaction_id = ?
		 ORDER BY is_primary DESC, confidence DESC`,
		txID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list sources for %s", txID)
	}
	defer rows.Close()

	var out []model.EnrichmentSource
	for rows.Next() {
		var src model.EnrichmentSource
		var sourceType string
		var lookupRowID sql.NullString
		if err := rows.Scan(&src.ID, &src.TransactionID, &sourceType, &lookupRowID,
			&src.Confidence, &src.IsPrimary, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan enrichment source")
		}
		src.Type = model.SourceType(sourceType)
		src.LookupRowID = lookupRowID.String
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sources iterate")
}

// --- Lookup tables ---

func (s *SQLiteStore) InsertCommerceOrders(ctx context.Context, orders []model.CommerceOrder) (int64, error) {
	var inserted int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert orders")
	}
	defer tx.Rollback()

	for _, o := range orders {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO commerce_orders
			 (id, source, external_order_id, product_name, merchant, total_minor, currency, ordered_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source, external_order_id) DO NOTHING`,
			o.ID, o.Source, o.ExternalOrderID, o.ProductName, o.Merchant,
			o.TotalMinor, o.Currency, o.OrderedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert commerce order")
		}
		n, _ := r.RowsAffected()
		inserted += n
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit insert orders")
}

func (s *SQLiteStore) InsertCommerceReturns(ctx context.Context, returns []model.CommerceReturn) (int64, error) {
	var inserted int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert returns")
	}
	defer tx.Rollback()

	for _, ret := range returns {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO commerce_returns
			 (id, source, external_order_id, product_name, refund_minor, currency, refunded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (source, external_order_id) DO NOTHING`,
			ret.ID, ret.Source, ret.ExternalOrderID, ret.ProductName,
			ret.RefundMinor, ret.Currency, ret.RefundedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert commerce return")
		}
		n, _ := r.RowsAffected()
		inserted += n
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit insert returns")
}

func (s *SQLiteStore) InsertAppStorePurchases(ctx context.Context, purchases []model.AppStorePurchase) (int64, error) {
	var inserted int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert purchases")
	}
	defer tx.Rollback()

	for _, p := range purchases {
		r, err := tx.ExecContext(ctx,
			`INSERT INTO appstore_purchases
			 (id, store, app_name, price_minor, currency, purchased_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (store, app_name, purchased_at) DO NOTHING`,
			p.ID, p.Store, p.AppName, p.PriceMinor, p.Currency, p.PurchasedAt,
		)
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: insert appstore purchase")
		}
		n, _ := r.RowsAffected()
		inserted += n
	}
	return inserted, eris.Wrap(tx.Commit(), "sqlite: commit insert purchases")
}

func (s *SQLiteStore) FindCandidateOrders(ctx context.Context, q CandidateQuery) ([]model.CommerceOrder, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, external_order_id, product_name, merchant, total_minor,
		 currency, ordered_at, matched_transaction_id
		 FROM commerce_orders
		 WHERE ordered_at BETWEEN ? AND ? AND matched_transaction_id IS NULL
		 ORDER BY ordered_at DESC LIMIT ?`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidate orders")
	}
	defer rows.Close()

	var out []model.CommerceOrder
	for rows.Next() {
		var o model.CommerceOrder
		if err := rows.Scan(&o.ID, &o.Source, &o.ExternalOrderID, &o.ProductName,
			&o.Merchant, &o.TotalMinor, &o.Currency, &o.OrderedAt,
			&o.MatchedTransactionID); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan commerce order")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find candidate orders iterate")
}

func (s *SQLiteStore) FindCandidateReturns(ctx context.Context, q CandidateQuery) ([]model.CommerceReturn, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, external_order_id, product_name, refund_minor, currency, refunded_at
		 FROM commerce_returns
		 WHERE refunded_at BETWEEN ? AND ?
		 ORDER BY refunded_at DESC LIMIT ?`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidate returns")
	}
	defer rows.Close()

	var out []model.CommerceReturn
	for rows.Next() {
		var r model.CommerceReturn
		if err := rows.Scan(&r.ID, &r.Source, &r.ExternalOrderID, &r.ProductName,
			&r.RefundMinor, &r.Currency, &r.RefundedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan commerce return")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find candidate returns iterate")
}

func (s *SQLiteStore) FindCandidatePurchases(ctx context.Context, q CandidateQuery) ([]model.AppStorePurchase, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, store, app_name, price_minor, currency, purchased_at
		 FROM appstore_purchases
		 WHERE purchased_at BETWEEN ? AND ?
		 ORDER BY purchased_at DESC LIMIT ?`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidate purchases")
	}
	defer rows.Close()

	var out []model.AppStorePurchase
	for rows.Next() {
		var p model.AppStorePurchase
		if err := rows.Scan(&p.ID, &p.Store, &p.AppName, &p.PriceMinor,
			&p.Currency, &p.PurchasedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan appstore purchase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find candidate purchases iterate")
}

func (s *SQLiteStore) ClaimCommerceOrder(ctx context.Context, orderID, txID string) (bool, error) {
	r, err := s.db.ExecContext(ctx,
		`UPDATE commerce_orders SET matched_transaction_id = ?
		 WHERE id = ? AND matched_transaction_id IS NULL`,
		txID, orderID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: claim order %s", orderID)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: claim order rows affected")
	}
	return n == 1, nil
}

func nullBytes(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
