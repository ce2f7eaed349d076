package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/db"
	"github.com/arcfin/ledgersync/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hottest store operations: the sync upsert and the cache probe.
var preparedStatements = map[string]string{
	"insert_transaction": insertTransactionSQL,
	"get_cache_entry":    getCacheEntrySQL,
	"claim_order":        claimOrderSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., lookup table bulk loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id             TEXT PRIMARY KEY,
	connection_id  TEXT NOT NULL,
	name           TEXT NOT NULL,
	kind           TEXT NOT NULL DEFAULT 'account',
	currency       TEXT NOT NULL,
	last_synced_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS transactions (
	id                     TEXT PRIMARY KEY,
	account_id             TEXT NOT NULL REFERENCES accounts(id),
	provider_tx_id         TEXT NOT NULL,
	normalized_provider_id TEXT NOT NULL UNIQUE,
	posted_at              TIMESTAMPTZ NOT NULL,
	description            TEXT NOT NULL,
	amount_minor           BIGINT NOT NULL,
	currency               TEXT NOT NULL,
	tx_type                TEXT NOT NULL,
	balance_minor          BIGINT,
	category               TEXT,
	subcategory            TEXT,
	merchant_name          TEXT,
	merchant_type          TEXT,
	essential              BOOLEAN,
	needs_enrichment       BOOLEAN NOT NULL DEFAULT true,
	enriched_at            TIMESTAMPTZ,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, posted_at);
CREATE INDEX IF NOT EXISTS idx_transactions_unenriched ON transactions(id) WHERE category IS NULL;

CREATE TABLE IF NOT EXISTS import_jobs (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	connection_id TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'planned',
	from_date     DATE NOT NULL,
	to_date       DATE NOT NULL,
	account_ids   JSONB NOT NULL,
	synced        INTEGER NOT NULL DEFAULT 0,
	duplicates    INTEGER NOT NULL DEFAULT 0,
	errors        INTEGER NOT NULL DEFAULT 0,
	auto_enrich   BOOLEAN NOT NULL DEFAULT false,
	batch_size    INTEGER NOT NULL DEFAULT 0,
	estimate      JSONB,
	metadata      JSONB,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_import_jobs_user ON import_jobs(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS account_progress (
	id           TEXT PRIMARY KEY,
	job_id       TEXT NOT NULL REFERENCES import_jobs(id),
	account_id   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	synced       INTEGER NOT NULL DEFAULT 0,
	duplicates   INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
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
	failed_ids       JSONB,
	input_tokens     BIGINT NOT NULL DEFAULT 0,
	output_tokens    BIGINT NOT NULL DEFAULT 0,
	cost_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
	cancel_requested BOOLEAN NOT NULL DEFAULT false,
	error            TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	signature  TEXT PRIMARY KEY,
	result     JSONB NOT NULL,
	hits       BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_sources (
	id             TEXT PRIMARY KEY,
	transaction_id TEXT NOT NULL REFERENCES transactions(id),
	source_type    TEXT NOT NULL,
	lookup_row_id  TEXT,
	confidence     DOUBLE PRECISION NOT NULL,
	is_primary     BOOLEAN NOT NULL DEFAULT false,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sources_transaction ON enrichment_sources(transaction_id);

CREATE TABLE IF NOT EXISTS commerce_orders (
	id                     TEXT PRIMARY KEY,
	source                 TEXT NOT NULL,
	external_order_id      TEXT NOT NULL,
	product_name           TEXT NOT NULL,
	merchant               TEXT NOT NULL,
	total_minor            BIGINT NOT NULL,
	currency               TEXT NOT NULL,
	ordered_at             TIMESTAMPTZ NOT NULL,
	matched_transaction_id TEXT,
	UNIQUE (source, external_order_id)
);

CREATE INDEX IF NOT EXISTS idx_orders_ordered_at ON commerce_orders(ordered_at);

CREATE TABLE IF NOT EXISTS commerce_returns (
	id                TEXT PRIMARY KEY,
	source            TEXT NOT NULL,
	external_order_id TEXT NOT NULL,
	product_name      TEXT NOT NULL,
	refund_minor      BIGINT NOT NULL,
	currency          TEXT NOT NULL,
	refunded_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (source, external_order_id)
);

CREATE TABLE IF NOT EXISTS appstore_purchases (
	id           TEXT PRIMARY KEY,
	store        TEXT NOT NULL,
	app_name     TEXT NOT NULL,
	price_minor  BIGINT NOT NULL,
	currency     TEXT NOT NULL,
	purchased_at TIMESTAMPTZ NOT NULL,
	UNIQUE (store, app_name, purchased_at)
);
`

const insertTransactionSQL = `INSERT INTO transactions
	(id, account_id, provider_tx_id, normalized_provider_id, posted_at, description,
	 amount_minor, currency, tx_type, balance_minor, needs_enrichment, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (normalized_provider_id) DO NOTHING`

const getCacheEntrySQL = `UPDATE enrichment_cache SET hits = hits + 1
	WHERE signature = $1
	RETURNING result, hits, created_at`

const claimOrderSQL = `UPDATE commerce_orders SET matched_transaction_id = $1
	WHERE id = $2 AND matched_transaction_id IS NULL`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) UpsertAccount(ctx context.Context, a model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, connection_id, name, kind, currency, last_synced_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET connection_id = $2, name = $3, kind = $4, currency = $5`,
		a.ID, a.ConnectionID, a.Name, a.Kind, a.Currency, a.LastSyncedAt,
	)
	return eris.Wrapf(err, "postgres: upsert account %s", a.ID)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection_id, name, kind, currency, last_synced_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.ConnectionID, &a.Name, &a.Kind, &a.Currency, &a.LastSyncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get account %s", id)
	}
	return &a, nil
}

func (s *PostgresStore) AdvanceWatermark(ctx context.Context, accountID string, t time.Time) error {
	// Watermark only ever moves forward.
	_, err := s.pool.Exec(ctx,
		`UPDATE accounts SET last_synced_at = $1
		 WHERE id = $2 AND (last_synced_at IS NULL OR last_synced_at < $1)`,
		t, accountID,
	)
	return eris.Wrapf(err, "postgres: advance watermark for %s", accountID)
}

// --- Transactions ---

func (s *PostgresStore) InsertTransaction(ctx context.Context, t model.Transaction) (bool, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx, insertTransactionSQL,
		t.ID, t.AccountID, t.ProviderTxID, t.NormalizedProviderID, t.PostedAt,
		t.Description, t.AmountMinor, t.Currency, string(t.Type), t.BalanceMinor,
		t.NeedsEnrichment, t.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert transaction")
	}
	return tag.RowsAffected() == 1, nil
}

const transactionColumns = `id, account_id, provider_tx_id, normalized_provider_id, posted_at,
	description, amount_minor, currency, tx_type, balance_minor, category, subcategory,
	merchant_name, merchant_type, essential, needs_enrichment, enriched_at, created_at`

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
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

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	t, err := scanTransaction(s.pool.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get transaction %s", id)
	}
	return t, nil
}

func buildTransactionWhere(f TransactionFilter) (string, []any) {
	where := ` WHERE true`
	args := []any{}
	argIdx := 1

	if len(f.IDs) > 0 {
		where += fmt.Sprintf(` AND id = ANY($%d)`, argIdx)
		args = append(args, f.IDs)
		argIdx++
	}
	if f.AccountID != "" {
		where += fmt.Sprintf(` AND account_id = $%d`, argIdx)
		args = append(args, f.AccountID)
		argIdx++
	}
	if f.Unenriched {
		where += ` AND category IS NULL`
	}
	if f.Direction != "" {
		where += fmt.Sprintf(` AND tx_type = $%d`, argIdx)
		args = append(args, f.Direction)
		argIdx++
	}
	if !f.From.IsZero() {
		where += fmt.Sprintf(` AND posted_at >= $%d`, argIdx)
		args = append(args, f.From)
		argIdx++
	}
	if !f.To.IsZero() {
		where += fmt.Sprintf(` AND posted_at < $%d`, argIdx)
		args = append(args, f.To)
		argIdx++
	}
	return where, args
}

func (s *PostgresStore) ListTransactions(ctx context.Context, f TransactionFilter) ([]model.Transaction, error) {
	where, args := buildTransactionWhere(f)
	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + ` ORDER BY id ASC`

	argIdx := len(args) + 1
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		out = append(out, *t)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list transactions iterate")
}

func (s *PostgresStore) CountTransactions(ctx context.Context, f TransactionFilter) (int, error) {
	where, args := buildTransactionWhere(f)
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&count)
	return count, eris.Wrap(err, "postgres: count transactions")
}

func (s *PostgresStore) ApplyEnrichment(ctx context.Context, txID string, res model.EnrichmentResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET category = $1, subcategory = $2, merchant_name = $3,
		 merchant_type = $4, essential = $5, needs_enrichment = false, enriched_at = $6
		 WHERE id = $7`,
		string(res.PrimaryCategory), nullIfEmpty(res.Subcategory), res.MerchantName,
		nullIfEmpty(res.MerchantType), res.Essential, time.Now().UTC(), txID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: apply enrichment to %s", txID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("transaction not found: %s", txID)
	}
	return nil
}

// --- Import jobs ---

func (s *PostgresStore) CreateImportJob(ctx context.Context, job model.ImportJob) error {
	accountIDs, err := json.Marshal(job.AccountIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal account ids")
	}
	var estimate, metadata []byte
	if job.Estimate != nil {
		if estimate, err = json.Marshal(job.Estimate); err != nil {
			return eris.Wrap(err, "postgres: marshal estimate")
		}
	}
	if job.Metadata != nil {
		if metadata, err = json.Marshal(job.Metadata); err != nil {
			return eris.Wrap(err, "postgres: marshal metadata")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO import_jobs
		 (id, user_id, connection_id, status, from_date, to_date, account_ids,
		  auto_enrich, batch_size, estimate, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.UserID, job.ConnectionID, string(job.Status), job.FromDate, job.ToDate,
		accountIDs, job.AutoEnrich, job.BatchSize, estimate, metadata, job.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert import job")
}

func (s *PostgresStore) UpdateImportJobStatus(ctx context.Context, id string, status model.JobStatus) error {
	query := `UPDATE import_jobs SET status = $1 WHERE id = $2`
	if status == model.JobRunning {
		query = `UPDATE import_jobs SET status = $1, started_at = now() WHERE id = $2`
	}
	tag, err := s.pool.Exec(ctx, query, string(status), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update import job status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("import job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FinishImportJob(ctx context.Context, id string, status model.JobStatus, counts model.SyncCounts, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE import_jobs SET status = $1, synced = $2, duplicates = $3, errors = $4,
		 error = $5, completed_at = now() WHERE id = $6`,
		string(status), counts.Synced, counts.Duplicates, counts.Errors,
		nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish import job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("import job not found: %s", id)
	}
	return nil
}

const importJobColumns = `id, user_id, connection_id, status, from_date, to_date, account_ids,
	synced, duplicates, errors, auto_enrich, batch_size, estimate, metadata, error,
	created_at, started_at, completed_at`

func scanImportJob(row pgx.Row) (*model.ImportJob, error) {
	var j model.ImportJob
	var status string
	var accountIDs, estimate, metadata []byte
	var errMsg *string
	err := row.Scan(&j.ID, &j.UserID, &j.ConnectionID, &status, &j.FromDate, &j.ToDate,
		&accountIDs, &j.Counts.Synced, &j.Counts.Duplicates, &j.Counts.Errors,
		&j.AutoEnrich, &j.BatchSize, &estimate, &metadata, &errMsg,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if errMsg != nil {
		j.Error = *errMsg
	}
	if err := json.Unmarshal(accountIDs, &j.AccountIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal account ids")
	}
	if estimate != nil {
		j.Estimate = &model.ImportEstimate{}
		if err := json.Unmarshal(estimate, j.Estimate); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal estimate")
		}
	}
	if metadata != nil {
		_ = json.Unmarshal(metadata, &j.Metadata)
	}
	return &j, nil
}

func (s *PostgresStore) GetImportJob(ctx context.Context, id string) (*model.ImportJob, error) {
	j, err := scanImportJob(s.pool.QueryRow(ctx,
		`SELECT `+importJobColumns+` FROM import_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get import job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListImportJobs(ctx context.Context, f JobFilter) ([]model.ImportJob, error) {
	query := `SELECT ` + importJobColumns + ` FROM import_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if f.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, f.UserID)
		argIdx++
	}
	if f.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(f.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list import jobs")
	}
	defer rows.Close()

	var jobs []model.ImportJob
	for rows.Next() {
		j, err := scanImportJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan import job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list import jobs iterate")
}

// --- Account progress ---

func (s *PostgresStore) CreateAccountProgress(ctx context.Context, p model.AccountProgress) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO account_progress (id, job_id, account_id, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_id, account_id) DO NOTHING`,
		p.ID, p.JobID, p.AccountID, string(p.Status),
	)
	return eris.Wrapf(err, "postgres: insert account progress for job %s", p.JobID)
}

func (s *PostgresStore) MarkAccountSyncing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE account_progress SET status = $1, started_at = now() WHERE id = $2`,
		string(model.AccountSyncing), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark account syncing %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("account progress not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) FinishAccountProgress(ctx context.Context, id string, status model.AccountSyncStatus, counts model.SyncCounts, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE account_progress SET status = $1, synced = $2, duplicates = $3,
		 errors = $4, error = $5, completed_at = now() WHERE id = $6`,
		string(status), counts.Synced, counts.Duplicates, counts.Errors,
		nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish account progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("account progress not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, account_id, status, synced, duplicates, errors, error,
		 started_at, completed_at
		 FROM account_progress WHERE job_id = $1 ORDER BY account_id ASC`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list account progress for %s", jobID)
	}
	defer rows.Close()

	var out []model.AccountProgress
	for rows.Next() {
		var p model.AccountProgress
		var status string
		var errMsg *string
		if err := rows.Scan(&p.ID, &p.JobID, &p.AccountID, &status,
			&p.Counts.Synced, &p.Counts.Duplicates, &p.Counts.Errors,
			&errMsg, &p.StartedAt, &p.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan account progress")
		}
		p.Status = model.AccountSyncStatus(status)
		if errMsg != nil {
			p.Error = *errMsg
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list account progress iterate")
}

// --- Enrichment jobs ---

func (s *PostgresStore) CreateEnrichmentJob(ctx context.Context, job model.EnrichmentJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO enrichment_jobs
		 (id, user_id, import_job_id, status, batch_size, total, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.UserID, nullIfEmpty(job.ImportJobID), string(job.Status),
		job.BatchSize, job.Total, job.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert enrichment job")
}

const enrichmentJobColumns = `id, user_id, import_job_id, status, batch_size, total,
	processed, cached_hits, failed, failed_ids, input_tokens, output_tokens, cost_usd,
	cancel_requested, error, created_at, completed_at`

func scanEnrichmentJob(row pgx.Row) (*model.EnrichmentJob, error) {
	var j model.EnrichmentJob
	var status string
	var importJobID, errMsg *string
	var failedIDs []byte
	err := row.Scan(&j.ID, &j.UserID, &importJobID, &status, &j.BatchSize, &j.Total,
		&j.Processed, &j.CachedHits, &j.Failed, &failedIDs,
		&j.InputTokens, &j.OutputTokens, &j.CostUSD,
		&j.CancelRequested, &errMsg, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.EnrichmentJobStatus(status)
	if importJobID != nil {
		j.ImportJobID = *importJobID
	}
	if errMsg != nil {
		j.Error = *errMsg
	}
	if failedIDs != nil {
		_ = json.Unmarshal(failedIDs, &j.FailedIDs)
	}
	return &j, nil
}

func (s *PostgresStore) GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error) {
	j, err := scanEnrichmentJob(s.pool.QueryRow(ctx,
		`SELECT `+enrichmentJobColumns+` FROM enrichment_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get enrichment job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) UpdateEnrichmentProgress(ctx context.Context, job model.EnrichmentJob) error {
	var failedIDs []byte
	if job.FailedIDs != nil {
		var err error
		if failedIDs, err = json.Marshal(job.FailedIDs); err != nil {
			return eris.Wrap(err, "postgres: marshal failed ids")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET processed = $1, cached_hits = $2, failed = $3,
		 failed_ids = $4, input_tokens = $5, output_tokens = $6, cost_usd = $7
		 WHERE id = $8`,
		job.Processed, job.CachedHits, job.Failed, failedIDs,
		job.InputTokens, job.OutputTokens, job.CostUSD, job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update enrichment progress %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("enrichment job not found: %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) RequestEnrichmentCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET cancel_requested = true WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: request enrichment cancel %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("enrichment job not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) EnrichmentCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancel bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM enrichment_jobs WHERE id = $1`, id).Scan(&cancel)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: read cancel flag %s", id)
	}
	return cancel, nil
}

func (s *PostgresStore) FinishEnrichmentJob(ctx context.Context, id string, status model.EnrichmentJobStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrichment_jobs SET status = $1, error = $2, completed_at = now() WHERE id = $3`,
		string(status), nullIfEmpty(errMsg), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish enrichment job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("enrichment job not found: %s", id)
	}
	return nil
}

// --- Enrichment cache ---

func (s *PostgresStore) GetCacheEntry(ctx context.Context, signature string) (*model.EnrichmentCacheEntry, error) {
	var resultJSON []byte
	var hits int64
	entry := model.EnrichmentCacheEntry{Signature: signature}
	err := s.pool.QueryRow(ctx, getCacheEntrySQL, signature).
		Scan(&resultJSON, &hits, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get cache entry")
	}
	if err := json.Unmarshal(resultJSON, &entry.Result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal cache result")
	}
	return &entry, nil
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, entry model.EnrichmentCacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal cache result")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_cache (signature, result, created_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (signature) DO NOTHING`,
		entry.Signature, resultJSON, entry.CreatedAt,
	)
	return eris.Wrap(err, "postgres: put cache entry")
}

func (s *PostgresStore) CacheStats(ctx context.Context) (model.CacheStats, error) {
	var stats model.CacheStats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM enrichment_cache`,
	).Scan(&stats.Entries, &stats.Hits)
	if err != nil {
		return stats, eris.Wrap(err, "postgres: cache stats")
	}
	// Every entry was created by exactly one miss.
	stats.Misses = stats.Entries
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// --- Enrichment sources ---

func (s *PostgresStore) AddEnrichmentSource(ctx context.Context, src model.EnrichmentSource) error {
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin add source")
	}
	defer tx.Rollback(ctx)

	if src.IsPrimary {
		if _, err := tx.Exec(ctx,
			`UPDATE enrichment_sources SET is_primary = false
			 WHERE transaction_id = $1 AND is_primary`,
			src.TransactionID,
		); err != nil {
			return eris.Wrap(err, "postgres: demote primary source")
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO enrichment_sources
		 (id, transaction_id, source_type, lookup_row_id, confidence, is_primary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		src.ID, src.TransactionID, string(src.Type), nullIfEmpty(src.LookupRowID),
		src.Confidence, src.IsPrimary, src.CreatedAt,
	); err != nil {
		return eris.Wrap(err, "postgres: insert enrichment source")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit add source")
}

func (s *PostgresStore) ListEnrichmentSources(ctx context.Context, txID string) ([]model.EnrichmentSource, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, transaction_id, source_type, lookup_row_id, confidence, is_primary, created_at
		 FROM enrichment_sources WHERE transaction_id = $1
		 ORDER BY is_primary DESC, confidence DESC`,
		txID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list sources for %s", txID)
	}
	defer rows.Close()

	var out []model.EnrichmentSource
	for rows.Next() {
		var src model.EnrichmentSource
		var sourceType string
		var lookupRowID *string
		if err := rows.Scan(&src.ID, &src.TransactionID, &sourceType, &lookupRowID,
			&src.Confidence, &src.IsPrimary, &src.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan enrichment source")
		}
		src.Type = model.SourceType(sourceType)
		if lookupRowID != nil {
			src.LookupRowID = *lookupRowID
		}
		out = append(out, src)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sources iterate")
}

// --- Lookup tables ---

func (s *PostgresStore) InsertCommerceOrders(ctx context.Context, orders []model.CommerceOrder) (int64, error) {
	rows := make([][]any, len(orders))
	for i, o := range orders {
		rows[i] = []any{o.ID, o.Source, o.ExternalOrderID, o.ProductName, o.Merchant,
			o.TotalMinor, o.Currency, o.OrderedAt}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "commerce_orders",
		Columns:      []string{"id", "source", "external_order_id", "product_name", "merchant", "total_minor", "currency", "ordered_at"},
		ConflictKeys: []string{"source", "external_order_id"},
		DoNothing:    true,
	}, rows)
}

func (s *PostgresStore) InsertCommerceReturns(ctx context.Context, returns []model.CommerceReturn) (int64, error) {
	rows := make([][]any, len(returns))
	for i, r := range returns {
		rows[i] = []any{r.ID, r.Source, r.ExternalOrderID, r.ProductName,
			r.RefundMinor, r.Currency, r.RefundedAt}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "commerce_returns",
		Columns:      []string{"id", "source", "external_order_id", "product_name", "refund_minor", "currency", "refunded_at"},
		ConflictKeys: []string{"source", "external_order_id"},
		DoNothing:    true,
	}, rows)
}

func (s *PostgresStore) InsertAppStorePurchases(ctx context.Context, purchases []model.AppStorePurchase) (int64, error) {
	rows := make([][]any, len(purchases))
	for i, p := range purchases {
		rows[i] = []any{p.ID, p.Store, p.AppName, p.PriceMinor, p.Currency, p.PurchasedAt}
	}
	return db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "appstore_purchases",
		Columns:      []string{"id", "store", "app_name", "price_minor", "currency", "purchased_at"},
		ConflictKeys: []string{"store", "app_name", "purchased_at"},
		DoNothing:    true,
	}, rows)
}

func candidateWindow(q CandidateQuery) (time.Time, time.Time, int) {
	days := q.WindowDays
	if days <= 0 {
		days = 7
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	return q.Date.AddDate(0, 0, -days), q.Date.AddDate(0, 0, days), limit
}

func (s *PostgresStore) FindCandidateOrders(ctx context.Context, q CandidateQuery) ([]model.CommerceOrder, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, external_order_id, product_name, merchant, total_minor,
		 currency, ordered_at, matched_transaction_id
		 FROM commerce_orders
		 WHERE ordered_at BETWEEN $1 AND $2 AND matched_transaction_id IS NULL
		 ORDER BY ordered_at DESC LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidate orders")
	}
	defer rows.Close()

	var out []model.CommerceOrder
	for rows.Next() {
		var o model.CommerceOrder
		if err := rows.Scan(&o.ID, &o.Source, &o.ExternalOrderID, &o.ProductName,
			&o.Merchant, &o.TotalMinor, &o.Currency, &o.OrderedAt,
			&o.MatchedTransactionID); err != nil {
			return nil, eris.Wrap(err, "postgres: scan commerce order")
		}
		out = append(out, o)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find candidate orders iterate")
}

func (s *PostgresStore) FindCandidateReturns(ctx context.Context, q CandidateQuery) ([]model.CommerceReturn, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.pool.Query(ctx,
		`SELECT id, source, external_order_id, product_name, refund_minor, currency, refunded_at
		 FROM commerce_returns
		 WHERE refunded_at BETWEEN $1 AND $2
		 ORDER BY refunded_at DESC LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidate returns")
	}
	defer rows.Close()

	var out []model.CommerceReturn
	for rows.Next() {
		var r model.CommerceReturn
		if err := rows.Scan(&r.ID, &r.Source, &r.ExternalOrderID, &r.ProductName,
			&r.RefundMinor, &r.Currency, &r.RefundedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan commerce return")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find candidate returns iterate")
}

func (s *PostgresStore) FindCandidatePurchases(ctx context.Context, q CandidateQuery) ([]model.AppStorePurchase, error) {
	from, to, limit := candidateWindow(q)
	rows, err := s.pool.Query(ctx,
		`SELECT id, store, app_name, price_minor, currency, purchased_at
		 FROM appstore_purchases
		 WHERE purchased_at BETWEEN $1 AND $2
		 ORDER BY purchased_at DESC LIMIT $3`,
		from, to, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidate purchases")
	}
	defer rows.Close()

	var out []model.AppStorePurchase
	for rows.Next() {
		var p model.AppStorePurchase
		if err := rows.Scan(&p.ID, &p.Store, &p.AppName, &p.PriceMinor,
			&p.Currency, &p.PurchasedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan appstore purchase")
		}
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find candidate purchases iterate")
}

func (s *PostgresStore) ClaimCommerceOrder(ctx context.Context, orderID, txID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, claimOrderSQL, txID, orderID)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: claim order %s", orderID)
	}
	return tag.RowsAffected() == 1, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
