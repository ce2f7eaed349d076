package enrich

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/cost"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
)

// Store is the persistence surface the controller needs.
type Store interface {
	StageStore
	LookupStore
	ListTransactions(ctx context.Context, f store.TransactionFilter) ([]model.Transaction, error)
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	CreateEnrichmentJob(ctx context.Context, job model.EnrichmentJob) error
	GetEnrichmentJob(ctx context.Context, id string) (*model.EnrichmentJob, error)
	UpdateEnrichmentProgress(ctx context.Context, job model.EnrichmentJob) error
	RequestEnrichmentCancel(ctx context.Context, id string) error
	EnrichmentCancelRequested(ctx context.Context, id string) (bool, error)
	FinishEnrichmentJob(ctx context.Context, id string, status model.EnrichmentJobStatus, errMsg string) error
}

// ControllerConfig tunes a controller.
type ControllerConfig struct {
	BatchSize int
	// AlwaysLLM sends lookup-resolved transactions through the LLM stage as
	// corroboration instead of skipping them.
	AlwaysLLM bool
}

// Controller drives one enrichment job end to end: the deterministic lookup
// stage first, then cached LLM batches over whatever remains.
type Controller struct {
	store   Store
	matcher *Matcher
	stage   *Stage
	calc    *cost.Calculator
	cfg     ControllerConfig
}

// NewController creates a Controller.
func NewController(s Store, matcher *Matcher, stage *Stage, calc *cost.Calculator, cfg ControllerConfig) *Controller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	return &Controller{store: s, matcher: matcher, stage: stage, calc: calc, cfg: cfg}
}

// RunRequest selects what to enrich.
type RunRequest struct {
	UserID string
	// ImportJobID restricts the run to the accounts and date window of one
	// import job.
	ImportJobID string
	AccountID   string
	// Direction restricts the run to "debit" or "credit" rows.
	Direction string
	// IDs restricts the run to specific transactions (used by retry); they
	// must still be unenriched.
	IDs []string
	// BatchSize overrides the configured batch size for this run.
	BatchSize int
	// JobID, when set, is used instead of a generated id so callers that
	// run the job in the background can hand the id out up front.
	JobID string
}

// selectTransactions resolves a request to the eligible transactions, in
// ascending id order. An import-job restriction expands to the job's
// accounts and date window; explicit ids bypass it.
func (c *Controller) selectTransactions(ctx context.Context, req RunRequest) ([]model.Transaction, error) {
	switch req.Direction {
	case "", string(model.TransactionDebit), string(model.TransactionCredit):
	default:
		return nil, eris.Errorf("enrich: unknown direction %q", req.Direction)
	}
	f := store.TransactionFilter{
		IDs:        req.IDs,
		AccountID:  req.AccountID,
		Direction:  req.Direction,
		Unenriched: true,
	}
	if req.ImportJobID == "" || len(req.IDs) > 0 {
		return c.store.ListTransactions(ctx, f)
	}

	job, err := c.store.GetImportJob(ctx, req.ImportJobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, eris.Errorf("enrich: import job not found: %s", req.ImportJobID)
	}
	f.From = job.FromDate
	f.To = job.ToDate.AddDate(0, 0, 1) // the window's end date is inclusive

	if f.AccountID != "" {
		return c.store.ListTransactions(ctx, f)
	}
	var all []model.Transaction
	for _, accountID := range job.AccountIDs {
		f.AccountID = accountID
		txs, err := c.store.ListTransactions(ctx, f)
		if err != nil {
			return nil, err
		}
		all = append(all, txs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, nil
}

// Run executes one enrichment job to a terminal state. Cancellation is
// cooperative: the cancel flag is honored between batches, never inside one.
func (c *Controller) Run(ctx context.Context, req RunRequest) (*model.EnrichmentJob, error) {
	txs, err := c.selectTransactions(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: select transactions")
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = c.cfg.BatchSize
	}
	job := model.EnrichmentJob{
		ID:          jobID,
		UserID:      req.UserID,
		ImportJobID: req.ImportJobID,
		Status:      model.EnrichmentRunning,
		BatchSize:   batchSize,
		Total:       len(txs),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.CreateEnrichmentJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "enrich: create job")
	}

	if len(txs) == 0 {
		if err := c.store.FinishEnrichmentJob(ctx, job.ID, model.EnrichmentCompleted, ""); err != nil {
			return nil, eris.Wrap(err, "enrich: finish job")
		}
		return c.store.GetEnrichmentJob(ctx, job.ID)
	}

	items, lookupFailed := c.lookupStage(ctx, &job, txs)
	for _, id := range lookupFailed {
		job.Failed++
		job.FailedIDs = append(job.FailedIDs, id)
	}
	if err := c.store.UpdateEnrichmentProgress(ctx, job); err != nil {
		return nil, eris.Wrap(err, "enrich: progress")
	}

	status := model.EnrichmentCompleted
	for start := 0; start < len(items); start += batchSize {
		cancelled, err := c.store.EnrichmentCancelRequested(ctx, job.ID)
		if err != nil {
			return nil, eris.Wrap(err, "enrich: read cancel flag")
		}
		if cancelled {
			status = model.EnrichmentCancelled
			break
		}

		end := min(start+batchSize, len(items))
		outcome, err := c.stage.EnrichBatch(ctx, items[start:end])
		if err != nil {
			c.finish(ctx, job.ID, model.EnrichmentFailed, err.Error())
			return nil, eris.Wrap(err, "enrich: batch")
		}

		job.Processed += outcome.Processed
		job.CachedHits += outcome.CachedHits
		job.Failed += outcome.Failed
		job.FailedIDs = append(job.FailedIDs, outcome.FailedIDs...)
		job.InputTokens += outcome.Usage.InputTokens
		job.OutputTokens += outcome.Usage.OutputTokens
		job.CostUSD += c.calc.Tokens(c.stage.provider.Name(), c.stage.provider.Model(),
			outcome.Usage.InputTokens, outcome.Usage.OutputTokens)

		if err := c.store.UpdateEnrichmentProgress(ctx, job); err != nil {
			return nil, eris.Wrap(err, "enrich: progress")
		}
	}

	c.finish(ctx, job.ID, status, "")
	zap.L().Info("enrich: job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("processed", job.Processed),
		zap.Int("cached_hits", job.CachedHits),
		zap.Int("failed", job.Failed),
		zap.Float64("cost_usd", job.CostUSD),
	)
	return c.store.GetEnrichmentJob(ctx, job.ID)
}

// lookupStage resolves what it can deterministically and returns the items
// still owed an LLM pass, ordered by ascending transaction id.
func (c *Controller) lookupStage(ctx context.Context, job *model.EnrichmentJob, txs []model.Transaction) ([]Item, []string) {
	var items []Item
	var failed []string

	for _, tx := range txs {
		match, err := c.matcher.Match(ctx, tx)
		if err != nil {
			failed = append(failed, tx.ID)
			zap.L().Warn("enrich: lookup failed",
				zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}

		if match == nil {
			items = append(items, Item{Tx: tx, LLMPrimary: true})
			continue
		}

		if err := c.resolveFromLookup(ctx, tx, match); err != nil {
			failed = append(failed, tx.ID)
			zap.L().Warn("enrich: apply lookup result failed",
				zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		job.Processed++

		if c.cfg.AlwaysLLM {
			it := Item{Tx: tx, LLMPrimary: false}
			if match.Best.Type == model.SourceAppStore {
				it.AppHint = match.Best.Description
			} else {
				it.ProductHint = match.Best.Description
			}
			items = append(items, it)
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Tx.ID < items[j].Tx.ID })
	return items, failed
}

// resolveFromLookup writes the best candidate onto the transaction and
// records every qualifying candidate as provenance, best one primary.
func (c *Controller) resolveFromLookup(ctx context.Context, tx model.Transaction, match *MatchResult) error {
	if err := c.store.ApplyEnrichment(ctx, tx.ID, CandidateResult(match.Best)); err != nil {
		return err
	}
	if err := c.store.AddEnrichmentSource(ctx, model.EnrichmentSource{
		ID:            uuid.NewString(),
		TransactionID: tx.ID,
		Type:          match.Best.Type,
		LookupRowID:   match.Best.RowID,
		Confidence:    match.Best.Score,
		IsPrimary:     true,
	}); err != nil {
		return err
	}
	for _, alt := range match.Alternates {
		if err := c.store.AddEnrichmentSource(ctx, model.EnrichmentSource{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			Type:          alt.Type,
			LookupRowID:   alt.RowID,
			Confidence:    alt.Score,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Cancel flags a running job; the controller honors it at the next batch
// boundary.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	job, err := c.store.GetEnrichmentJob(ctx, jobID)
	if err != nil {
		return eris.Wrap(err, "enrich: cancel")
	}
	if job == nil {
		return eris.Errorf("enrich: job not found: %s", jobID)
	}
	if job.Status != model.EnrichmentRunning {
		return eris.Errorf("enrich: job %s is %s, only running jobs can be cancelled", jobID, job.Status)
	}
	return c.store.RequestEnrichmentCancel(ctx, jobID)
}

// RetryFailed starts a fresh job over the failed transactions of a previous
// one. Cache entries written since may turn previous misses into hits.
func (c *Controller) RetryFailed(ctx context.Context, jobID string) (*model.EnrichmentJob, error) {
	prev, err := c.store.GetEnrichmentJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "enrich: retry")
	}
	if prev == nil {
		return nil, eris.Errorf("enrich: job not found: %s", jobID)
	}
	if prev.Status == model.EnrichmentRunning {
		return nil, eris.Errorf("enrich: job %s is still running", jobID)
	}
	if len(prev.FailedIDs) == 0 {
		return nil, eris.Errorf("enrich: job %s has no failed transactions", jobID)
	}
	return c.Run(ctx, RunRequest{
		UserID:      prev.UserID,
		ImportJobID: prev.ImportJobID,
		IDs:         prev.FailedIDs,
		BatchSize:   prev.BatchSize,
	})
}

func (c *Controller) finish(ctx context.Context, jobID string, status model.EnrichmentJobStatus, errMsg string) {
	if err := c.store.FinishEnrichmentJob(ctx, jobID, status, errMsg); err != nil {
		zap.L().Error("enrich: failed to finish job",
			zap.String("job_id", jobID), zap.Error(err))
	}
}
