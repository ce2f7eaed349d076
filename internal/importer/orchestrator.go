package importer

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/resilience"
)

// RunStore is the persistence surface the orchestrator needs.
type RunStore interface {
	TxStore
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	UpdateImportJobStatus(ctx context.Context, id string, status model.JobStatus) error
	FinishImportJob(ctx context.Context, id string, status model.JobStatus, counts model.SyncCounts, errMsg string) error
	ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error)
	MarkAccountSyncing(ctx context.Context, id string) error
	FinishAccountProgress(ctx context.Context, id string, status model.AccountSyncStatus, counts model.SyncCounts, errMsg string) error
	AdvanceWatermark(ctx context.Context, accountID string, t time.Time) error
}

// EnrichFunc starts the enrichment leg of an auto-enrich job. It blocks until
// enrichment finishes.
type EnrichFunc func(ctx context.Context, job *model.ImportJob) error

// Orchestrator takes a planned job through the sync state machine:
// planned → running → completed or failed, with an enriching detour when the
// job was planned with auto-enrich.
type Orchestrator struct {
	store   RunStore
	worker  *AccountSyncWorker
	workers int
	enrich  EnrichFunc
}

// NewOrchestrator creates an Orchestrator fanning accounts out over at most
// workers concurrent syncs. enrich may be nil when auto-enrich is unused.
func NewOrchestrator(store RunStore, worker *AccountSyncWorker, workers int, enrich EnrichFunc) *Orchestrator {
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{store: store, worker: worker, workers: workers, enrich: enrich}
}

// Run executes one planned import job to a terminal state. An account-level
// failure is isolated: siblings keep running and the job still completes. A
// permanent fault (invalid connection) cancels the remaining accounts and
// fails the job.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*model.ImportJob, error) {
	job, err := o.store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "importer: run")
	}
	if job == nil {
		return nil, eris.Errorf("importer: job not found: %s", jobID)
	}
	if job.Status != model.JobPlanned {
		return nil, eris.Errorf("importer: job %s is %s, want planned", jobID, job.Status)
	}

	if err := o.store.UpdateImportJobStatus(ctx, jobID, model.JobRunning); err != nil {
		return nil, eris.Wrap(err, "importer: run")
	}

	progress, err := o.store.ListAccountProgress(ctx, jobID)
	if err != nil {
		o.fail(ctx, jobID, model.SyncCounts{}, err)
		return nil, eris.Wrap(err, "importer: run")
	}

	var (
		mu      sync.Mutex
		total   model.SyncCounts
		permErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for _, p := range progress {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				// A sibling hit a permanent fault; leave this row pending.
				return nil
			}
			if err := o.store.MarkAccountSyncing(gctx, p.ID); err != nil {
				return eris.Wrap(err, "importer: run")
			}

			counts, syncErr := o.worker.SyncAccount(gctx, p.AccountID, job.FromDate, job.ToDate)
			mu.Lock()
			total.Add(counts)
			mu.Unlock()

			if syncErr != nil {
				if finishErr := o.store.FinishAccountProgress(ctx, p.ID, model.AccountFailed, counts, syncErr.Error()); finishErr != nil {
					return eris.Wrap(finishErr, "importer: run")
				}
				if resilience.IsPermanent(syncErr) {
					mu.Lock()
					if permErr == nil {
						permErr = syncErr
					}
					mu.Unlock()
					// Returning the error cancels gctx for the siblings.
					return syncErr
				}
				zap.L().Warn("importer: account sync failed",
					zap.String("job_id", jobID),
					zap.String("account_id", p.AccountID),
					zap.Error(syncErr),
				)
				return nil
			}

			if err := o.store.FinishAccountProgress(gctx, p.ID, model.AccountCompleted, counts, ""); err != nil {
				return eris.Wrap(err, "importer: run")
			}
			// The watermark only advances when every record in the window
			// landed; skipped records stay fetchable by a later run.
			if counts.Errors == 0 {
				if err := o.store.AdvanceWatermark(gctx, p.AccountID, job.ToDate); err != nil {
					return eris.Wrap(err, "importer: run")
				}
			} else {
				zap.L().Warn("importer: watermark held back",
					zap.String("job_id", jobID),
					zap.String("account_id", p.AccountID),
					zap.Int("record_errors", counts.Errors),
				)
			}
			return nil
		})
	}

	groupErr := g.Wait()
	if permErr != nil {
		o.fail(ctx, jobID, total, permErr)
		return nil, eris.Wrap(permErr, "importer: run")
	}
	if groupErr != nil {
		o.fail(ctx, jobID, total, groupErr)
		return nil, eris.Wrap(groupErr, "importer: run")
	}

	if job.AutoEnrich && o.enrich != nil {
		if err := o.store.UpdateImportJobStatus(ctx, jobID, model.JobEnriching); err != nil {
			return nil, eris.Wrap(err, "importer: run")
		}
		if err := o.enrich(ctx, job); err != nil {
			// Sync already succeeded; a failed enrichment leg does not undo
			// it. The job completes and the enrichment job carries the error.
			zap.L().Error("importer: auto-enrich failed",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
		}
	}

	if err := o.store.FinishImportJob(ctx, jobID, model.JobCompleted, total, ""); err != nil {
		return nil, eris.Wrap(err, "importer: run")
	}

	zap.L().Info("importer: job completed",
		zap.String("job_id", jobID),
		zap.Int("synced", total.Synced),
		zap.Int("duplicates", total.Duplicates),
		zap.Int("errors", total.Errors),
	)
	return o.store.GetImportJob(ctx, jobID)
}

func (o *Orchestrator) fail(ctx context.Context, jobID string, counts model.SyncCounts, cause error) {
	if err := o.store.FinishImportJob(ctx, jobID, model.JobFailed, counts, cause.Error()); err != nil {
		zap.L().Error("importer: failed to mark job failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
	}
}

// ProgressStore is the read-only slice of the store that status polling
// needs.
type ProgressStore interface {
	GetImportJob(ctx context.Context, id string) (*model.ImportJob, error)
	ListAccountProgress(ctx context.Context, jobID string) ([]model.AccountProgress, error)
}

// Progress assembles a point-in-time status snapshot for polling.
func Progress(ctx context.Context, store ProgressStore, jobID string) (*model.JobProgress, error) {
	job, err := store.GetImportJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "importer: progress")
	}
	if job == nil {
		return nil, eris.Errorf("importer: job not found: %s", jobID)
	}
	accounts, err := store.ListAccountProgress(ctx, jobID)
	if err != nil {
		return nil, eris.Wrap(err, "importer: progress")
	}

	done := 0
	for _, a := range accounts {
		if a.Status == model.AccountCompleted || a.Status == model.AccountFailed {
			done++
		}
	}
	percent := 0.0
	if len(accounts) > 0 {
		percent = float64(done) / float64(len(accounts)) * 100
	}
	if job.Status.Terminal() {
		percent = 100
	}
	return &model.JobProgress{Job: *job, Accounts: accounts, Percent: percent}, nil
}
