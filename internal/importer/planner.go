package importer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/cost"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/pkg/bankfeed"
)

// PlanStore is the persistence surface the planner needs.
type PlanStore interface {
	UpsertAccount(ctx context.Context, a model.Account) error
	CreateImportJob(ctx context.Context, job model.ImportJob) error
	CreateAccountProgress(ctx context.Context, p model.AccountProgress) error
}

// PlanRequest describes the import window to plan.
type PlanRequest struct {
	UserID       string
	ConnectionID string
	From, To     time.Time
	// AccountIDs restricts the plan to a subset; empty means every account
	// the connection exposes.
	AccountIDs []string

	AutoEnrich bool
	BatchSize  int
}

// PlannerConfig holds the estimation tunables.
type PlannerConfig struct {
	// TxPerAccountPerDay drives the volume estimate.
	TxPerAccountPerDay float64
	// PageSize and PageLatency drive the duration estimate.
	PageSize    int
	PageLatency time.Duration
	// EnrichModel prices the auto-enrich leg of the estimate.
	EnrichProvider string
	EnrichModel    string
}

// Planner discovers accounts and persists a planned, estimated import job.
// Planning never moves data; the job stays inert until started.
type Planner struct {
	store PlanStore
	feed  bankfeed.Client
	calc  *cost.Calculator
	cfg   PlannerConfig
}

// NewPlanner creates a Planner.
func NewPlanner(store PlanStore, feed bankfeed.Client, calc *cost.Calculator, cfg PlannerConfig) *Planner {
	if cfg.TxPerAccountPerDay <= 0 {
		cfg.TxPerAccountPerDay = 1.3
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.PageLatency <= 0 {
		cfg.PageLatency = 400 * time.Millisecond
	}
	return &Planner{store: store, feed: feed, calc: calc, cfg: cfg}
}

// Plan resolves the connection's accounts, estimates the window and persists
// a planned job with one pending progress row per account.
func (p *Planner) Plan(ctx context.Context, req PlanRequest) (*model.ImportJob, error) {
	if !req.To.After(req.From) {
		return nil, eris.New("importer: window end must be after start")
	}

	accounts, err := p.feed.FetchAccounts(ctx, req.ConnectionID)
	if err != nil {
		return nil, eris.Wrap(err, "importer: plan")
	}
	accounts = filterAccounts(accounts, req.AccountIDs)
	if len(accounts) == 0 {
		return nil, eris.New("importer: no matching accounts on connection")
	}

	accountIDs := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if err := p.store.UpsertAccount(ctx, model.Account{
			ID:           a.ID,
			ConnectionID: req.ConnectionID,
			Name:         a.Name,
			Kind:         a.Kind,
			Currency:     a.Currency,
		}); err != nil {
			return nil, eris.Wrap(err, "importer: plan")
		}
		accountIDs = append(accountIDs, a.ID)
	}

	job := model.ImportJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ConnectionID: req.ConnectionID,
		Status:       model.JobPlanned,
		FromDate:     req.From,
		ToDate:       req.To,
		AccountIDs:   accountIDs,
		AutoEnrich:   req.AutoEnrich,
		BatchSize:    req.BatchSize,
		Estimate:     p.estimate(len(accounts), req),
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.CreateImportJob(ctx, job); err != nil {
		return nil, eris.Wrap(err, "importer: plan")
	}

	for _, id := range accountIDs {
		if err := p.store.CreateAccountProgress(ctx, model.AccountProgress{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			AccountID: id,
			Status:    model.AccountPending,
		}); err != nil {
			return nil, eris.Wrap(err, "importer: plan")
		}
	}

	zap.L().Info("importer: planned job",
		zap.String("job_id", job.ID),
		zap.Int("accounts", len(accountIDs)),
		zap.Time("from", req.From),
		zap.Time("to", req.To),
	)
	return &job, nil
}

func (p *Planner) estimate(accounts int, req PlanRequest) *model.ImportEstimate {
	days := req.To.Sub(req.From).Hours() / 24
	if days < 1 {
		days = 1
	}
	txCount := int(days * float64(accounts) * p.cfg.TxPerAccountPerDay)

	pages := txCount/p.cfg.PageSize + accounts // every account pays at least one page
	est := &model.ImportEstimate{
		Accounts:         accounts,
		TransactionCount: txCount,
		Duration:         time.Duration(pages) * p.cfg.PageLatency,
	}
	if req.AutoEnrich && p.calc != nil {
		est.EnrichCostUSD = p.calc.EstimateEnrichment(p.cfg.EnrichProvider, p.cfg.EnrichModel, txCount)
	}
	return est
}

func filterAccounts(accounts []bankfeed.Account, ids []string) []bankfeed.Account {
	if len(ids) == 0 {
		return accounts
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := accounts[:0]
	for _, a := range accounts {
		if _, ok := want[a.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}
