package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/config"
	"github.com/arcfin/ledgersync/internal/cost"
	"github.com/arcfin/ledgersync/internal/enrich"
	"github.com/arcfin/ledgersync/internal/importer"
	"github.com/arcfin/ledgersync/internal/llm"
	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
	"github.com/arcfin/ledgersync/pkg/anthropic"
	"github.com/arcfin/ledgersync/pkg/bankfeed"
	"github.com/arcfin/ledgersync/pkg/gemini"
)

// importService combines planning and execution behind the HTTP API's
// single import-service dependency.
type importService struct {
	*importer.Planner
	*importer.Orchestrator
}

// appEnv bundles the wired pipeline components commands run against.
type appEnv struct {
	Store store.Store
	Feed  bankfeed.Client
	Calc  *cost.Calculator

	Planner      *importer.Planner
	Orchestrator *importer.Orchestrator
	Controller   *enrich.Controller
}

func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv opens the store and wires the import and enrichment services from
// config. The LLM provider is only constructed when withProvider is set, so
// sync-only commands run without API keys.
func initEnv(ctx context.Context, withProvider bool) (*appEnv, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	feed := bankfeed.NewHTTPClient(bankfeed.Options{
		BaseURL:       cfg.Bankfeed.BaseURL,
		AccessToken:   cfg.Bankfeed.AccessToken,
		Timeout:       time.Duration(cfg.Bankfeed.TimeoutSecs) * time.Second,
		MaxRetries:    cfg.Bankfeed.MaxRetries,
		RatePerSecond: cfg.Bankfeed.RatePerSecond,
		RateBurst:     cfg.Bankfeed.RateBurst,
		PageSize:      cfg.Bankfeed.PageSize,
	})
	calc := cost.NewCalculator(cfg.Pricing)

	env := &appEnv{Store: st, Feed: feed, Calc: calc}

	env.Planner = importer.NewPlanner(st, feed, calc, importer.PlannerConfig{
		TxPerAccountPerDay: cfg.Import.TxPerAccountPerDay,
		PageSize:           cfg.Bankfeed.PageSize,
		PageLatency:        time.Duration(cfg.Bankfeed.PageLatencyMS) * time.Millisecond,
		EnrichProvider:     cfg.Enrich.Provider,
		EnrichModel:        enrichModel(cfg),
	})

	var workerOpts []importer.WorkerOption
	if cfg.Import.SkipDuplicateCheck {
		workerOpts = append(workerOpts, importer.SkipDuplicateCheck())
	}
	worker := importer.NewAccountSyncWorker(st, feed, workerOpts...)

	if withProvider {
		provider, err := newProvider(ctx, cfg)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.Controller = enrich.NewController(st,
			enrich.NewMatcher(st, matcherConfig(cfg)),
			enrich.NewStage(st, provider),
			calc,
			enrich.ControllerConfig{
				BatchSize: cfg.Enrich.BatchSize,
				AlwaysLLM: cfg.Enrich.AlwaysLLM,
			})
	}

	var enrichFn importer.EnrichFunc
	if env.Controller != nil {
		ctrl := env.Controller
		enrichFn = func(ctx context.Context, job *model.ImportJob) error {
			_, err := ctrl.Run(ctx, enrich.RunRequest{
				UserID:      job.UserID,
				ImportJobID: job.ID,
				BatchSize:   job.BatchSize,
			})
			return err
		}
	}
	env.Orchestrator = importer.NewOrchestrator(st, worker, cfg.Import.Workers, enrichFn)

	return env, nil
}

func openStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newProvider(ctx context.Context, cfg *config.Config) (llm.Provider, error) {
	switch cfg.Enrich.Provider {
	case "anthropic":
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic.key is not configured")
		}
		return llm.NewAnthropicProvider(anthropic.NewClient(cfg.Anthropic.Key), cfg.Anthropic.Model), nil
	case "gemini":
		if cfg.Gemini.Key == "" {
			return nil, eris.New("gemini.key is not configured")
		}
		client, err := gemini.NewClient(ctx, cfg.Gemini.Key)
		if err != nil {
			return nil, eris.Wrap(err, "gemini client")
		}
		return llm.NewGeminiProvider(client, cfg.Gemini.Model), nil
	default:
		return nil, eris.Errorf("unknown enrich provider %q", cfg.Enrich.Provider)
	}
}

func enrichModel(cfg *config.Config) string {
	if cfg.Enrich.Provider == "gemini" {
		return cfg.Gemini.Model
	}
	return cfg.Anthropic.Model
}

func matcherConfig(cfg *config.Config) enrich.MatcherConfig {
	return enrich.MatcherConfig{
		Weights: enrich.MatchWeights{
			Amount:      cfg.Lookup.AmountWeight,
			Date:        cfg.Lookup.DateWeight,
			Description: cfg.Lookup.DescriptionWeight,
		},
		MinConfidence:  cfg.Lookup.MinConfidence,
		MaxCandidates:  cfg.Lookup.MaxCandidates,
		DateWindowDays: cfg.Lookup.DateWindowDays,
	}
}
