package enrich

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/llm"
	"github.com/arcfin/ledgersync/internal/model"
)

// StageStore is the persistence surface the LLM stage needs.
type StageStore interface {
	GetCacheEntry(ctx context.Context, signature string) (*model.EnrichmentCacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.EnrichmentCacheEntry) error
	ApplyEnrichment(ctx context.Context, txID string, res model.EnrichmentResult) error
	AddEnrichmentSource(ctx context.Context, src model.EnrichmentSource) error
}

// Item is one transaction queued for the LLM stage, plus the lookup hints
// that sharpen its signature and prompt.
type Item struct {
	Tx          model.Transaction
	ProductHint string
	AppHint     string
	// LLMPrimary marks whether an LLM result becomes the primary source. It
	// is false when a lookup already resolved the transaction.
	LLMPrimary bool
}

// BatchOutcome summarizes one EnrichBatch call.
type BatchOutcome struct {
	Processed  int
	CachedHits int
	Failed     int
	FailedIDs  []string
	Usage      llm.Usage
}

// Stage runs cache-first LLM enrichment over batches.
type Stage struct {
	store    StageStore
	provider llm.Provider
}

// NewStage creates a Stage backed by the given provider.
func NewStage(store StageStore, provider llm.Provider) *Stage {
	return &Stage{store: store, provider: provider}
}

// EnrichBatch enriches one batch: cache hits replay stored results without a
// provider call, misses go to the provider in a single batched request, and
// fresh results are persisted and cached. Item failures are isolated.
func (s *Stage) EnrichBatch(ctx context.Context, items []Item) (BatchOutcome, error) {
	var out BatchOutcome

	type pending struct {
		item Item
		sig  string
	}
	var misses []pending

	for _, it := range items {
		sig := Signature(it.Tx.Description, it.ProductHint, it.AppHint)
		entry, err := s.store.GetCacheEntry(ctx, sig)
		if err != nil {
			return out, eris.Wrap(err, "enrich: cache get")
		}
		if entry != nil {
			if err := s.persist(ctx, it, entry.Result); err != nil {
				out.fail(it.Tx.ID)
				zap.L().Warn("enrich: persist cached result failed",
					zap.String("tx_id", it.Tx.ID), zap.Error(err))
				continue
			}
			out.Processed++
			out.CachedHits++
			continue
		}
		misses = append(misses, pending{item: it, sig: sig})
	}

	if len(misses) == 0 {
		return out, nil
	}

	batch := make([]llm.Payload, len(misses))
	for i, p := range misses {
		batch[i] = llm.Payload{
			TransactionID: p.item.Tx.ID,
			Description:   p.item.Tx.Description,
			ProductHint:   p.item.ProductHint,
			AppHint:       p.item.AppHint,
			Direction:     string(p.item.Tx.Type),
		}
	}

	results, usage, err := s.provider.Infer(ctx, batch)
	out.Usage = usage
	if err != nil {
		// The whole provider call failed; every miss in this batch fails,
		// the job carries on with the next batch.
		for _, p := range misses {
			out.fail(p.item.Tx.ID)
		}
		zap.L().Error("enrich: provider batch failed",
			zap.String("provider", s.provider.Name()),
			zap.Int("batch", len(misses)),
			zap.Error(err),
		)
		return out, nil
	}

	bySig := make(map[string]pending, len(misses))
	for _, p := range misses {
		bySig[p.item.Tx.ID] = p
	}

	for _, r := range results {
		p, ok := bySig[r.TransactionID]
		if !ok {
			continue // provider hallucinated an id; drop it
		}
		delete(bySig, r.TransactionID)

		if r.Err != nil {
			out.fail(p.item.Tx.ID)
			zap.L().Warn("enrich: item failed",
				zap.String("tx_id", p.item.Tx.ID), zap.Error(r.Err))
			continue
		}

		if err := s.store.PutCacheEntry(ctx, model.EnrichmentCacheEntry{
			Signature: p.sig,
			Result:    r.Result,
		}); err != nil {
			out.fail(p.item.Tx.ID)
			zap.L().Warn("enrich: cache put failed",
				zap.String("tx_id", p.item.Tx.ID), zap.Error(err))
			continue
		}
		if err := s.persist(ctx, p.item, r.Result); err != nil {
			out.fail(p.item.Tx.ID)
			zap.L().Warn("enrich: persist failed",
				zap.String("tx_id", p.item.Tx.ID), zap.Error(err))
			continue
		}
		out.Processed++
	}

	// Items the provider never answered.
	for id := range bySig {
		out.fail(id)
	}
	return out, nil
}

func (s *Stage) persist(ctx context.Context, it Item, res model.EnrichmentResult) error {
	// A lookup-resolved transaction keeps its lookup enrichment on the row;
	// the LLM result is recorded as corroborating provenance only.
	if it.LLMPrimary {
		if err := s.store.ApplyEnrichment(ctx, it.Tx.ID, res); err != nil {
			return err
		}
	}
	return s.store.AddEnrichmentSource(ctx, model.EnrichmentSource{
		ID:            uuid.NewString(),
		TransactionID: it.Tx.ID,
		Type:          model.SourceLLM,
		Confidence:    res.Confidence,
		IsPrimary:     it.LLMPrimary,
	})
}

func (o *BatchOutcome) fail(txID string) {
	o.Failed++
	o.FailedIDs = append(o.FailedIDs, txID)
}
