package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfin/ledgersync/internal/model"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedAccount(t *testing.T, s *SQLiteStore, id string) {
	t.Helper()
	require.NoError(t, s.UpsertAccount(context.Background(), model.Account{
		ID: id, ConnectionID: "conn-1", Name: "Checking", Kind: "checking", Currency: "EUR",
	}))
}

func testTransaction(accountID, normID string, amount int64) model.Transaction {
	return model.Transaction{
		ID:                   uuid.NewString(),
		AccountID:            accountID,
		ProviderTxID:         "prov-" + normID,
		NormalizedProviderID: normID,
		PostedAt:             time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		Description:          "CARD PAYMENT COFFEE SHOP",
		AmountMinor:          amount,
		Currency:             "EUR",
		Type:                 model.TransactionDebit,
		NeedsEnrichment:      true,
	}
}

func TestSQLiteInsertTransactionIdempotent(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1")

	inserted, err := s.InsertTransaction(ctx, testTransaction("acc-1", "norm-1", -450))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same normalized id, different surrogate id: must be a silent no-op.
	inserted, err = s.InsertTransaction(ctx, testTransaction("acc-1", "norm-1", -450))
	require.NoError(t, err)
	assert.False(t, inserted)

	count, err := s.CountTransactions(ctx, TransactionFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSQLiteWatermarkNeverMovesBackward(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1")

	later := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.AdvanceWatermark(ctx, "acc-1", later))
	require.NoError(t, s.AdvanceWatermark(ctx, "acc-1", earlier))

	a, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, a.LastSyncedAt)
	assert.True(t, a.LastSyncedAt.Equal(later))
}

func TestSQLiteListTransactionsAscendingByID(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1")

	for i, id := range []string{"c", "a", "b"} {
		tx := testTransaction("acc-1", "norm-"+id, int64(-100*(i+1)))
		tx.ID = "tx-" + id
		_, err := s.InsertTransaction(ctx, tx)
		require.NoError(t, err)
	}

	list, err := s.ListTransactions(ctx, TransactionFilter{AccountID: "acc-1"})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "tx-a", list[0].ID)
	assert.Equal(t, "tx-b", list[1].ID)
	assert.Equal(t, "tx-c", list[2].ID)
}

func TestSQLiteApplyEnrichmentClearsNeedsFlag(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1")

	tx := testTransaction("acc-1", "norm-1", -450)
	_, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, s.ApplyEnrichment(ctx, tx.ID, model.EnrichmentResult{
		PrimaryCategory: model.CategoryDining,
		MerchantName:    "Coffee Shop",
		Essential:       false,
		Confidence:      0.9,
	}))

	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Category)
	assert.Equal(t, "dining", *got.Category)
	assert.False(t, got.NeedsEnrichment)
	assert.NotNil(t, got.EnrichedAt)

	unenriched, err := s.CountTransactions(ctx, TransactionFilter{Unenriched: true})
	require.NoError(t, err)
	assert.Zero(t, unenriched)
}

func TestSQLiteCacheHitBumpsCounter(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	miss, err := s.GetCacheEntry(ctx, "sig-1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, s.PutCacheEntry(ctx, model.EnrichmentCacheEntry{
		Signature: "sig-1",
		Result: model.EnrichmentResult{
			PrimaryCategory: model.CategoryGroceries,
			MerchantName:    "Supermart",
			Confidence:      0.95,
		},
	}))

	for i := 0; i < 3; i++ {
		hit, err := s.GetCacheEntry(ctx, "sig-1")
		require.NoError(t, err)
		require.NotNil(t, hit)
		assert.Equal(t, model.CategoryGroceries, hit.Result.PrimaryCategory)
	}

	stats, err := s.CacheStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Entries)
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.75, stats.HitRate, 1e-9)
}

func TestSQLitePutCacheEntryFirstWriterWins(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	first := model.EnrichmentCacheEntry{
		Signature: "sig-1",
		Result:    model.EnrichmentResult{PrimaryCategory: model.CategoryDining, MerchantName: "A"},
	}
	second := model.EnrichmentCacheEntry{
		Signature: "sig-1",
		Result:    model.EnrichmentResult{PrimaryCategory: model.CategoryOther, MerchantName: "B"},
	}
	require.NoError(t, s.PutCacheEntry(ctx, first))
	require.NoError(t, s.PutCacheEntry(ctx, second))

	got, err := s.GetCacheEntry(ctx, "sig-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A", got.Result.MerchantName)
}

func TestSQLiteClaimCommerceOrderOnce(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	_, err := s.InsertCommerceOrders(ctx, []model.CommerceOrder{{
		ID: "ord-1", Source: "webshop", ExternalOrderID: "A-1",
		ProductName: "Wireless Mouse", Merchant: "Webshop",
		TotalMinor: -2999, Currency: "EUR",
		OrderedAt: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}})
	require.NoError(t, err)

	claimed, err := s.ClaimCommerceOrder(ctx, "ord-1", "tx-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimCommerceOrder(ctx, "ord-1", "tx-2")
	require.NoError(t, err)
	assert.False(t, claimed)

	// Claimed orders drop out of the candidate set.
	candidates, err := s.FindCandidateOrders(ctx, CandidateQuery{
		Date: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestSQLiteCandidateWindowFiltersByDate(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	n, err := s.InsertCommerceOrders(ctx, []model.CommerceOrder{
		{ID: "ord-in", Source: "webshop", ExternalOrderID: "A-1", ProductName: "Mouse",
			Merchant: "Webshop", TotalMinor: -2999, Currency: "EUR",
			OrderedAt: time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)},
		{ID: "ord-out", Source: "webshop", ExternalOrderID: "A-2", ProductName: "Desk",
			Merchant: "Webshop", TotalMinor: -19999, Currency: "EUR",
			OrderedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	candidates, err := s.FindCandidateOrders(ctx, CandidateQuery{
		Date:       time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		WindowDays: 7,
	})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "ord-in", candidates[0].ID)
}

func TestSQLiteSinglePrimarySource(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1")

	tx := testTransaction("acc-1", "norm-1", -450)
	_, err := s.InsertTransaction(ctx, tx)
	require.NoError(t, err)

	require.NoError(t, s.AddEnrichmentSource(ctx, model.EnrichmentSource{
		ID: "src-1", TransactionID: tx.ID, Type: model.SourceCommerce,
		Confidence: 0.7, IsPrimary: true,
	}))
	require.NoError(t, s.AddEnrichmentSource(ctx, model.EnrichmentSource{
		ID: "src-2", TransactionID: tx.ID, Type: model.SourceLLM,
		Confidence: 0.9, IsPrimary: true,
	}))

	sources, err := s.ListEnrichmentSources(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, sources, 2)

	var primaries int
	for _, src := range sources {
		if src.IsPrimary {
			primaries++
			assert.Equal(t, "src-2", src.ID)
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestSQLiteImportJobLifecycle(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	job := model.ImportJob{
		ID:           "job-1",
		UserID:       "user-1",
		ConnectionID: "conn-1",
		Status:       model.JobPlanned,
		FromDate:     time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		ToDate:       time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
		AccountIDs:   []string{"acc-1", "acc-2"},
		AutoEnrich:   true,
		BatchSize:    25,
		Estimate:     &model.ImportEstimate{Accounts: 2, TransactionCount: 120},
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateImportJob(ctx, job))
	require.NoError(t, s.UpdateImportJobStatus(ctx, "job-1", model.JobRunning))
	require.NoError(t, s.FinishImportJob(ctx, "job-1", model.JobCompleted,
		model.SyncCounts{Synced: 110, Duplicates: 10}, ""))

	got, err := s.GetImportJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.JobCompleted, got.Status)
	assert.Equal(t, 110, got.Counts.Synced)
	assert.Equal(t, 10, got.Counts.Duplicates)
	assert.Equal(t, []string{"acc-1", "acc-2"}, got.AccountIDs)
	require.NotNil(t, got.Estimate)
	assert.Equal(t, 120, got.Estimate.TransactionCount)
	assert.True(t, got.AutoEnrich)
	assert.NotNil(t, got.CompletedAt)
}

func TestSQLiteEnrichmentJobCancelFlag(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateEnrichmentJob(ctx, model.EnrichmentJob{
		ID: "enr-1", UserID: "user-1", Status: model.EnrichmentRunning,
		BatchSize: 25, Total: 100, CreatedAt: time.Now().UTC(),
	}))

	cancel, err := s.EnrichmentCancelRequested(ctx, "enr-1")
	require.NoError(t, err)
	assert.False(t, cancel)

	require.NoError(t, s.RequestEnrichmentCancel(ctx, "enr-1"))

	cancel, err = s.EnrichmentCancelRequested(ctx, "enr-1")
	require.NoError(t, err)
	assert.True(t, cancel)

	require.NoError(t, s.FinishEnrichmentJob(ctx, "enr-1", model.EnrichmentCancelled, ""))
	job, err := s.GetEnrichmentJob(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.EnrichmentCancelled, job.Status)
}
