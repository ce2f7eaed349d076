package importer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/pkg/bankfeed"
)

// TxStore is the transaction sink a sync worker writes to.
type TxStore interface {
	InsertTransaction(ctx context.Context, t model.Transaction) (bool, error)
}

// AccountSyncWorker syncs one account's transaction window page by page.
type AccountSyncWorker struct {
	store TxStore
	feed  bankfeed.Client

	// skipDuplicateCheck disables the in-memory window dedup that guards
	// against pages re-delivering rows mid-pagination. On large backfills the
	// map can hold millions of ids; skipping it trades one extra no-op insert
	// per re-delivered row for bounded memory.
	skipDuplicateCheck bool
}

// WorkerOption configures an AccountSyncWorker.
type WorkerOption func(*AccountSyncWorker)

// SkipDuplicateCheck disables the worker's in-memory duplicate pre-check.
// The store's unique constraint still guarantees no duplicate rows.
func SkipDuplicateCheck() WorkerOption {
	return func(w *AccountSyncWorker) { w.skipDuplicateCheck = true }
}

// NewAccountSyncWorker creates a worker writing through the given store.
func NewAccountSyncWorker(store TxStore, feed bankfeed.Client, opts ...WorkerOption) *AccountSyncWorker {
	w := &AccountSyncWorker{store: store, feed: feed}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SyncAccount pulls the [from, to] window for one account and upserts every
// record. Per-record faults increment Errors and never abort the window;
// a feed-level fault (pager error) aborts and is returned.
func (w *AccountSyncWorker) SyncAccount(ctx context.Context, accountID string, from, to time.Time) (model.SyncCounts, error) {
	var counts model.SyncCounts
	var seen map[string]struct{}
	if !w.skipDuplicateCheck {
		seen = make(map[string]struct{})
	}

	pager := w.feed.FetchTransactions(accountID, from, to)
	for pager.Next(ctx) {
		for _, raw := range pager.Page() {
			tx, err := normalizeTransaction(accountID, raw)
			if err != nil {
				counts.Errors++
				zap.L().Warn("importer: skipping malformed record",
					zap.String("account_id", accountID),
					zap.String("provider_tx_id", raw.TransactionID),
					zap.Error(err),
				)
				continue
			}

			if seen != nil {
				if _, dup := seen[tx.NormalizedProviderID]; dup {
					counts.Duplicates++
					continue
				}
				seen[tx.NormalizedProviderID] = struct{}{}
			}

			inserted, err := w.store.InsertTransaction(ctx, tx)
			if err != nil {
				counts.Errors++
				zap.L().Error("importer: insert failed",
					zap.String("account_id", accountID),
					zap.String("normalized_provider_id", tx.NormalizedProviderID),
					zap.Error(err),
				)
				continue
			}
			if inserted {
				counts.Synced++
			} else {
				counts.Duplicates++
			}
		}
	}
	return counts, pager.Err()
}
