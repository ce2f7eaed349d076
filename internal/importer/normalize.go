// Package importer runs batch import jobs: planning, per-account sync workers
// and the orchestrator that fans accounts out over a bounded worker pool.
package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/money"
	"github.com/arcfin/ledgersync/internal/textnorm"
	"github.com/arcfin/ledgersync/pkg/bankfeed"
)

// normalizeProviderID derives the stable identity of an upstream record.
// The upstream transaction id can change between fetches, so it never
// participates. A stable internal reference wins when the upstream provides
// one; otherwise identity is a digest of the fields that never change.
func normalizeProviderID(accountID string, raw bankfeed.RawTransaction, amountMinor int64) string {
	if ref := strings.TrimSpace(raw.InternalRef); ref != "" {
		return "ref:" + ref
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s\x1f%s\x1f%d\x1f%s",
		accountID, raw.BookingDate, amountMinor, textnorm.Clean(raw.Description))
	return "sha:" + hex.EncodeToString(h.Sum(nil))
}

// normalizeTransaction converts one raw upstream record into a Transaction
// ready for insertion. Per-record faults (unparseable amount, bad date,
// unknown direction) are returned as errors and isolated by the caller.
func normalizeTransaction(accountID string, raw bankfeed.RawTransaction) (model.Transaction, error) {
	amountMinor, err := money.ParseMinor(raw.Amount)
	if err != nil {
		return model.Transaction{}, err
	}

	postedAt, err := time.Parse("2006-01-02", raw.BookingDate)
	if err != nil {
		return model.Transaction{}, eris.Wrapf(err, "importer: parse booking date %q", raw.BookingDate)
	}

	var txType model.TransactionType
	switch raw.CreditDebit {
	case "debit":
		txType = model.TransactionDebit
	case "credit":
		txType = model.TransactionCredit
	default:
		return model.Transaction{}, eris.Errorf("importer: unknown direction %q", raw.CreditDebit)
	}

	var balanceMinor *int64
	if raw.Balance != nil {
		b, err := money.ParseMinor(*raw.Balance)
		if err != nil {
			return model.Transaction{}, eris.Wrap(err, "importer: parse balance")
		}
		balanceMinor = &b
	}

	return model.Transaction{
		ID:                   uuid.NewString(),
		AccountID:            accountID,
		ProviderTxID:         raw.TransactionID,
		NormalizedProviderID: normalizeProviderID(accountID, raw, amountMinor),
		PostedAt:             postedAt,
		Description:          strings.TrimSpace(raw.Description),
		AmountMinor:          amountMinor,
		Currency:             raw.Currency,
		Type:                 txType,
		BalanceMinor:         balanceMinor,
		NeedsEnrichment:      true,
	}, nil
}
