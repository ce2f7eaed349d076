package bankfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcfin/ledgersync/internal/resilience"
)

func newTestClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(Options{
		BaseURL:       srv.URL,
		AccessToken:   "test-token",
		RatePerSecond: 1000,
		RateBurst:     1000,
		PageSize:      2,
	})
}

func TestFetchAccounts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/connections/conn-1/accounts", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"accounts": []Account{
				{ID: "acc-1", Name: "Everyday", Kind: "account", Currency: "GBP"},
				{ID: "card-1", Name: "Credit", Kind: "card", Currency: "GBP"},
			},
		})
	}))

	accounts, err := c.FetchAccounts(context.Background(), "conn-1")
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "acc-1", accounts[0].ID)
	assert.Equal(t, "card", accounts[1].Kind)
}

func TestFetchAccounts_UnauthorizedIsPermanent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := c.FetchAccounts(context.Background(), "conn-1")
	require.Error(t, err)
	assert.True(t, resilience.IsPermanent(err))
	assert.ErrorIs(t, err, ErrConnectionInvalid)
}

func TestFetchTransactions_Paginates(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acc-1/transactions", r.URL.Path)
		assert.Equal(t, "2026-01-01", r.URL.Query().Get("from"))

		switch calls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(transactionsPage{
				Transactions: []RawTransaction{
					{TransactionID: "t1", BookingDate: "2026-01-02", Description: "COFFEE", Amount: "-3.50", Currency: "GBP", CreditDebit: "debit"},
					{TransactionID: "t2", BookingDate: "2026-01-03", Description: "SALARY", Amount: "2100.00", Currency: "GBP", CreditDebit: "credit"},
				},
				NextCursor: "c2",
			})
		default:
			assert.Equal(t, "c2", r.URL.Query().Get("cursor"))
			json.NewEncoder(w).Encode(transactionsPage{
				Transactions: []RawTransaction{
					{TransactionID: "t3", BookingDate: "2026-01-04", Description: "GROCERY", Amount: "-41.20", Currency: "GBP", CreditDebit: "debit"},
				},
			})
		}
	}))

	from, _ := time.Parse("2006-01-02", "2026-01-01")
	to, _ := time.Parse("2006-01-02", "2026-01-31")
	pager := c.FetchTransactions("acc-1", from, to)

	var got []RawTransaction
	for pager.Next(context.Background()) {
		got = append(got, pager.Page()...)
	}
	require.NoError(t, pager.Err())
	require.Len(t, got, 3)
	assert.Equal(t, "t3", got[2].TransactionID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTransactions_SkipsEmptyMidStreamPages(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			json.NewEncoder(w).Encode(transactionsPage{
				Transactions: []RawTransaction{{TransactionID: "t1", BookingDate: "2026-01-02", Amount: "-3.50"}},
				NextCursor:   "c2",
			})
		case 2:
			// An empty page that still carries a cursor must not end the
			// stream.
			json.NewEncoder(w).Encode(transactionsPage{NextCursor: "c3"})
		default:
			assert.Equal(t, "c3", r.URL.Query().Get("cursor"))
			json.NewEncoder(w).Encode(transactionsPage{
				Transactions: []RawTransaction{{TransactionID: "t2", BookingDate: "2026-01-05", Amount: "-8.00"}},
			})
		}
	}))

	pager := c.FetchTransactions("acc-1", time.Now().AddDate(0, -1, 0), time.Now())
	var got []RawTransaction
	for pager.Next(context.Background()) {
		got = append(got, pager.Page()...)
	}
	require.NoError(t, pager.Err())
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[1].TransactionID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchTransactions_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(transactionsPage{
			Transactions: []RawTransaction{{TransactionID: "t1", BookingDate: "2026-01-02", Amount: "-1.00"}},
		})
	}))
	c.retry.InitialBackoff = time.Millisecond

	pager := c.FetchTransactions("acc-1", time.Now().AddDate(0, -1, 0), time.Now())
	require.True(t, pager.Next(context.Background()))
	require.NoError(t, pager.Err())
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchTransactions_ErrorSurfacesOnPager(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	pager := c.FetchTransactions("acc-1", time.Now().AddDate(0, -1, 0), time.Now())
	assert.False(t, pager.Next(context.Background()))
	require.Error(t, pager.Err())
	assert.ErrorIs(t, pager.Err(), ErrConnectionInvalid)
	// Subsequent Next calls stay false.
	assert.False(t, pager.Next(context.Background()))
}
