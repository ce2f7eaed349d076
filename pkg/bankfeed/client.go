// Package bankfeed is the client for the upstream open-banking API. OAuth
// token acquisition and refresh happen outside this package; the client only
// consumes an already-valid token.
package bankfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arcfin/ledgersync/internal/resilience"
)

// ErrConnectionInvalid is returned when the upstream rejects the connection's
// credentials. It is a job-level fault, never retried.
var ErrConnectionInvalid = eris.New("bankfeed: connection invalid")

// Account is an upstream bank account or card.
type Account struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // "account" or "card"
	Currency string `json:"currency"`
}

// RawTransaction is one upstream ledger record before normalization. The
// upstream transaction id may change between fetches; InternalRef is stable
// when present.
type RawTransaction struct {
	TransactionID string  `json:"transaction_id"`
	InternalRef   string  `json:"internal_transaction_id,omitempty"`
	BookingDate   string  `json:"booking_date"` // YYYY-MM-DD
	Description   string  `json:"description"`
	Amount        string  `json:"amount"` // signed decimal string
	Currency      string  `json:"currency"`
	CreditDebit   string  `json:"credit_debit"` // "credit" or "debit"
	Balance       *string `json:"balance,omitempty"`
}

// TransactionPager iterates pages of raw transactions for one account window.
type TransactionPager interface {
	Next(ctx context.Context) bool
	Page() []RawTransaction
	Err() error
}

// Client defines the bank feed operations used by the import pipeline.
type Client interface {
	FetchAccounts(ctx context.Context, connectionID string) ([]Account, error)
	FetchTransactions(accountID string, from, to time.Time) TransactionPager
}

// Options configures the HTTP client.
type Options struct {
	BaseURL       string
	AccessToken   string
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	RateBurst     int
	PageSize      int
}

// HTTPClient implements Client over net/http with rate limiting and retry.
type HTTPClient struct {
	http    *http.Client
	opts    Options
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewHTTPClient creates an HTTPClient with the given options.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.RatePerSecond == 0 {
		opts.RatePerSecond = 5
	}
	if opts.RateBurst == 0 {
		opts.RateBurst = 5
	}
	if opts.PageSize == 0 {
		opts.PageSize = 100
	}
	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = opts.MaxRetries
	retryCfg.OnRetry = resilience.RetryLogger("bankfeed", "get")

	return &HTTPClient{
		http: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.RateBurst),
		retry:   retryCfg,
		breaker: resilience.NewBreaker("bankfeed", resilience.BreakerConfig{}),
	}
}

// FetchAccounts lists the accounts reachable through a connection.
func (c *HTTPClient) FetchAccounts(ctx context.Context, connectionID string) ([]Account, error) {
	var out struct {
		Accounts []Account `json:"accounts"`
	}
	path := fmt.Sprintf("/connections/%s/accounts", url.PathEscape(connectionID))
	if err := c.getJSON(ctx, path, nil, &out); err != nil {
		return nil, eris.Wrapf(err, "bankfeed: fetch accounts for %s", connectionID)
	}
	return out.Accounts, nil
}

// FetchTransactions returns a pager over the account's window. Fetching is
// lazy: each Next call retrieves one page.
func (c *HTTPClient) FetchTransactions(accountID string, from, to time.Time) TransactionPager {
	return &httpPager{
		client:    c,
		accountID: accountID,
		from:      from,
		to:        to,
	}
}

type httpPager struct {
	client    *HTTPClient
	accountID string
	from, to  time.Time
	cursor    string
	page      []RawTransaction
	done      bool
	err       error
}

type transactionsPage struct {
	Transactions []RawTransaction `json:"transactions"`
	NextCursor   string           `json:"next_cursor"`
}

func (p *httpPager) Next(ctx context.Context) bool {
	// The upstream occasionally serves an empty page mid-stream with a
	// cursor still attached; keep fetching so the caller's loop only ends
	// at the true end of the window.
	for {
		if p.done || p.err != nil {
			return false
		}

		q := url.Values{}
		q.Set("from", p.from.Format("2006-01-02"))
		q.Set("to", p.to.Format("2006-01-02"))
		q.Set("limit", fmt.Sprintf("%d", p.client.opts.PageSize))
		if p.cursor != "" {
			q.Set("cursor", p.cursor)
		}

		var out transactionsPage
		path := fmt.Sprintf("/accounts/%s/transactions", url.PathEscape(p.accountID))
		if err := p.client.getJSON(ctx, path, q, &out); err != nil {
			p.err = eris.Wrapf(err, "bankfeed: fetch transactions for %s", p.accountID)
			return false
		}

		p.page = out.Transactions
		p.cursor = out.NextCursor
		if p.cursor == "" {
			p.done = true
		}
		if len(p.page) > 0 {
			return true
		}
	}
}

func (p *httpPager) Page() []RawTransaction { return p.page }
func (p *httpPager) Err() error             { return p.err }

// getJSON performs one rate-limited, retried GET and decodes the response.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, c.retry, func(ctx context.Context) error {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}

			u := c.opts.BaseURL + path
			if len(query) > 0 {
				u += "?" + query.Encode()
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
			if err != nil {
				return eris.Wrap(err, "bankfeed: build request")
			}
			req.Header.Set("Authorization", "Bearer "+c.opts.AccessToken)
			req.Header.Set("Accept", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return resilience.NewTransientError(err, 0)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
				return resilience.NewPermanentError(ErrConnectionInvalid)
			case resilience.IsTransientHTTPStatus(resp.StatusCode):
				zap.L().Warn("bankfeed: transient upstream status",
					zap.Int("status", resp.StatusCode),
					zap.String("path", path),
				)
				return resilience.NewTransientError(
					eris.Errorf("bankfeed: upstream status %d", resp.StatusCode), resp.StatusCode)
			case resp.StatusCode != http.StatusOK:
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return eris.Errorf("bankfeed: unexpected status %d: %s", resp.StatusCode, string(body))
			}

			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return eris.Wrap(err, "bankfeed: decode response")
			}
			return nil
		})
	})
}
