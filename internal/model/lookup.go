package model

import "time"

// CommerceOrder is one e-commerce order history row. A single bank debit may
// correspond to at most one order, so matching claims the row.
type CommerceOrder struct {
	ID                   string    `json:"id"`
	Source               string    `json:"source"` // e.g. "amazon", "ebay"
	ExternalOrderID      string    `json:"external_order_id"`
	ProductName          string    `json:"product_name"`
	Merchant             string    `json:"merchant"`
	TotalMinor           int64     `json:"total_minor"`
	Currency             string    `json:"currency"`
	OrderedAt            time.Time `json:"ordered_at"`
	MatchedTransactionID *string   `json:"matched_transaction_id,omitempty"`
}

// CommerceReturn is a refund row from an order history import.
type CommerceReturn struct {
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	ExternalOrderID string    `json:"external_order_id"`
	ProductName     string    `json:"product_name"`
	RefundMinor     int64     `json:"refund_minor"`
	Currency        string    `json:"currency"`
	RefundedAt      time.Time `json:"refunded_at"`
}

// AppStorePurchase is one app-store purchase report row.
type AppStorePurchase struct {
	ID          string    `json:"id"`
	Store       string    `json:"store"` // e.g. "apple", "google"
	AppName     string    `json:"app_name"`
	PriceMinor  int64     `json:"price_minor"`
	Currency    string    `json:"currency"`
	PurchasedAt time.Time `json:"purchased_at"`
}

// LookupCandidate is one scored candidate match from a lookup table.
type LookupCandidate struct {
	RowID       string     `json:"row_id"`
	Type        SourceType `json:"type"`
	Description string     `json:"description"` // product/app name used as hint
	Merchant    string     `json:"merchant,omitempty"`
	AmountMinor int64      `json:"amount_minor"`
	OccurredAt  time.Time  `json:"occurred_at"`
	Score       float64    `json:"score"`
}
