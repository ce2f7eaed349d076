package model

import "time"

// TransactionType tags the direction of a ledger entry.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// Transaction is one bank-ledger entry. Financial fields are immutable after
// creation; only enrichment columns are updated by later stages.
type Transaction struct {
	ID                   string          `json:"id"`
	AccountID            string          `json:"account_id"`
	ProviderTxID         string          `json:"provider_tx_id"`
	NormalizedProviderID string          `json:"normalized_provider_id"`
	PostedAt             time.Time       `json:"posted_at"`
	Description          string          `json:"description"`
	AmountMinor          int64           `json:"amount_minor"` // signed, minor currency units
	Currency             string          `json:"currency"`
	Type                 TransactionType `json:"type"`
	BalanceMinor         *int64          `json:"balance_minor,omitempty"`

	// Enrichment columns, nullable until an enrichment stage fills them.
	Category        *string    `json:"category,omitempty"`
	Subcategory     *string    `json:"subcategory,omitempty"`
	MerchantName    *string    `json:"merchant_name,omitempty"`
	MerchantType    *string    `json:"merchant_type,omitempty"`
	Essential       *bool      `json:"essential,omitempty"`
	NeedsEnrichment bool       `json:"needs_enrichment"`
	EnrichedAt      *time.Time `json:"enriched_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Account is a bank account known to a connection. LastSyncedAt is the
// watermark advanced only after a fully successful sync window.
type Account struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Name         string     `json:"name"`
	Kind         string     `json:"kind"` // "account" or "card"
	Currency     string     `json:"currency"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
}
