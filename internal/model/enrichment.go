package model

import "time"

// Category is the closed set of primary transaction categories. Inferred
// categories outside this set are rejected at parse time.
type Category string

const (
	CategoryGroceries     Category = "groceries"
	CategoryDining        Category = "dining"
	CategoryTransport     Category = "transport"
	CategoryShopping      Category = "shopping"
	CategoryEntertainment Category = "entertainment"
	CategoryUtilities     Category = "utilities"
	CategoryHousing       Category = "housing"
	CategoryHealth        Category = "health"
	CategoryTravel        Category = "travel"
	CategoryIncome        Category = "income"
	CategoryTransfers     Category = "transfers"
	CategoryFees          Category = "fees"
	CategorySubscriptions Category = "subscriptions"
	CategoryOther         Category = "other"
)

// Categories lists every valid primary category.
func Categories() []Category {
	return []Category{
		CategoryGroceries, CategoryDining, CategoryTransport, CategoryShopping,
		CategoryEntertainment, CategoryUtilities, CategoryHousing, CategoryHealth,
		CategoryTravel, CategoryIncome, CategoryTransfers, CategoryFees,
		CategorySubscriptions, CategoryOther,
	}
}

// ValidCategory reports whether c is in the closed category set.
func ValidCategory(c Category) bool {
	for _, v := range Categories() {
		if v == c {
			return true
		}
	}
	return false
}

// EnrichmentResult is the fixed-shape outcome of enriching one transaction,
// whether computed by a provider or replayed from the cache.
type EnrichmentResult struct {
	PrimaryCategory Category   `json:"primary_category"`
	Subcategory     string     `json:"subcategory,omitempty"`
	MerchantName    string     `json:"merchant_name"`
	MerchantType    string     `json:"merchant_type,omitempty"`
	Essential       bool       `json:"essential"`
	PaymentMethod   string     `json:"payment_method,omitempty"`
	PaymentSubtype  string     `json:"payment_subtype,omitempty"`
	Counterparty    string     `json:"counterparty,omitempty"`
	OriginDate      *time.Time `json:"origin_date,omitempty"`
	Confidence      float64    `json:"confidence"`
	Provider        string     `json:"provider,omitempty"`
	Model           string     `json:"model,omitempty"`
}

// EnrichmentCacheEntry maps a descriptive signature to a previously computed
// result. The signature never incorporates amount, date or account identity,
// so identical-looking purchases share one entry and one provider call.
type EnrichmentCacheEntry struct {
	Signature string           `json:"signature"`
	Result    EnrichmentResult `json:"result"`
	CreatedAt time.Time        `json:"created_at"`
}

// CacheStats summarizes cache effectiveness for diagnostics.
type CacheStats struct {
	Entries int64   `json:"entries"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// SourceType tags which path produced an enrichment.
type SourceType string

const (
	SourceCommerce SourceType = "commerce"
	SourceReturn   SourceType = "return"
	SourceAppStore SourceType = "appstore"
	SourceLLM      SourceType = "llm"
)

// EnrichmentSource is a provenance record linking a transaction to the
// lookup/LLM source that produced or corroborated its enrichment. Several
// rows may exist per transaction; exactly one may be primary at a time.
type EnrichmentSource struct {
	ID            string     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	Type          SourceType `json:"type"`
	LookupRowID   string     `json:"lookup_row_id,omitempty"`
	Confidence    float64    `json:"confidence"`
	IsPrimary     bool       `json:"is_primary"`
	CreatedAt     time.Time  `json:"created_at"`
}
