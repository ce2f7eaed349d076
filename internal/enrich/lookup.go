package enrich

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/arcfin/ledgersync/internal/model"
	"github.com/arcfin/ledgersync/internal/store"
	"github.com/arcfin/ledgersync/internal/textnorm"
)

// LookupStore is the persistence surface the lookup matcher needs.
type LookupStore interface {
	FindCandidateOrders(ctx context.Context, q store.CandidateQuery) ([]model.CommerceOrder, error)
	FindCandidateReturns(ctx context.Context, q store.CandidateQuery) ([]model.CommerceReturn, error)
	FindCandidatePurchases(ctx context.Context, q store.CandidateQuery) ([]model.AppStorePurchase, error)
	ClaimCommerceOrder(ctx context.Context, orderID, txID string) (bool, error)
}

// MatchWeights tunes the candidate score. The three weights should sum to 1.
type MatchWeights struct {
	Amount      float64
	Date        float64
	Description float64
}

// MatcherConfig configures lookup-stage matching.
type MatcherConfig struct {
	Weights        MatchWeights
	MinConfidence  float64
	MaxCandidates  int
	DateWindowDays int
}

// DefaultMatcherConfig returns the standard matching tunables.
func DefaultMatcherConfig() MatcherConfig {
	return MatcherConfig{
		Weights:        MatchWeights{Amount: 0.40, Date: 0.25, Description: 0.35},
		MinConfidence:  0.55,
		MaxCandidates:  10,
		DateWindowDays: 7,
	}
}

// Matcher resolves transactions against imported purchase histories. Matching
// is deterministic and costs nothing, so it always runs before the LLM stage.
type Matcher struct {
	store LookupStore
	cfg   MatcherConfig
}

// NewMatcher creates a Matcher.
func NewMatcher(s LookupStore, cfg MatcherConfig) *Matcher {
	if cfg.Weights == (MatchWeights{}) {
		cfg.Weights = DefaultMatcherConfig().Weights
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.55
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 10
	}
	if cfg.DateWindowDays <= 0 {
		cfg.DateWindowDays = 7
	}
	return &Matcher{store: s, cfg: cfg}
}

// MatchResult holds the qualifying candidates for one transaction. Best is
// the claimed, top-ranked candidate; Alternates are the remaining plausible
// matches, retained so a reviewer can re-rank them later. Alternates are
// never claimed.
type MatchResult struct {
	Best       model.LookupCandidate
	Alternates []model.LookupCandidate
}

// Match finds the lookup candidates for tx that clear the confidence floor,
// or nil when none do. For the best order candidate the row is atomically
// claimed; losing the claim race falls through to the next candidate.
func (m *Matcher) Match(ctx context.Context, tx model.Transaction) (*MatchResult, error) {
	candidates, err := m.collect(ctx, tx)
	if err != nil {
		return nil, err
	}

	var res *MatchResult
	for _, c := range candidates {
		if c.Score < m.cfg.MinConfidence {
			// Candidates are sorted best-first; the rest are worse.
			break
		}
		if res != nil {
			res.Alternates = append(res.Alternates, c)
			continue
		}
		if c.Type == model.SourceCommerce {
			claimed, err := m.store.ClaimCommerceOrder(ctx, c.RowID, tx.ID)
			if err != nil {
				return nil, eris.Wrap(err, "enrich: claim order")
			}
			if !claimed {
				// A concurrent worker won the row.
				continue
			}
		}
		zap.L().Debug("enrich: lookup match",
			zap.String("tx_id", tx.ID),
			zap.String("source", string(c.Type)),
			zap.Float64("score", c.Score),
		)
		res = &MatchResult{Best: c}
	}
	return res, nil
}

// CandidateResult maps a matched candidate to the enrichment it implies.
func CandidateResult(c model.LookupCandidate) model.EnrichmentResult {
	res := model.EnrichmentResult{
		MerchantName: c.Merchant,
		Subcategory:  c.Description,
		Confidence:   c.Score,
		Provider:     "lookup",
	}
	switch c.Type {
	case model.SourceAppStore:
		res.PrimaryCategory = model.CategoryEntertainment
		res.MerchantType = "app store"
	default:
		res.PrimaryCategory = model.CategoryShopping
		res.MerchantType = "online retail"
	}
	if res.MerchantName == "" {
		res.MerchantName = c.Description
	}
	origin := c.OccurredAt
	res.OriginDate = &origin
	return res
}

func (m *Matcher) collect(ctx context.Context, tx model.Transaction) ([]model.LookupCandidate, error) {
	q := store.CandidateQuery{
		Date:       tx.PostedAt,
		WindowDays: m.cfg.DateWindowDays,
		Limit:      m.cfg.MaxCandidates,
	}

	var out []model.LookupCandidate
	if tx.Type == model.TransactionCredit {
		// Credits can only match refunds.
		returns, err := m.store.FindCandidateReturns(ctx, q)
		if err != nil {
			return nil, eris.Wrap(err, "enrich: find returns")
		}
		for _, r := range returns {
			out = append(out, m.score(tx, model.LookupCandidate{
				RowID:       r.ID,
				Type:        model.SourceReturn,
				Description: r.ProductName,
				Merchant:    r.Source,
				AmountMinor: r.RefundMinor,
				OccurredAt:  r.RefundedAt,
			}))
		}
	} else {
		orders, err := m.store.FindCandidateOrders(ctx, q)
		if err != nil {
			return nil, eris.Wrap(err, "enrich: find orders")
		}
		for _, o := range orders {
			out = append(out, m.score(tx, model.LookupCandidate{
				RowID:       o.ID,
				Type:        model.SourceCommerce,
				Description: o.ProductName,
				Merchant:    o.Merchant,
				AmountMinor: o.TotalMinor,
				OccurredAt:  o.OrderedAt,
			}))
		}

		purchases, err := m.store.FindCandidatePurchases(ctx, q)
		if err != nil {
			return nil, eris.Wrap(err, "enrich: find purchases")
		}
		for _, p := range purchases {
			out = append(out, m.score(tx, model.LookupCandidate{
				RowID:       p.ID,
				Type:        model.SourceAppStore,
				Description: p.AppName,
				Merchant:    p.Store,
				AmountMinor: p.PriceMinor,
				OccurredAt:  p.PurchasedAt,
			}))
		}
	}

	sortCandidates(out)
	return out, nil
}

func (m *Matcher) score(tx model.Transaction, c model.LookupCandidate) model.LookupCandidate {
	w := m.cfg.Weights
	c.Score = w.Amount*amountScore(tx.AmountMinor, c.AmountMinor) +
		w.Date*dateScore(tx.PostedAt, c.OccurredAt, m.cfg.DateWindowDays) +
		w.Description*descriptionScore(tx.Description, c.Description)
	return c
}

// amountScore compares magnitudes: the feed and the purchase history disagree
// on sign conventions, never on size.
func amountScore(a, b int64) float64 {
	aa, ab := math.Abs(float64(a)), math.Abs(float64(b))
	if aa == 0 && ab == 0 {
		return 1
	}
	max := math.Max(aa, ab)
	return 1 - math.Abs(aa-ab)/max
}

// dateScore decays linearly to 0 at the edge of the candidate window.
func dateScore(txDate, candidateDate time.Time, windowDays int) float64 {
	days := math.Abs(txDate.Sub(candidateDate).Hours() / 24)
	if days >= float64(windowDays) {
		return 0
	}
	return 1 - days/float64(windowDays)
}

func descriptionScore(txDesc, candidateDesc string) float64 {
	a, b := textnorm.Clean(txDesc), textnorm.Clean(candidateDesc)
	if a == "" || b == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(a, b)
	longer := len([]rune(a))
	if l := len([]rune(b)); l > longer {
		longer = l
	}
	if longer == 0 {
		return 1
	}
	score := 1 - float64(dist)/float64(longer)
	if score < 0 {
		return 0
	}
	return score
}

func sortCandidates(cs []model.LookupCandidate) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Score > cs[j].Score })
}
