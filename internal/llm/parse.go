package llm

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/arcfin/ledgersync/internal/model"
)

// wireResult is the shape the model is asked to emit; validated before it is
// converted into the fixed-shape EnrichmentResult.
type wireResult struct {
	TransactionID   string  `json:"transaction_id"`
	PrimaryCategory string  `json:"primary_category"`
	Subcategory     string  `json:"subcategory"`
	MerchantName    string  `json:"merchant_name"`
	MerchantType    string  `json:"merchant_type"`
	Essential       bool    `json:"essential"`
	PaymentMethod   string  `json:"payment_method"`
	PaymentSubtype  string  `json:"payment_subtype"`
	Counterparty    string  `json:"counterparty"`
	OriginDate      string  `json:"origin_date"`
	Confidence      float64 `json:"confidence"`
}

// ParseResults parses a model response into per-transaction results aligned
// with the request batch. Unparseable or missing items become per-item errors;
// only an unusable envelope fails the whole call.
func ParseResults(raw, provider, modelName string, batch []Payload) ([]ItemResult, error) {
	clean := StripFences(raw)

	var wire []wireResult
	if err := json.Unmarshal([]byte(clean), &wire); err != nil {
		return nil, eris.Wrap(err, "llm: response is not a JSON array")
	}

	byID := make(map[string]wireResult, len(wire))
	for _, w := range wire {
		byID[w.TransactionID] = w
	}

	out := make([]ItemResult, 0, len(batch))
	for _, p := range batch {
		item := ItemResult{TransactionID: p.TransactionID}
		w, ok := byID[p.TransactionID]
		if !ok {
			item.Err = eris.Errorf("llm: no result for transaction %s", p.TransactionID)
			out = append(out, item)
			continue
		}
		res, err := validate(w, provider, modelName)
		if err != nil {
			item.Err = err
		} else {
			item.Result = res
		}
		out = append(out, item)
	}
	return out, nil
}

func validate(w wireResult, provider, modelName string) (model.EnrichmentResult, error) {
	cat := model.Category(strings.ToLower(strings.TrimSpace(w.PrimaryCategory)))
	if !model.ValidCategory(cat) {
		return model.EnrichmentResult{}, eris.Errorf("llm: category %q outside closed set", w.PrimaryCategory)
	}
	if strings.TrimSpace(w.MerchantName) == "" {
		return model.EnrichmentResult{}, eris.New("llm: empty merchant name")
	}

	conf := w.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	res := model.EnrichmentResult{
		PrimaryCategory: cat,
		Subcategory:     w.Subcategory,
		MerchantName:    strings.TrimSpace(w.MerchantName),
		MerchantType:    w.MerchantType,
		Essential:       w.Essential,
		PaymentMethod:   w.PaymentMethod,
		PaymentSubtype:  w.PaymentSubtype,
		Counterparty:    w.Counterparty,
		Confidence:      conf,
		Provider:        provider,
		Model:           modelName,
	}
	if w.OriginDate != "" {
		if d, err := time.Parse("2006-01-02", w.OriginDate); err == nil {
			res.OriginDate = &d
		}
	}
	return res, nil
}

// StripFences removes markdown code fences the model may wrap around JSON
// despite instructions.
func StripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	// Drop the opening fence line (``` or ```json).
	if idx := strings.Index(s, "\n"); idx != -1 {
		s = s[idx+1:]
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
