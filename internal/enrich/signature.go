// Package enrich implements the two-stage enrichment engine: deterministic
// lookup matching against imported purchase histories, then cached, batched
// LLM inference for whatever the lookups could not settle.
package enrich

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/arcfin/ledgersync/internal/textnorm"
)

// Signature computes the content address of a transaction's descriptive text.
// Two transactions share a signature exactly when their canonicalized
// description and lookup hints coincide. Amount, date and account identity
// never participate: a 4.50 coffee and a 5.10 coffee at the same shop are the
// same enrichment question.
func Signature(description, productHint, appHint string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		textnorm.Clean(description),
		textnorm.Clean(productHint),
		textnorm.Clean(appHint),
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}
