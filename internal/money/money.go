// Package money converts between decimal amount strings and signed minor
// currency units. Amounts are integers end to end; floats never touch money.
package money

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseMinor converts a signed decimal string to minor currency units.
// Fractions beyond two digits are rejected rather than rounded; a source that
// sends them is broken and the record should surface as an error.
func ParseMinor(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, eris.New("money: empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, eris.Errorf("money: amount %q has sub-cent precision", s)
	}
	frac += strings.Repeat("0", 2-len(frac))

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "money: parse amount %q", s)
	}
	cents, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "money: parse amount %q", s)
	}

	minor := units*100 + cents
	if negative {
		minor = -minor
	}
	return minor, nil
}

// FormatMinor renders minor units as a decimal string, e.g. -450 → "-4.50".
func FormatMinor(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}
