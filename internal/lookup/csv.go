// Package lookup ingests purchase-history exports (e-commerce orders and
// returns as CSV, app-store reports as XLSX) into the lookup tables the
// enrichment matcher queries.
package lookup

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// header maps column names to their index, case-insensitively.
type header map[string]int

func readHeader(r *csv.Reader) (header, error) {
	row, err := r.Read()
	if err != nil {
		return nil, eris.Wrap(err, "lookup: read header")
	}
	h := make(header, len(row))
	for i, name := range row {
		h[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return h, nil
}

func (h header) require(names ...string) error {
	for _, n := range names {
		if _, ok := h[n]; !ok {
			return eris.Errorf("lookup: missing column %q", n)
		}
	}
	return nil
}

func (h header) get(row []string, name string) string {
	i, ok := h[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// readCSVRows streams records through fn, counting rows fn rejected. The
// reader tolerates ragged rows; per-row faults are isolated.
func readCSVRows(r io.Reader, required []string, fn func(h header, row []string) error) (skipped int, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	h, err := readHeader(cr)
	if err != nil {
		return 0, err
	}
	if err := h.require(required...); err != nil {
		return 0, err
	}

	for {
		row, err := cr.Read()
		if err == io.EOF {
			return skipped, nil
		}
		if err != nil {
			return skipped, eris.Wrap(err, "lookup: read row")
		}
		if err := fn(h, row); err != nil {
			skipped++
		}
	}
}
