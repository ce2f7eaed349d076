package lookup

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet to read from a workbook.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// readXLSXRows reads one sheet, treats its first row as a header, and streams
// the rest through fn, counting rejected rows.
func readXLSXRows(path string, opts XLSXOptions, required []string, fn func(h header, row []string) error) (skipped int, err error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return 0, eris.Wrap(err, "lookup: open xlsx")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return 0, err
	}
	if len(sheet.Rows) == 0 {
		return 0, eris.New("lookup: empty sheet")
	}

	h := make(header)
	for i, cell := range rowToStrings(sheet.Rows[0]) {
		h[strings.ToLower(strings.TrimSpace(cell))] = i
	}
	if err := h.require(required...); err != nil {
		return 0, err
	}

	for _, row := range sheet.Rows[1:] {
		if err := fn(h, rowToStrings(row)); err != nil {
			skipped++
		}
	}
	return skipped, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("lookup: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("lookup: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}
