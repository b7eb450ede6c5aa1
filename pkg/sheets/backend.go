// Package sheets writes reconciliation results to a spreadsheet with as few
// API calls as possible, and reads the rows to reconcile.
package sheets

import (
	"context"
	"strings"
)

// ValueRange is a block of values addressed by an A1 range.
type ValueRange struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// Backend is the spreadsheet API used by the Writer and the reconciliation
// driver. Rate limiting must be reported as an error classified as throttled
// (see engine.NewThrottledError) so the Writer can back off.
type Backend interface {
	// ReadAllRows returns the header row and every data row.
	ReadAllRows(ctx context.Context) (Table, error)

	// WriteRange writes a single range.
	WriteRange(ctx context.Context, rng string, values [][]string) error

	// BatchWrite writes several ranges in one request.
	BatchWrite(ctx context.Context, ranges []ValueRange) error
}

// Table is a sheet read in full. Rows excludes the header; Rows[i] is sheet
// row i+2.
type Table struct {
	Headers []string
	Rows    [][]string
}

// FirstDataRow is the sheet row number of Rows[0].
const FirstDataRow = 2

// Column returns the 1-based column number of the header named name, or 0.
// Matching ignores case and surrounding space.
func (t Table) Column(name string) int {
	want := strings.ToLower(strings.TrimSpace(name))
	if want == "" {
		return 0
	}
	for i, h := range t.Headers {
		if strings.ToLower(strings.TrimSpace(h)) == want {
			return i + 1
		}
	}
	return 0
}

// Cell returns the value at data row index i and 1-based column col, or ""
// when the row is short.
func (t Table) Cell(i, col int) string {
	if i < 0 || i >= len(t.Rows) || col < 1 || col > len(t.Rows[i]) {
		return ""
	}
	return t.Rows[i][col-1]
}

// Records returns the rows as header-keyed maps.
func (t Table) Records() []map[string]string {
	out := make([]map[string]string, 0, len(t.Rows))
	for i := range t.Rows {
		rec := make(map[string]string, len(t.Headers))
		for c, h := range t.Headers {
			rec[h] = t.Cell(i, c+1)
		}
		out = append(out, rec)
	}
	return out
}
