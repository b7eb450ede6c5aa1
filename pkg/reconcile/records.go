package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/rules"
	"github.com/trackrecon/trackrecon/pkg/sheets"
	"github.com/trackrecon/trackrecon/pkg/status"
)

// Columns names the header cells the driver reads and writes.
type Columns struct {
	TrackingID   string
	SourceStatus string
	WebStatus    string
	// Alert is optional. When empty or absent from the sheet, alerts are
	// computed and audited but never written.
	Alert string
}

// columnIndex holds resolved 1-based column numbers; Alert is 0 when the
// sheet has no alert column.
type columnIndex struct {
	trackingID int
	source     int
	web        int
	alert      int
}

// resolve finds every configured column in the header row.
func (c Columns) resolve(t sheets.Table) (columnIndex, error) {
	idx := columnIndex{
		trackingID: t.Column(c.TrackingID),
		source:     t.Column(c.SourceStatus),
		web:        t.Column(c.WebStatus),
		alert:      t.Column(c.Alert),
	}

	var missing []string
	if idx.trackingID == 0 {
		missing = append(missing, c.TrackingID)
	}
	if idx.source == 0 {
		missing = append(missing, c.SourceStatus)
	}
	if idx.web == 0 {
		missing = append(missing, c.WebStatus)
	}
	if len(missing) > 0 {
		return idx, engine.NewDataShapeError(
			fmt.Sprintf("missing required column(s): %s", strings.Join(missing, ", ")), nil).
			WithCode(engine.ErrCodeMissingColumn).
			WithDetail("headers", t.Headers)
	}
	return idx, nil
}

// TrackingRecord is one sheet row as seen by the driver.
type TrackingRecord struct {
	// RowIndex is the 1-based sheet row; the header is row 1.
	RowIndex   int           `json:"row_index"`
	TrackingID string        `json:"tracking_id"`
	SourceRaw  string        `json:"source_raw"`
	SourceNorm status.Status `json:"source_norm"`
	WebRaw     string        `json:"web_raw"`
	WebNorm    status.Status `json:"web_norm"`
	Alert      bool          `json:"alert"`
	Via        status.Via    `json:"via,omitempty"`

	// alertCell is the alert cell as read, trimmed and upper-cased.
	alertCell string
}

// Skip reasons reported in metrics and logs.
const (
	SkipTerminal   = "terminal"
	SkipIneligible = "ineligible"
)

// buildRecords turns data rows into records. Rows without a tracking id are
// dropped. A cell already holding a canonical name is taken as is; anything
// else goes through the normalizer. An empty web cell stays empty.
func buildRecords(t sheets.Table, cols columnIndex, norm *status.Normalizer) []TrackingRecord {
	records := make([]TrackingRecord, 0, len(t.Rows))
	for i := range t.Rows {
		id := strings.TrimSpace(t.Cell(i, cols.trackingID))
		if id == "" {
			continue
		}

		rec := TrackingRecord{
			RowIndex:   i + sheets.FirstDataRow,
			TrackingID: id,
			SourceRaw:  t.Cell(i, cols.source),
			WebRaw:     t.Cell(i, cols.web),
		}
		rec.SourceNorm = parseCell(rec.SourceRaw, norm)
		if strings.TrimSpace(rec.WebRaw) != "" {
			rec.WebNorm = parseCell(rec.WebRaw, norm)
		}
		if cols.alert > 0 {
			rec.alertCell = strings.ToUpper(strings.TrimSpace(t.Cell(i, cols.alert)))
			rec.Alert = parseBool(rec.alertCell)
		}
		records = append(records, rec)
	}
	return records
}

func parseCell(raw string, norm *status.Normalizer) status.Status {
	if st, ok := status.Parse(raw); ok {
		return st
	}
	return norm.Normalize(raw)
}

func parseBool(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRUE", "VERDADERO", "1", "SI", "SÍ":
		return true
	default:
		return false
	}
}

func formatBool(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}

// selection is the outcome of filtering records for a run.
type selection struct {
	// window holds every record inside the row window, in sheet order.
	window []TrackingRecord
	// pending holds the eligible records in sheet order, before the priority
	// order and the limit are applied.
	pending []TrackingRecord
	// eligible holds the records to query, in query order.
	eligible   []TrackingRecord
	terminal   int
	ineligible int
}

// inWindow reports whether row lies in [firstRow, endRow]; endRow 0 is open.
func inWindow(row, firstRow, endRow int) bool {
	return row >= firstRow && (endRow <= 0 || row <= endRow)
}

// blank reports whether the record has nothing to compare.
func (r TrackingRecord) blank() bool {
	return strings.TrimSpace(r.SourceRaw) == "" && strings.TrimSpace(r.WebRaw) == ""
}

// selectRecords applies the row window, the empty-cell filter, the
// eligibility rules, the priority order and the limit, in that order.
// firstRow is the first row to consider; rows before it are ignored.
func selectRecords(records []TrackingRecord, opts Options, firstRow int) selection {
	var sel selection
	for _, rec := range records {
		if !inWindow(rec.RowIndex, firstRow, opts.EndRow) {
			continue
		}
		sel.window = append(sel.window, rec)
		if opts.OnlyEmpty && strings.TrimSpace(rec.WebRaw) != "" {
			continue
		}
		if rules.IsTerminal(rec.SourceNorm, rec.WebNorm) {
			sel.terminal++
			continue
		}
		if !rules.CanQuery(rec.SourceNorm) {
			sel.ineligible++
			continue
		}
		sel.pending = append(sel.pending, rec)
	}

	sel.eligible = append([]TrackingRecord(nil), sel.pending...)
	if opts.Prioritize {
		sort.SliceStable(sel.eligible, func(i, j int) bool {
			a, b := sel.eligible[i], sel.eligible[j]
			return rules.Priority(a.SourceNorm, a.WebNorm) < rules.Priority(b.SourceNorm, b.WebNorm)
		})
	}
	if opts.Limit > 0 && len(sel.eligible) > opts.Limit {
		sel.eligible = sel.eligible[:opts.Limit]
	}
	return sel
}

// unqueried returns the window records that are not queried this run.
func (s selection) unqueried() []TrackingRecord {
	queried := make(map[int]bool, len(s.eligible))
	for _, rec := range s.eligible {
		queried[rec.RowIndex] = true
	}
	out := make([]TrackingRecord, 0, len(s.window)-len(s.eligible))
	for _, rec := range s.window {
		if !queried[rec.RowIndex] {
			out = append(out, rec)
		}
	}
	return out
}

// watermark tracks the highest row below which every eligible row has been
// flushed, so a resumed run never skips a row that was not written. It is
// built from selection.pending: rows cut by the limit or pushed back by the
// priority order hold it back.
type watermark struct {
	rows []int
	ids  map[int]string
	done map[int]bool
	next int
}

func newWatermark(records []TrackingRecord) *watermark {
	w := &watermark{
		rows: make([]int, 0, len(records)),
		ids:  make(map[int]string, len(records)),
		done: make(map[int]bool, len(records)),
	}
	for _, rec := range records {
		w.rows = append(w.rows, rec.RowIndex)
		w.ids[rec.RowIndex] = rec.TrackingID
	}
	sort.Ints(w.rows)
	return w
}

// mark records rows as flushed and returns the new watermark row with its
// tracking id, or 0 when no prefix is complete yet.
func (w *watermark) mark(rows ...int) (int, string) {
	for _, r := range rows {
		w.done[r] = true
	}
	for w.next < len(w.rows) && w.done[w.rows[w.next]] {
		w.next++
	}
	if w.next == 0 {
		return 0, ""
	}
	row := w.rows[w.next-1]
	return row, w.ids[row]
}
