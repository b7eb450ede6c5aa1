package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/rules"
	"github.com/trackrecon/trackrecon/pkg/sheets"
	"github.com/trackrecon/trackrecon/pkg/status"
	"github.com/trackrecon/trackrecon/pkg/stores"
	"github.com/trackrecon/trackrecon/pkg/telemetry"
)

// RuleSource hands out rule sets rebuilt since the last call. status.Watcher
// implements it.
type RuleSource interface {
	TakePending() *status.RuleSet
}

// Config wires a Driver. Backend is required and Run also needs Provider;
// everything else has a usable zero value. Zero Orchestrator or Writer options are replaced
// by their defaults.
type Config struct {
	Backend  sheets.Backend
	Provider engine.QueryProvider

	// Rules is the initial rule set. Nil means built-in rules only.
	Rules *status.RuleSet
	// Reloads, when set, is polled for a new rule set before each sub-batch.
	Reloads RuleSource

	// Store receives run history, audit entries, the status catalog and
	// checkpoints. Nil disables persistence and resume.
	Store stores.Store

	// Telemetry defaults to telemetry.Nop().
	Telemetry *telemetry.Telemetry

	Columns      Columns
	Orchestrator engine.Options
	Writer       sheets.WriterOptions
}

// Options selects what a single run does.
type Options struct {
	// Target identifies the sheet in run history and checkpoints.
	Target string `json:"target"`

	// StartRow and EndRow bound the sheet rows considered, inclusive. Zero
	// means unbounded.
	StartRow int `json:"start_row,omitempty"`
	EndRow   int `json:"end_row,omitempty"`

	// Limit caps the number of eligible records queried. Zero means no cap.
	Limit int `json:"limit,omitempty"`

	// OnlyEmpty keeps rows whose web-status cell is blank.
	OnlyEmpty bool `json:"only_empty,omitempty"`

	// DryRun computes and audits everything but never writes to the sheet.
	DryRun bool `json:"dry_run,omitempty"`

	// Prioritize queries records in rules.Priority order.
	Prioritize bool `json:"prioritize,omitempty"`

	// Resume starts after the last checkpointed row of Target.
	Resume bool `json:"resume,omitempty"`
}

// Report summarizes a run.
type Report struct {
	RunID  string           `json:"run_id"`
	Mode   string           `json:"mode"`
	Status engine.RunStatus `json:"status"`

	Total             int `json:"total"`
	Eligible          int `json:"eligible"`
	Processed         int `json:"processed"`
	Alerts            int `json:"alerts"`
	SkippedTerminal   int `json:"skipped_terminal"`
	SkippedIneligible int `json:"skipped_ineligible"`
	Unavailable       int `json:"unavailable"`
	AlertsCorrected   int `json:"alerts_corrected"`
	CellsWritten      int `json:"cells_written"`
	RangesWritten     int `json:"ranges_written"`
	LastRow           int `json:"last_row,omitempty"`

	AlertsByRule map[string]int `json:"alerts_by_rule,omitempty"`
	Queries      engine.Summary `json:"queries"`
	Duration     time.Duration  `json:"duration"`
}

// Skipped returns the number of records left out by the eligibility rules.
func (r Report) Skipped() int {
	return r.SkippedTerminal + r.SkippedIneligible
}

// Run modes recorded in reports and run history.
const (
	ModeReconcile = "reconcile"
	ModeCompare   = "compare"
)

// Driver runs reconciliation passes. A Driver may run several passes one
// after another but not concurrently.
type Driver struct {
	cfg Config
	tel *telemetry.Telemetry
	log *telemetry.Logger
}

// NewDriver validates cfg and returns a driver.
func NewDriver(cfg Config, logger zerolog.Logger) (*Driver, error) {
	if cfg.Backend == nil {
		return nil, engine.NewPermanentError("sheet backend is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if cfg.Orchestrator.MaxConcurrency == 0 {
		cfg.Orchestrator = engine.DefaultOptions()
	}
	if cfg.Writer.BatchSize == 0 {
		sheet := cfg.Writer.SheetName
		cfg.Writer = sheets.DefaultWriterOptions()
		cfg.Writer.SheetName = sheet
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &Driver{
		cfg: cfg,
		tel: tel,
		log: telemetry.FromZerolog(logger).NewComponentLogger("reconcile"),
	}, nil
}

// run carries the mutable state of one pass.
type run struct {
	id     string
	opts   Options
	report Report
	log    *telemetry.Logger
	logger zerolog.Logger

	cols   columnIndex
	norm   *status.Normalizer
	writer *sheets.Writer
	byID   map[string][]TrackingRecord
	marks  *watermark
	// unflushed holds rows decided since the last successful flush.
	unflushed []int
}

// Run executes one pass. The returned report is complete even when err is
// not nil. A cancelled ctx stops the run at the next sub-batch boundary with
// status interrupted; staged cells are flushed before Run returns.
//
// Alert cells of rows inside the row window that are not queried are
// recomputed from the statuses already in the sheet.
func (d *Driver) Run(ctx context.Context, opts Options) (Report, error) {
	if d.cfg.Provider == nil {
		return Report{Mode: ModeReconcile, Status: engine.RunStatusFailed},
			engine.NewPermanentError("query provider is required", nil).
				WithCode(engine.ErrCodeValidation)
	}
	return d.execute(ctx, ModeReconcile, opts, d.reconcile)
}

// Compare recomputes the alert column from the statuses already in the
// sheet, without querying the carrier. Rows whose source and web cells are
// both blank are left alone. Compare honours StartRow, EndRow and DryRun;
// it never resumes or checkpoints.
func (d *Driver) Compare(ctx context.Context, opts Options) (Report, error) {
	opts.Resume = false
	opts.Limit = 0
	opts.OnlyEmpty = false
	opts.Prioritize = false
	return d.execute(ctx, ModeCompare, opts, d.compare)
}

// execute wraps a pass with run history, tracing, metrics and the final log
// line.
func (d *Driver) execute(ctx context.Context, mode string, opts Options, pass func(context.Context, *run) error) (report Report, err error) {
	started := time.Now()
	r := &run{
		id:   uuid.New().String(),
		opts: opts,
		norm: status.NewNormalizer(d.cfg.Rules),
	}
	r.report = Report{RunID: r.id, Mode: mode, Status: engine.RunStatusRunning, AlertsByRule: make(map[string]int)}
	r.log = d.log.WithRunID(r.id)
	r.logger = r.log.Zerolog()

	ctx, span := d.tel.Tracer.StartRunSpan(ctx, r.id, opts.Target, opts.DryRun)
	d.tel.Metrics.RecordRunStarted()
	d.createRun(ctx, r, mode, started)

	defer func() {
		report = r.report
		report.Duration = time.Since(started)
		report.Status = finalStatus(err)
		if r.writer != nil {
			stats := r.writer.Stats()
			report.CellsWritten = stats.Cells
			report.RangesWritten = stats.Ranges
		}
		if err != nil {
			d.tel.Metrics.RecordError(err)
		}
		d.finishRun(ctx, r, report, err)
		d.tel.Metrics.RecordRunCompleted(string(report.Status), report.Duration)
		telemetry.EndSpan(span, err)
		r.logger.Info().
			Str("mode", mode).
			Str("status", string(report.Status)).
			Str("trace_id", telemetry.TraceID(ctx)).
			Int("processed", report.Processed).
			Int("alerts", report.Alerts).
			Int("alerts_corrected", report.AlertsCorrected).
			Int("unavailable", report.Unavailable).
			Int("ranges_written", report.RangesWritten).
			Dur("duration", report.Duration).
			Msg("Run finished")
	}()

	err = pass(ctx, r)
	return r.report, err
}

// load reads the sheet and turns it into records.
func (d *Driver) load(ctx context.Context, r *run) ([]TrackingRecord, error) {
	table, err := d.cfg.Backend.ReadAllRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	r.cols, err = d.cfg.Columns.resolve(table)
	if err != nil {
		return nil, err
	}
	records := buildRecords(table, r.cols, r.norm)
	r.report.Total = len(records)
	return records, nil
}

func (d *Driver) openWriter(r *run) error {
	wopts := d.cfg.Writer
	wopts.DryRun = r.opts.DryRun
	w, err := sheets.NewWriter(d.cfg.Backend, wopts, r.logger)
	if err != nil {
		return err
	}
	r.writer = w.WithObserver(d.tel.Metrics)
	return nil
}

func (d *Driver) reconcile(ctx context.Context, r *run) error {
	records, err := d.load(ctx, r)
	if err != nil {
		return err
	}
	if r.cols.alert == 0 && d.cfg.Columns.Alert != "" {
		r.log.WithField("column", d.cfg.Columns.Alert).Warn("Alert column not found, alerts will not be written")
	}

	firstRow, err := d.firstRow(ctx, r)
	if err != nil {
		return err
	}
	sel := selectRecords(records, r.opts, firstRow)

	r.report.Eligible = len(sel.eligible)
	r.report.SkippedTerminal = sel.terminal
	r.report.SkippedIneligible = sel.ineligible
	for i := 0; i < sel.terminal; i++ {
		d.tel.Metrics.RecordSkipped(SkipTerminal)
	}
	for i := 0; i < sel.ineligible; i++ {
		d.tel.Metrics.RecordSkipped(SkipIneligible)
	}

	r.logger.Info().
		Int("total", r.report.Total).
		Int("eligible", r.report.Eligible).
		Int("skipped_terminal", sel.terminal).
		Int("skipped_ineligible", sel.ineligible).
		Int("first_row", firstRow).
		Bool("dry_run", r.opts.DryRun).
		Msg("Records selected")

	if err := d.openWriter(r); err != nil {
		return err
	}
	for _, rec := range sel.unqueried() {
		if rec.blank() {
			continue
		}
		if _, err := d.correctAlert(ctx, r, rec, rules.ComputeAlert(rec.SourceNorm, rec.WebNorm)); err != nil {
			return err
		}
	}

	if len(sel.eligible) == 0 {
		return d.finish(ctx, r, nil)
	}

	ids := make([]string, 0, len(sel.eligible))
	r.byID = make(map[string][]TrackingRecord, len(sel.eligible))
	for _, rec := range sel.eligible {
		if _, seen := r.byID[rec.TrackingID]; !seen {
			ids = append(ids, rec.TrackingID)
		}
		r.byID[rec.TrackingID] = append(r.byID[rec.TrackingID], rec)
	}
	r.marks = newWatermark(sel.pending)

	orch, err := engine.NewOrchestrator(d.cfg.Provider, d.cfg.Orchestrator, r.logger)
	if err != nil {
		return err
	}
	orch.WithObserver(d.tel.Metrics)

	summary, runErr := orch.Run(ctx, ids, func(ctx context.Context, batch engine.Batch) error {
		return d.handleBatch(ctx, r, batch)
	})
	r.report.Queries = summary
	return d.finish(ctx, r, runErr)
}

func (d *Driver) compare(ctx context.Context, r *run) error {
	records, err := d.load(ctx, r)
	if err != nil {
		return err
	}
	if r.cols.alert == 0 {
		return engine.NewDataShapeError("alert column is required to compare", nil).
			WithCode(engine.ErrCodeMissingColumn).
			WithResource(d.cfg.Columns.Alert)
	}
	if err := d.openWriter(r); err != nil {
		return err
	}

	firstRow := sheets.FirstDataRow
	if r.opts.StartRow > firstRow {
		firstRow = r.opts.StartRow
	}
	for _, rec := range records {
		if !inWindow(rec.RowIndex, firstRow, r.opts.EndRow) || rec.blank() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return d.finish(ctx, r, err)
		}
		r.report.Eligible++
		r.report.Processed++

		rule := rules.EvaluateAlert(rec.SourceNorm, rec.WebNorm)
		if rule.Alert() {
			d.countAlert(r, rule)
		}
		if _, err := d.correctAlert(ctx, r, rec, rule.Alert()); err != nil {
			return err
		}
	}

	r.logger.Info().
		Int("compared", r.report.Processed).
		Int("alerts", r.report.Alerts).
		Int("corrected", r.report.AlertsCorrected).
		Bool("dry_run", r.opts.DryRun).
		Msg("Alerts compared")
	return d.finish(ctx, r, nil)
}

// finish flushes what is still staged on a context that outlives
// cancellation and decides the error the pass ends with.
func (d *Driver) finish(ctx context.Context, r *run, runErr error) error {
	persistCtx := context.WithoutCancel(ctx)
	flushErr := d.flush(persistCtx, r)
	if flushErr == nil && r.marks != nil && len(r.unflushed) > 0 {
		d.advance(persistCtx, r)
	}
	if runErr != nil {
		return runErr
	}
	if flushErr != nil && (engine.IsPermanent(flushErr) || engine.IsDataShape(flushErr)) {
		return flushErr
	}
	if r.writer != nil && r.writer.Pending() > 0 {
		return engine.NewTransientError(
			fmt.Sprintf("%d staged cell(s) could not be written", r.writer.Pending()), flushErr).
			WithCode(engine.ErrCodeWriteFailed)
	}
	return nil
}

// handleBatch turns one completed sub-batch into audit entries and staged
// cells, then flushes and checkpoints.
func (d *Driver) handleBatch(ctx context.Context, r *run, batch engine.Batch) error {
	ctx, span := d.tel.Tracer.StartBatchSpan(ctx, batch.Index, batch.Total, len(batch.IDs))
	var batchErr error
	defer func() { telemetry.EndSpan(span, batchErr) }()

	if d.cfg.Reloads != nil {
		if rs := d.cfg.Reloads.TakePending(); rs != nil {
			r.norm = status.NewNormalizer(rs)
			d.tel.Metrics.RecordRuleReload()
			r.logger.Info().Int("batch", batch.Index).Strs("sources", rs.Sources()).Msg("Adopted reloaded rule set")
		}
	}

	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	entries := make([]*stores.AuditEntry, 0, len(batch.IDs))

	for _, id := range batch.IDs {
		res := batch.Results[id]
		for _, rec := range r.byID[id] {
			entry, err := d.decide(persistCtx, r, rec, res, now)
			if err != nil {
				batchErr = err
				return err
			}
			entries = append(entries, entry)
			r.unflushed = append(r.unflushed, rec.RowIndex)
		}
	}

	if d.cfg.Store != nil && len(entries) > 0 {
		if err := d.cfg.Store.AppendAudit(persistCtx, entries...); err != nil {
			r.log.WithError(err).WithField("batch", batch.Index).Error("Failed to append audit entries")
		}
	}

	if err := d.flush(persistCtx, r); err != nil {
		if engine.IsPermanent(err) || engine.IsDataShape(err) {
			batchErr = err
			return err
		}
		// Cells stay staged and are retried by the next flush.
		return nil
	}

	d.advance(persistCtx, r)

	r.logger.Info().
		Int("batch", batch.Index+1).
		Int("of", batch.Total).
		Int("processed", r.report.Processed).
		Int("alerts", r.report.Alerts).
		Msg("Sub-batch applied")
	return nil
}

// decide evaluates one record against its query result and stages the cells
// that change.
func (d *Driver) decide(ctx context.Context, r *run, rec TrackingRecord, res engine.Result, now time.Time) (*stores.AuditEntry, error) {
	r.report.Processed++

	entry := &stores.AuditEntry{
		RunID:      r.id,
		Timestamp:  now,
		TrackingID: rec.TrackingID,
		RowIndex:   rec.RowIndex,
		SourceRaw:  rec.SourceRaw,
		SourceNorm: rec.SourceNorm,
		WebRaw:     res.Raw,
		Outcome:    string(res.Outcome),
		Attempts:   res.Attempts,
	}

	if res.Empty() {
		// The web cell keeps its last known value and the alert follows it.
		r.report.Unavailable++
		exp := r.norm.Explain("")
		entry.WebNorm = exp.Status
		entry.Via = exp.Via

		rule := rules.EvaluateAlert(rec.SourceNorm, rec.WebNorm)
		entry.Alert = rule.Alert()
		entry.AlertRule = rule.String()
		if rule.Alert() {
			d.countAlert(r, rule)
		}
		written, err := d.correctAlert(ctx, r, rec, rule.Alert())
		if err != nil {
			return nil, err
		}
		entry.Written = written
		r.log.WithTrackingID(rec.TrackingID).WithField("outcome", string(res.Outcome)).Debug("No carrier status")
		return entry, nil
	}

	exp := r.norm.Explain(res.Raw)
	d.tel.Metrics.RecordNormalized(string(exp.Via))
	rule := rules.EvaluateAlert(rec.SourceNorm, exp.Status)
	alert := rule.Alert()

	entry.WebNorm = exp.Status
	entry.Via = exp.Via
	entry.Matched = exp.Matched
	entry.Alert = alert
	entry.AlertRule = rule.String()
	entry.NewStatus = string(exp.Status)
	if !exp.Via.Curated() {
		entry.NewStatus = strings.TrimSpace(res.Raw)
	}

	if alert {
		d.countAlert(r, rule)
	}

	if d.cfg.Store != nil {
		if err := d.cfg.Store.RecordStatusSeen(ctx, strings.TrimSpace(res.Raw), exp.Status, exp.Via, now); err != nil {
			r.log.WithError(err).WithTrackingID(rec.TrackingID).Warn("Failed to update status catalog")
		}
	}

	if strings.TrimSpace(rec.WebRaw) != string(exp.Status) {
		if err := d.stage(ctx, r, rec.RowIndex, r.cols.web, string(exp.Status)); err != nil {
			return nil, err
		}
		entry.Written = true
	}
	if r.cols.alert > 0 && rec.alertCell != formatBool(alert) {
		if err := d.stage(ctx, r, rec.RowIndex, r.cols.alert, formatBool(alert)); err != nil {
			return nil, err
		}
		entry.Written = true
	}

	r.logger.Debug().
		Str("tracking_id", rec.TrackingID).
		Str("source", string(rec.SourceNorm)).
		Str("web", string(exp.Status)).
		Str("via", string(exp.Via)).
		Bool("alert", alert).
		Msg("Record evaluated")
	return entry, nil
}

func (d *Driver) countAlert(r *run, rule rules.AlertRule) {
	r.report.Alerts++
	r.report.AlertsByRule[rule.String()]++
	d.tel.Metrics.RecordAlert(rule.String())
}

// correctAlert stages the alert cell of rec when it does not hold alert.
// It reports whether a cell was staged.
func (d *Driver) correctAlert(ctx context.Context, r *run, rec TrackingRecord, alert bool) (bool, error) {
	want := formatBool(alert)
	if r.cols.alert == 0 || rec.alertCell == want {
		return false, nil
	}
	if err := d.stage(ctx, r, rec.RowIndex, r.cols.alert, want); err != nil {
		return false, err
	}
	r.report.AlertsCorrected++
	r.log.WithTrackingID(rec.TrackingID).
		WithField("row", rec.RowIndex).
		WithField("alert", want).
		Debug("Alert cell corrected")
	return true, nil
}

// stage buffers a cell; an auto-flush failure is handled like a flush failure.
func (d *Driver) stage(ctx context.Context, r *run, row, col int, value string) error {
	err := r.writer.Stage(ctx, row, col, value)
	if err == nil {
		return nil
	}
	if engine.IsPermanent(err) || engine.IsDataShape(err) {
		return err
	}
	r.log.WithError(err).Warn("Auto-flush failed, cells stay staged")
	return nil
}

func (d *Driver) flush(ctx context.Context, r *run) error {
	if r.writer == nil || r.writer.Pending() == 0 {
		return nil
	}
	ctx, span := d.tel.Tracer.StartFlushSpan(ctx, r.writer.Pending())
	err := r.writer.Flush(ctx)
	telemetry.EndSpan(span, err)
	if err != nil {
		d.tel.Metrics.RecordError(err)
		r.log.WithError(err).WithField("pending", r.writer.Pending()).Error("Flush failed")
	}
	return err
}

// firstRow resolves where the run starts, honouring StartRow and, with
// Resume, the last checkpoint of the target.
func (d *Driver) firstRow(ctx context.Context, r *run) (int, error) {
	opts := r.opts
	first := sheets.FirstDataRow
	if opts.StartRow > first {
		first = opts.StartRow
	}
	if !opts.Resume || d.cfg.Store == nil {
		return first, nil
	}

	cp, err := d.cfg.Store.GetCheckpoint(ctx, opts.Target)
	if errors.Is(err, stores.ErrNotFound) {
		r.log.WithField("target", opts.Target).Info("No checkpoint, starting from the beginning")
		return first, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	if cp.LastRow+1 > first {
		first = cp.LastRow + 1
	}
	r.logger.Info().
		Str("target", opts.Target).
		Int("last_row", cp.LastRow).
		Str("last_run", cp.RunID).
		Msg("Resuming after checkpoint")
	return first, nil
}

// advance moves the watermark over rows whose cells are now flushed and
// checkpoints it.
func (d *Driver) advance(ctx context.Context, r *run) {
	row, id := r.marks.mark(r.unflushed...)
	r.unflushed = r.unflushed[:0]
	if row > 0 {
		r.report.LastRow = row
		d.checkpoint(ctx, r, row, id)
	}
}

func (d *Driver) checkpoint(ctx context.Context, r *run, row int, trackingID string) {
	if d.cfg.Store == nil || r.opts.DryRun || r.opts.Target == "" {
		return
	}
	cp := &stores.Checkpoint{
		Target:         r.opts.Target,
		RunID:          r.id,
		LastRow:        row,
		LastTrackingID: trackingID,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := d.cfg.Store.SaveCheckpoint(ctx, cp); err != nil {
		r.log.WithError(err).WithField("row", row).Warn("Failed to save checkpoint")
	}
}

func (d *Driver) createRun(ctx context.Context, r *run, mode string, started time.Time) {
	if d.cfg.Store == nil {
		return
	}
	blob, err := json.Marshal(struct {
		Mode string `json:"mode"`
		Options
	}{mode, r.opts})
	if err != nil {
		blob = []byte("{}")
	}
	rec := &stores.Run{
		ID:        r.id,
		Target:    r.opts.Target,
		Status:    engine.RunStatusRunning,
		DryRun:    r.opts.DryRun,
		StartedAt: started.UTC(),
		Options:   string(blob),
	}
	if err := d.cfg.Store.CreateRun(context.WithoutCancel(ctx), rec); err != nil {
		r.log.WithError(err).Warn("Failed to record run start")
	}
}

func (d *Driver) finishRun(ctx context.Context, r *run, report Report, runErr error) {
	if d.cfg.Store == nil {
		return
	}
	completed := time.Now().UTC()
	rec := &stores.Run{
		ID:            report.RunID,
		Status:        report.Status,
		CompletedAt:   &completed,
		Total:         report.Total,
		Eligible:      report.Eligible,
		Processed:     report.Processed,
		Alerts:        report.Alerts,
		Skipped:       report.Skipped(),
		Unavailable:   report.Unavailable,
		RangesWritten: report.RangesWritten,
	}
	if runErr != nil {
		msg := runErr.Error()
		rec.Error = &msg
	}
	if err := d.cfg.Store.FinishRun(context.WithoutCancel(ctx), rec); err != nil {
		r.log.WithError(err).Warn("Failed to record run completion")
	}
}

// finalStatus maps the error a run ended with to its recorded status.
func finalStatus(err error) engine.RunStatus {
	switch {
	case err == nil:
		return engine.RunStatusSucceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return engine.RunStatusInterrupted
	default:
		return engine.RunStatusFailed
	}
}
