package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/config"
	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/providers/carrier"
	"github.com/trackrecon/trackrecon/pkg/reconcile"
	"github.com/trackrecon/trackrecon/pkg/runlock"
	"github.com/trackrecon/trackrecon/pkg/sheets"
	"github.com/trackrecon/trackrecon/pkg/status"
	"github.com/trackrecon/trackrecon/pkg/stores"
	"github.com/trackrecon/trackrecon/pkg/telemetry"
)

// runFlags holds the flags of the run command. Only flags set on the command
// line override the configuration.
type runFlags struct {
	startRow       int
	endRow         int
	limit          int
	onlyEmpty      bool
	concurrency    int
	rps            float64
	retries        int
	batchSize      int
	writeBatchSize int
	pause          time.Duration
	dryRun         bool
	carrier        string
	headless       bool
	resume         bool
	prioritize     bool
	watchRules     bool
	csvFile        string
}

func newRunCommand(version string) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Reconcile the tracking sheet against the carrier",
		Long: `Read every row of the tracking sheet, query the carrier for the rows that
can still change, normalize the carrier text, evaluate the alert rules and
write the changed cells back.

Rows whose order-system or carrier status is already final (delivered or
returned) are skipped. Results are written after every sub-batch, so an
interrupted run keeps what it already did; --resume continues after the last
row that was written.`,
		Example: `  # Reconcile the configured sheet
  trackrecon run -c trackrecon.yaml

  # Try it without touching the sheet
  trackrecon run --dry-run --limit 20

  # Only rows with an empty tracking status, most urgent first
  trackrecon run --only-empty --prioritize

  # Work on a local CSV export
  trackrecon run --csv ./seguimiento.csv

  # Continue an interrupted run
  trackrecon run --resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, cfg, f)
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = version

			report, err := runReconcile(cmd.Context(), cfg, f)
			if report != nil {
				if perr := printReport(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&f.startRow, "start-row", 0, "first sheet row to consider (header is row 1)")
	flags.IntVar(&f.endRow, "end-row", 0, "last sheet row to consider")
	flags.IntVar(&f.limit, "limit", 0, "maximum number of eligible rows to query")
	flags.BoolVar(&f.onlyEmpty, "only-empty", false, "only rows with an empty tracking status")
	flags.IntVar(&f.concurrency, "concurrency", 0, "maximum concurrent carrier queries")
	flags.Float64Var(&f.rps, "rps", 0, "carrier query starts per second (0 = unpaced)")
	flags.IntVar(&f.retries, "retries", 0, "extra attempts for an empty or failed query")
	flags.IntVar(&f.batchSize, "batch-size", 0, "tracking ids per sub-batch")
	flags.IntVar(&f.writeBatchSize, "write-batch-size", 0, "staged cells that trigger a sheet write")
	flags.DurationVar(&f.pause, "pause", 0, "pause between sub-batches")
	flags.BoolVar(&f.dryRun, "dry-run", false, "compute and audit everything but do not write the sheet")
	flags.StringVar(&f.carrier, "carrier", "", "carrier profile name")
	flags.BoolVar(&f.headless, "headless", true, "run the browser headless")
	flags.BoolVar(&f.resume, "resume", false, "start after the last checkpointed row")
	flags.BoolVar(&f.prioritize, "prioritize", false, "query the most urgent rows first")
	flags.BoolVar(&f.watchRules, "watch-rules", false, "reload rule files when they change")
	flags.StringVar(&f.csvFile, "csv", "", "use a local CSV file instead of the configured sheet")

	return cmd
}

// applyRunFlags copies the flags the user set onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, f runFlags) {
	changed := cmd.Flags().Changed

	if changed("concurrency") {
		cfg.Orchestrator.MaxConcurrency = f.concurrency
	}
	if changed("rps") {
		cfg.Orchestrator.RequestsPerSecond = f.rps
	}
	if changed("retries") {
		cfg.Orchestrator.Retries = f.retries
	}
	if changed("batch-size") {
		cfg.Orchestrator.BatchSize = f.batchSize
	}
	if changed("pause") {
		cfg.Orchestrator.InterBatchPause = f.pause
	}
	if changed("write-batch-size") {
		cfg.Writer.BatchSize = f.writeBatchSize
	}
	if changed("carrier") {
		cfg.Carrier.Name = f.carrier
		cfg.Carrier.Profile = nil
	}
	if changed("headless") {
		cfg.Carrier.Browser.Headless = f.headless
	}
	if changed("watch-rules") {
		cfg.Rules.Watch = f.watchRules
	}
	if changed("csv") {
		cfg.Sheet.Backend = "csv"
		cfg.Sheet.CSVFile = f.csvFile
	}
}

// runReconcile wires every component from cfg and runs one pass. The report
// is nil when setup failed before the run started.
func runReconcile(ctx context.Context, cfg *config.Config, f runFlags) (*reconcile.Report, error) {
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, engine.NewPermanentError("failed to initialize telemetry", err).
			WithCode(engine.ErrCodeConfigInvalid)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.WithError(err).Warn("Failed to shut down tracer")
		}
	}()
	logger := tel.Logger.Zerolog()

	if err := tel.Metrics.StartMetricsServer(ctx, logger); err != nil {
		return nil, err
	}

	target := cfg.Target()
	release, err := acquireLock(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer release()

	store, err := openHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()

	ruleSet, err := loadRules(cfg.Rules.Files)
	if err != nil {
		return nil, err
	}

	var reloads reconcile.RuleSource
	if cfg.Rules.Watch && len(cfg.Rules.Files) > 0 {
		w := status.NewWatcher(logger, cfg.Rules.Files...)
		if err := w.Start(ctx); err != nil {
			return nil, engine.NewPermanentError("failed to watch rule files", err).
				WithCode(engine.ErrCodeRulesInvalid)
		}
		defer func() { _ = w.Stop() }()
		reloads = w
	}

	backend, sheetName, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	profile, err := cfg.CarrierProfile()
	if err != nil {
		return nil, err
	}
	provider, err := carrier.New(profile, cfg.Carrier.Browser, logger)
	if err != nil {
		return nil, err
	}

	writerOpts := cfg.Writer
	writerOpts.SheetName = sheetName

	driver, err := reconcile.NewDriver(reconcile.Config{
		Backend:   backend,
		Provider:  provider,
		Rules:     ruleSet,
		Reloads:   reloads,
		Store:     store,
		Telemetry: tel,
		Columns: reconcile.Columns{
			TrackingID:   cfg.Sheet.Columns.TrackingID,
			SourceStatus: cfg.Sheet.Columns.SourceStatus,
			WebStatus:    cfg.Sheet.Columns.WebStatus,
			Alert:        cfg.Sheet.Columns.Alert,
		},
		Orchestrator: cfg.Orchestrator,
		Writer:       writerOpts,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info().
		Str("target", target).
		Str("carrier", profile.Name).
		Int("rule_files", len(ruleSet.Sources())).
		Bool("dry_run", f.dryRun).
		Msg("Starting reconciliation")

	report, err := driver.Run(ctx, reconcile.Options{
		Target:     target,
		StartRow:   f.startRow,
		EndRow:     f.endRow,
		Limit:      f.limit,
		OnlyEmpty:  f.onlyEmpty,
		DryRun:     f.dryRun,
		Prioritize: f.prioritize,
		Resume:     f.resume,
	})
	return &report, err
}

// acquireLock takes the single-writer lock for the configured target and
// returns its release function.
func acquireLock(cfg *config.Config, logger zerolog.Logger) (func(), error) {
	lock, err := runlock.Acquire(cfg.Lock.Path, cfg.Lock.TTL, runlock.Info{Target: cfg.Target()})
	if err != nil {
		msg := "failed to acquire run lock"
		if errors.Is(err, runlock.ErrHeld) {
			msg = "another run is in progress"
		}
		return nil, engine.NewPermanentError(msg, err).WithResource(cfg.Lock.Path)
	}
	return func() {
		if err := lock.Release(); err != nil {
			logger.Warn().Err(err).Str("path", lock.Path()).Msg("Failed to release run lock")
		}
	}, nil
}

func openHistory(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, engine.NewPermanentError("failed to open history store", err).
			WithResource(cfg.Store.Path).
			WithCode(engine.ErrCodeBackendUnavailable)
	}
	return store, nil
}

// loadRules builds the rule set from the configured files. Any failure is a
// setup error.
func loadRules(files []string) (*status.RuleSet, error) {
	rs, err := status.LoadRuleSet(files...)
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, err
		}
		return nil, engine.NewPermanentError("failed to load rule files", err).
			WithCode(engine.ErrCodeRulesInvalid)
	}
	return rs, nil
}

// openBackend returns the configured spreadsheet backend and the sheet name
// used to prefix ranges.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sheets.Backend, string, error) {
	switch cfg.Sheet.Backend {
	case "csv":
		b, err := sheets.OpenCSV(cfg.Sheet.CSVFile)
		if err != nil {
			return nil, "", err
		}
		return b, "", nil
	default:
		b, err := sheets.NewGoogleBackend(ctx, sheets.GoogleConfig{
			SpreadsheetID:   cfg.Sheet.SpreadsheetID,
			SheetName:       cfg.Sheet.SheetName,
			CredentialsFile: cfg.Sheet.CredentialsFile,
		}, logger)
		if err != nil {
			return nil, "", err
		}
		return b, b.SheetName(), nil
	}
}

func printReport(w io.Writer, r *reconcile.Report) error {
	if jsonOutput {
		return printJSON(w, r)
	}

	state := okStyle.Render(string(r.Status))
	if r.Status != engine.RunStatusSucceeded {
		state = alertStyle.Render(string(r.Status))
	}

	title := "Run"
	if r.Mode == reconcile.ModeCompare {
		title = "Compare"
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render(title), r.RunID)
	fmt.Fprintf(w, "  status:        %s\n", state)
	fmt.Fprintf(w, "  duration:      %s\n", r.Duration.Round(time.Second))
	fmt.Fprintf(w, "  rows:          %d\n", r.Total)
	fmt.Fprintf(w, "  eligible:      %d\n", r.Eligible)
	fmt.Fprintf(w, "  processed:     %d\n", r.Processed)
	fmt.Fprintf(w, "  skipped:       %d (terminal %d, ineligible %d)\n",
		r.Skipped(), r.SkippedTerminal, r.SkippedIneligible)
	fmt.Fprintf(w, "  unavailable:   %d\n", r.Unavailable)
	fmt.Fprintf(w, "  cells written: %d in %d range(s)\n", r.CellsWritten, r.RangesWritten)
	if r.LastRow > 0 {
		fmt.Fprintf(w, "  last row:      %d\n", r.LastRow)
	}

	alerts := fmt.Sprintf("%d", r.Alerts)
	if r.Alerts > 0 {
		alerts = alertStyle.Render(alerts)
	}
	fmt.Fprintf(w, "  alerts:        %s\n", alerts)
	if r.AlertsCorrected > 0 {
		fmt.Fprintf(w, "  corrected:     %d alert cell(s)\n", r.AlertsCorrected)
	}

	rules := make([]string, 0, len(r.AlertsByRule))
	for rule := range r.AlertsByRule {
		rules = append(rules, rule)
	}
	sort.Strings(rules)
	for _, rule := range rules {
		fmt.Fprintf(w, "    %-18s %d\n", rule, r.AlertsByRule[rule])
	}
	return nil
}
