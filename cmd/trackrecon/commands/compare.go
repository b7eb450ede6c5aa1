package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/config"
	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/reconcile"
	"github.com/trackrecon/trackrecon/pkg/telemetry"
)

type compareFlags struct {
	startRow       int
	endRow         int
	writeBatchSize int
	dryRun         bool
	csvFile        string
}

func newCompareCommand(version string) *cobra.Command {
	var f compareFlags

	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Recompute the alert column without querying the carrier",
		Long: `Read the tracking sheet and recompute the alert column from the order-system
status and the carrier status already written in it. Only alert cells that
change are written. Rows where both statuses are blank are left alone.

Use it after editing the alert rules or fixing statuses by hand.`,
		Example: `  # Recompute every alert
  trackrecon compare

  # Only rows 2 to 500, without writing
  trackrecon compare --start-row 2 --end-row 500 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("write-batch-size") {
				cfg.Writer.BatchSize = f.writeBatchSize
			}
			if cmd.Flags().Changed("csv") {
				cfg.Sheet.Backend = "csv"
				cfg.Sheet.CSVFile = f.csvFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Telemetry.ServiceVersion = version

			report, err := runCompare(cmd.Context(), cfg, f)
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
	flags.IntVar(&f.writeBatchSize, "write-batch-size", 0, "staged cells that trigger a sheet write")
	flags.BoolVar(&f.dryRun, "dry-run", false, "report the alert cells that would change without writing")
	flags.StringVar(&f.csvFile, "csv", "", "use a local CSV file instead of the configured sheet")

	return cmd
}

// runCompare wires the sheet, rules and history store and runs one compare
// pass. No carrier is opened.
func runCompare(ctx context.Context, cfg *config.Config, f compareFlags) (*reconcile.Report, error) {
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

	backend, sheetName, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	writerOpts := cfg.Writer
	writerOpts.SheetName = sheetName

	driver, err := reconcile.NewDriver(reconcile.Config{
		Backend:   backend,
		Rules:     ruleSet,
		Store:     store,
		Telemetry: tel,
		Columns: reconcile.Columns{
			TrackingID:   cfg.Sheet.Columns.TrackingID,
			SourceStatus: cfg.Sheet.Columns.SourceStatus,
			WebStatus:    cfg.Sheet.Columns.WebStatus,
			Alert:        cfg.Sheet.Columns.Alert,
		},
		Writer: writerOpts,
	}, logger)
	if err != nil {
		return nil, err
	}

	report, err := driver.Compare(ctx, reconcile.Options{
		Target:   cfg.Target(),
		StartRow: f.startRow,
		EndRow:   f.endRow,
		DryRun:   f.dryRun,
	})
	return &report, err
}
