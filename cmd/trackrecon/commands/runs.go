package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/stores"
)

func newRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Run history",
		Long: `List past reconciliation runs, newest first. Use "runs show" to see the
per-record audit log of one run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(cmd.Context(), limit, 0)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, runs)
			}

			t := newTable("Runs", "ID", "STARTED", "DURATION", "STATUS", "TARGET", "PROCESSED", "ALERTS", "UNAVAILABLE", "DRY RUN")
			for _, r := range runs {
				duration := "-"
				if r.CompletedAt != nil {
					duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
				}
				t.add(shortID(r.ID), r.StartedAt.Local().Format("2006-01-02 15:04"), duration,
					string(r.Status), r.Target, strconv.Itoa(r.Processed),
					strconv.Itoa(r.Alerts), strconv.Itoa(r.Unavailable), yesNo(r.DryRun))
			}
			t.render(w)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.AddCommand(newRunsShowCommand())

	return cmd
}

func newRunsShowCommand() *cobra.Command {
	var (
		alertsOnly bool
		trackingID string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the audit log of a run",
		Example: `  # Everything a run decided
  trackrecon runs show 3f2a9c1e-...

  # Only the alerts
  trackrecon runs show --alerts 3f2a9c1e-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get run %s: %w", args[0], err)
			}
			entries, err := store.ListAuditEntries(ctx, stores.AuditFilter{
				RunID:      run.ID,
				TrackingID: trackingID,
				AlertsOnly: alertsOnly,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, struct {
					Run     *stores.Run          `json:"run"`
					Entries []*stores.AuditEntry `json:"entries"`
				}{run, entries})
			}

			fmt.Fprintf(w, "%s %s (%s, %s)\n", titleStyle.Render("Run"), run.ID, run.Status, run.Target)
			if run.Error != nil {
				fmt.Fprintf(w, "  error: %s\n", alertStyle.Render(*run.Error))
			}
			t := newTable("", "ROW", "TRACKING", "SOURCE", "CARRIER", "VIA", "ALERT", "WRITTEN", "CARRIER TEXT")
			for _, e := range entries {
				alert := "-"
				if e.Alert {
					alert = alertStyle.Render(e.AlertRule)
				}
				t.add(strconv.Itoa(e.RowIndex), e.TrackingID, string(e.SourceNorm), string(e.WebNorm),
					string(e.Via), alert, yesNo(e.Written), truncate(e.WebRaw, 48))
			}
			t.render(w)
			return nil
		},
	}

	cmd.Flags().BoolVar(&alertsOnly, "alerts", false, "only entries that raised an alert")
	cmd.Flags().StringVar(&trackingID, "tracking-id", "", "only entries for this tracking number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (0 = all)")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
