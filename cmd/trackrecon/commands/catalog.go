package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/status"
	"github.com/trackrecon/trackrecon/pkg/stores"
)

// catalogExport is the layout written by --export.
type catalogExport struct {
	Items map[string]catalogExportItem `json:"items"`
}

type catalogExportItem struct {
	Count    int        `json:"count"`
	LastSeen time.Time  `json:"last_seen"`
	Via      status.Via `json:"via"`
}

func newCatalogCommand() *cobra.Command {
	var (
		unmapped bool
		limit    int
		export   string
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List carrier texts seen by past runs",
		Long: `List every raw carrier status text seen by past runs, how often it was
seen and how it was normalized the last time.

Texts resolved by the built-in heuristics or the fallback are the ones worth
adding to a rule file; --unmapped lists only those.`,
		Example: `  # Most frequent texts
  trackrecon catalog --limit 20

  # Texts not covered by a rule file
  trackrecon catalog --unmapped

  # Export for review
  trackrecon catalog --export catalog.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			entries, err := store.ListCatalog(cmd.Context(), stores.CatalogFilter{
				UncuratedOnly: unmapped,
				Limit:         limit,
			})
			if err != nil {
				return err
			}

			if export != "" {
				return exportCatalog(export, entries)
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, entries)
			}

			t := newTable("Status catalog", "COUNT", "STATUS", "VIA", "LAST SEEN", "TEXT")
			for _, e := range entries {
				t.add(strconv.Itoa(e.Count), string(e.Status), string(e.Via),
					e.LastSeen.Local().Format("2006-01-02 15:04"), truncate(e.Raw, 60))
			}
			t.render(w)
			return nil
		},
	}

	cmd.Flags().BoolVar(&unmapped, "unmapped", false, "only texts resolved by heuristics or the fallback")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (0 = all)")
	cmd.Flags().StringVar(&export, "export", "", "write the catalog as JSON to this file")

	return cmd
}

func exportCatalog(path string, entries []*stores.CatalogEntry) error {
	out := catalogExport{Items: make(map[string]catalogExportItem, len(entries))}
	for _, e := range entries {
		out.Items[e.Raw] = catalogExportItem{Count: e.Count, LastSeen: e.LastSeen, Via: e.Via}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	if err := printJSON(f, out); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write export file: %w", err)
	}
	return f.Close()
}

// openStore opens the configured history store.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openHistory(ctx, cfg)
}
