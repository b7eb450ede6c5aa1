package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/status"
)

func newRulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Rule file management",
		Long: `Inspect and validate the rule files that map carrier phrases onto
canonical statuses.

Rule files are JSON objects keyed by canonical status:

  {"ENTREGADO": ["entrega exitosa", "fue entregado"], "EN_AGENCIA": ["listo para recoger"]}`,
	}

	cmd.AddCommand(newRulesValidateCommand())
	cmd.AddCommand(newRulesStatusesCommand())

	return cmd
}

type rulesReport struct {
	Files    []string         `json:"files"`
	Counts   map[string]int   `json:"counts"`
	Overlaps []status.Overlap `json:"overlaps"`
}

func newRulesValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate rule files",
		Long: `Load rule files the way a run does and report problems.

This command checks:
  - JSON syntax and that every key is a canonical status
  - Phrases that contain another phrase of the same tier with a different
    status (the longer phrase wins; listed so the overlap is intentional)`,
		Example: `  # Validate the configured rule files
  trackrecon rules validate

  # Validate a directory, failing on overlaps
  trackrecon rules validate --strict ./rules`,
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				files = cfg.Rules.Files
			}

			rs, err := loadRules(files)
			if err != nil {
				return err
			}

			report := rulesReport{
				Files:    rs.Sources(),
				Counts:   make(map[string]int),
				Overlaps: rs.Overlaps(),
			}
			for via, n := range rs.Count() {
				report.Counts[string(via)] = n
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(w, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(w, "%s %d file(s)\n", titleStyle.Render("Rules:"), len(report.Files))
				for _, f := range report.Files {
					fmt.Fprintf(w, "  %s\n", f)
				}
				fmt.Fprintf(w, "  overrides: %d  mapping: %d  heuristics: %d\n",
					report.Counts[string(status.ViaOverride)],
					report.Counts[string(status.ViaMapping)],
					report.Counts[string(status.ViaHeuristic)])

				if len(report.Overlaps) > 0 {
					t := newTable("Overlapping phrases", "TIER", "LONGER", "STATUS", "SHORTER", "STATUS", "SOURCE")
					for _, o := range report.Overlaps {
						src := o.Longer.Source
						if o.Shorter.Source != "" && o.Shorter.Source != src {
							src += ", " + o.Shorter.Source
						}
						t.add(string(o.Tier), o.Longer.Phrase, string(o.Longer.Status),
							o.Shorter.Phrase, string(o.Shorter.Status), src)
					}
					fmt.Fprintln(w)
					t.render(w)
				} else {
					fmt.Fprintln(w, okStyle.Render("  no overlapping phrases"))
				}
			}

			if strict && len(report.Overlaps) > 0 {
				return engine.NewPermanentError(
					fmt.Sprintf("%d overlapping phrase(s)", len(report.Overlaps)), nil).
					WithCode(engine.ErrCodeRulesInvalid)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail when phrases overlap")

	return cmd
}

func newRulesStatusesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "List the canonical statuses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, status.All())
			}
			for _, st := range status.All() {
				fmt.Fprintln(w, st)
			}
			return nil
		},
	}
}
