package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trackrecon/trackrecon/pkg/engine"
	"github.com/trackrecon/trackrecon/pkg/rules"
	"github.com/trackrecon/trackrecon/pkg/status"
)

type explainResult struct {
	status.Explanation
	Source    status.Status `json:"source,omitempty"`
	Alert     *bool         `json:"alert,omitempty"`
	AlertRule string        `json:"alert_rule,omitempty"`
}

func newExplainCommand() *cobra.Command {
	var (
		ruleFiles []string
		source    string
	)

	cmd := &cobra.Command{
		Use:   "explain <text>",
		Short: "Show how a carrier text is normalized",
		Long: `Normalize a carrier status text with the configured rule files and show
which tier and phrase decided the result.

With --source, also evaluate the alert rules against an order-system status.`,
		Example: `  # Which status does this text map to?
  trackrecon explain "Tu envío fue entregado"

  # Would it raise an alert against a generated label?
  trackrecon explain --source GUIA_GENERADA "Tu envío fue entregado"

  # Try a rule file before deploying it
  trackrecon explain --rules ./rules/new.json "pendiente por recoger"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := ruleFiles
			if !cmd.Flags().Changed("rules") {
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

			res := explainResult{
				Explanation: status.NewNormalizer(rs).Explain(strings.Join(args, " ")),
			}
			if source != "" {
				src, ok := status.Parse(source)
				if !ok {
					return engine.NewPermanentError(fmt.Sprintf("unknown source status %q", source), nil).
						WithCode(engine.ErrCodeValidation)
				}
				rule := rules.EvaluateAlert(src, res.Status)
				alert := rule.Alert()
				res.Source = src
				res.Alert = &alert
				res.AlertRule = rule.String()
			}

			w := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(w, res)
			}

			fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Status:"), res.Status)
			fmt.Fprintf(w, "  via:     %s\n", res.Via)
			if res.Matched != "" {
				fmt.Fprintf(w, "  matched: %q\n", res.Matched)
			} else {
				fmt.Fprintf(w, "  matched: %s\n", mutedStyle.Render("(none)"))
			}
			if !res.Via.Curated() {
				fmt.Fprintln(w, mutedStyle.Render("  not covered by a curated phrase; consider adding it to a rule file"))
			}
			if res.Alert != nil {
				verdict := okStyle.Render("no alert")
				if *res.Alert {
					verdict = alertStyle.Render("ALERT (" + res.AlertRule + ")")
				}
				fmt.Fprintf(w, "  against %s: %s\n", res.Source, verdict)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&ruleFiles, "rules", nil, "rule files or directories (default: from config)")
	cmd.Flags().StringVar(&source, "source", "", "order-system status to evaluate alerts against")

	return cmd
}
