package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/engine"
	"github.com/Iron-Ham/keyforge/internal/strategy"
	"github.com/Iron-Ham/keyforge/internal/target"
)

var planCmd = &cobra.Command{
	Use:   "plan <target>",
	Short: "Show the phase plan and success estimate for a target",
	Long: `Select and adapt a strategy for the target without running it.

The plan honors the stored preferences: the default mode, disabled phases,
the GPU preference and custom strategies. Phases that succeeded on similar
targets before are boosted.

Examples:
  keyforge plan ~/backup/photos-2019.zip
  keyforge plan report.docx --mode SPEED_PRIORITY
  keyforge plan archive.rar --mode AUTO --gpu=false`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

var estimateCmd = &cobra.Command{
	Use:   "estimate <target>",
	Short: "Compare the strategy modes for a target",
	Long: `Estimate every strategy mode on the target and rank them by expected
value: probability times confidence, less a tenth per expected hour.`,
	Args: cobra.ExactArgs(1),
	RunE: runEstimate,
}

var (
	planMode string
	planGPU  bool
)

func init() {
	addPlanFlags(planCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(estimateCmd)
}

func addPlanFlags(c *cobra.Command) {
	c.Flags().StringVarP(&planMode, "mode", "m", "", "Strategy mode, custom strategy name or AUTO (default: preferred mode)")
	c.Flags().BoolVar(&planGPU, "gpu", true, "Plan for GPU execution when a GPU is available; unset uses the stored preference")
}

// overridesFrom reads the plan flags of c.
func overridesFrom(c *cobra.Command) strategy.Overrides {
	o := strategy.Overrides{Mode: strings.TrimSpace(planMode)}
	if c.Flags().Changed("gpu") {
		gpu := planGPU
		o.PreferGPU = &gpu
	}
	return o
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	eng := a.newEngine(ctx)
	defer eng.Stop()

	plan, err := eng.Plan(target.Stat(args[0]), overridesFrom(cmd))
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), plan)
	}
	printPlan(newPrinter(cmd.OutOrStdout()), plan)
	return nil
}

func printPlan(p *printer, plan engine.Plan) {
	s := plan.Strategy
	p.heading("Plan for " + plan.Target.Name())
	p.field("Strategy", s.Name())
	if d := s.Description(); d != "" {
		p.field("Description", p.render(mutedStyle, d))
	}
	p.field("Total time limit", formatDuration(s.MaxTotalTime()))
	p.blank()

	lines := make([]string, 0, len(s.Phases()))
	for i, ph := range s.Phases() {
		lines = append(lines, fmt.Sprintf("%d. %-20s %6s  timeout %s",
			i+1, ph, percent(s.Weight(ph)), formatDuration(s.Timeout(ph))))
	}
	p.box(lines)
	p.blank()
	printRecommendation(p, plan.Recommendation)
}

func printRecommendation(p *printer, rec strategy.Recommendation) {
	est := rec.Estimate
	p.heading("Estimate")
	p.field("Success probability", percent(est.OverallProbability))
	p.field("Confidence", percent(est.Confidence))
	p.field("Difficulty", rec.Difficulty)
	p.field("Estimated time", formatDuration(est.EstimatedTime))
	p.field("Suggested time limit", formatDuration(rec.TimeLimit))
	p.field("Risk", riskText(p, rec.Risk))
	if rec.Risk.Advice != "" {
		p.field("Advice", rec.Risk.Advice)
	}
	for _, f := range rec.Risk.Factors {
		p.line("  %s %s", p.render(warningStyle, "!"), f)
	}
	if len(est.Reasoning) > 0 {
		p.blank()
		p.heading("Reasoning")
		for _, r := range est.Reasoning {
			p.line("  - %s", r)
		}
	}
}

func riskText(p *printer, r strategy.Risk) string {
	switch r.Level {
	case strategy.RiskLow:
		return p.render(successStyle, r.Level)
	case strategy.RiskHigh:
		return p.render(errorStyle, r.Level)
	default:
		return p.render(warningStyle, r.Level)
	}
}

func runEstimate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	eng := a.newEngine(ctx)
	defer eng.Stop()

	cmp := eng.Compare(target.Stat(args[0]))
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), cmp)
	}

	p := newPrinter(cmd.OutOrStdout())
	p.heading("Strategy comparison")
	p.field("Difficulty", cmp.Difficulty)
	if len(cmp.KeyFactors) > 0 {
		p.field("Key factors", strings.Join(cmp.KeyFactors, ", "))
	}
	p.blank()
	rows := []string{fmt.Sprintf("%-24s %8s %10s %10s %8s", "STRATEGY", "SUCCESS", "CONFIDENCE", "TIME", "SCORE")}
	for i, c := range append([]strategy.Candidate{cmp.Recommended}, cmp.Alternatives...) {
		name := c.Strategy
		if i == 0 {
			name += " *"
		}
		rows = append(rows, fmt.Sprintf("%-24s %8s %10s %10s %8.3f",
			name, percent(c.Probability), percent(c.Confidence), formatDuration(c.EstimatedTime), c.Score))
	}
	p.box(rows)
	p.line("%s", p.render(mutedStyle, "* recommended"))
	return nil
}
