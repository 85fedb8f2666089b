package cmd

import (
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/estimator"
	"github.com/Iron-Ham/keyforge/internal/strategy"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show what past sessions have taught the planner",
	Long: `Display the learned statistics kept in the state store.

Shows:
- Recorded outcomes and the overall success rate
- Per-phase success rates used by the estimator
- Per-phase attempt counts used to boost strategies`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

type statsReport struct {
	Estimator estimator.Statistics            `json:"estimator"`
	Phases    map[string]strategy.PhaseCount `json:"phases"`
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	est := estimator.New(estimator.ConfigFrom(a.cfg.Estimator),
		estimator.WithStore(a.store),
		estimator.WithLogger(a.logger),
	)
	m := strategy.NewManager(strategy.ConfigFrom(a.cfg.Strategy),
		strategy.WithStore(a.store),
		strategy.WithEstimator(est),
		strategy.WithLogger(a.logger),
	)

	rep := statsReport{
		Estimator: est.Statistics(),
		Phases:    make(map[string]strategy.PhaseCount),
	}
	for _, p := range strategy.KnownPhases {
		if c := m.PhaseCount(p); c.Attempts > 0 {
			rep.Phases[p] = c
		}
	}

	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), rep)
	}
	printStats(newPrinter(cmd.OutOrStdout()), rep)
	return nil
}

func printStats(p *printer, rep statsReport) {
	st := rep.Estimator
	p.heading("Outcomes")
	if st.TotalRecords == 0 {
		p.line("%s", p.render(mutedStyle, "No sessions recorded yet"))
		return
	}
	p.field("Recorded", st.TotalRecords)
	p.field("Successful", st.TotalSuccesses)
	p.field("Success rate", percent(st.OverallSuccessRate))
	p.field("Learned weights", st.FeatureWeightCount)
	if !st.LastUpdated.IsZero() {
		p.field("Last updated", st.LastUpdated.Local().Format("2006-01-02 15:04:05"))
	}
	p.blank()

	if len(st.Phases) > 0 {
		p.heading("Phase success rates")
		rows := []string{fmt.Sprintf("%-20s %10s %10s %8s", "PHASE", "ATTEMPTS", "SUCCESSES", "RATE")}
		for _, name := range slices.Sorted(maps.Keys(st.Phases)) {
			ph := st.Phases[name]
			rows = append(rows, fmt.Sprintf("%-20s %10d %10d %8s", name, ph.Attempts, ph.Successes, percent(ph.Rate)))
		}
		p.box(rows)
		p.blank()
	}

	if len(rep.Phases) > 0 {
		p.heading("Phase history")
		for _, name := range slices.Sorted(maps.Keys(rep.Phases)) {
			c := rep.Phases[name]
			p.field(name, fmt.Sprintf("%d of %d sessions found the password", c.Successes, c.Attempts))
		}
	}
}
