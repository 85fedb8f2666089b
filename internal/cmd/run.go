package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/engine"
	"github.com/Iron-Ham/keyforge/internal/phase"
	"github.com/Iron-Ham/keyforge/internal/target"
)

var runCmd = &cobra.Command{
	Use:   "run <target>",
	Short: "Run a recovery session against a target",
	Long: `Plan a strategy for the target and run its phases until the password
is found or the plan is exhausted.

Candidates come from wordlists with one candidate per line. --wordlist
feeds every phase of the plan; --source assigns a wordlist to one phase and
takes precedence. Phases without candidates are reported and skipped.

The secret is either a SHA-256 digest (--sha256) or, for trials, the
plain password (--plain).

Examples:
  keyforge run backup.zip --wordlist rockyou.txt --sha256 5e88489...
  keyforge run report.docx --source dictionary=words.txt --source keyboard=walks.txt --sha256 5e88489...
  keyforge run demo.zip --wordlist words.txt --plain hunter2 --mode SPEED_PRIORITY`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runWordlist string
	runSources  map[string]string
	runSHA256   string
	runPlain    string
)

func init() {
	runCmd.Flags().StringVarP(&runWordlist, "wordlist", "w", "", "Wordlist used by every phase without its own source")
	runCmd.Flags().StringToStringVar(&runSources, "source", nil, "Per-phase wordlist as phase=path (repeatable)")
	runCmd.Flags().StringVar(&runSHA256, "sha256", "", "Hex SHA-256 digest of the password")
	runCmd.Flags().StringVar(&runPlain, "plain", "", "Plain password to look for")
	runCmd.MarkFlagsMutuallyExclusive("sha256", "plain")
	runCmd.MarkFlagsOneRequired("sha256", "plain")
	addPlanFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if runWordlist == "" && len(runSources) == 0 {
		return fmt.Errorf("no candidates: pass --wordlist or --source")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	eng := a.newEngine(ctx)
	defer eng.Stop()

	tgt := target.Stat(args[0])
	overrides := overridesFrom(cmd)
	plan, err := eng.Plan(tgt, overrides)
	if err != nil {
		return err
	}
	sources, err := loadSources(plan.Strategy.Phases(), runWordlist, runSources)
	if err != nil {
		return err
	}

	match, secret := phase.Matcher(phase.EqualMatcher), runPlain
	if runSHA256 != "" {
		match, secret = phase.SHA256Matcher, strings.ToLower(strings.TrimSpace(runSHA256))
	}
	executor := phase.NewCandidateList(match)
	for p := range sources {
		eng.Registry().Register(p, executor)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout())
	progressDone := make(chan struct{})
	progressCtx, stopProgress := context.WithCancel(ctx)
	go func() {
		defer close(progressDone)
		if outputJSON || !p.styled {
			return
		}
		if err := watchProgress(progressCtx, cmd.ErrOrStderr(), eng.Events()); err != nil {
			a.logger.Warn("progress view failed", "error", err.Error())
		}
	}()

	out, runErr := eng.Run(ctx, engine.Job{
		Target:    tgt,
		Secret:    secret,
		Sources:   sources,
		Overrides: overrides,
	})
	stopProgress()
	<-progressDone

	if outputJSON {
		if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
			return err
		}
		return runErr
	}
	printOutcome(p, out)
	return runErr
}

// loadSources reads the wordlists and assigns them to the plan's phases.
// A wordlist shared by several phases is read once.
func loadSources(phases []string, wordlist string, perPhase map[string]string) (map[string][]string, error) {
	cache := make(map[string][]string)
	read := func(path string) ([]string, error) {
		if words, ok := cache[path]; ok {
			return words, nil
		}
		words, err := phase.ReadWordlist(path)
		if err != nil {
			return nil, err
		}
		cache[path] = words
		return words, nil
	}

	sources := make(map[string][]string)
	for p, path := range perPhase {
		words, err := read(path)
		if err != nil {
			return nil, err
		}
		sources[p] = words
	}
	if wordlist == "" {
		return sources, nil
	}
	for _, p := range phases {
		if _, ok := sources[p]; ok {
			continue
		}
		words, err := read(wordlist)
		if err != nil {
			return nil, err
		}
		sources[p] = words
	}
	return sources, nil
}

func printOutcome(p *printer, out engine.Outcome) {
	p.heading("Session " + out.Target.Name())
	p.field("Strategy", out.Strategy)
	p.field("Estimated success", percent(out.Recommendation.Estimate.OverallProbability))
	p.blank()

	rows := []string{fmt.Sprintf("%-20s %-14s %6s %12s %10s", "PHASE", "STATUS", "TASKS", "ATTEMPTS", "ELAPSED")}
	for _, r := range out.Phases {
		rows = append(rows, fmt.Sprintf("%-20s %-14s %6d %12d %10s",
			r.Phase, r.Status, r.Tasks, r.Attempts, formatDuration(r.Elapsed)))
	}
	p.box(rows)

	var notes []string
	for _, r := range out.Phases {
		for _, adj := range r.Adjustments {
			notes = append(notes, fmt.Sprintf("%s: %s (%s)", r.Phase, adj.Action, adj.Reason))
		}
		if r.FailedTasks > 0 {
			notes = append(notes, fmt.Sprintf("%s: %d tasks failed", r.Phase, r.FailedTasks))
		}
	}
	sort.Strings(notes)
	for _, n := range notes {
		p.line("  %s %s", p.render(warningStyle, "!"), n)
	}
	p.blank()

	p.field("Attempts", out.Attempts)
	p.field("Elapsed", formatDuration(out.Elapsed))
	switch {
	case out.Found:
		p.field("Result", p.render(successStyle, "FOUND"))
		p.field("Password", out.Password)
		p.field("Phase", out.Phase)
	case out.TimedOut:
		p.field("Result", p.render(warningStyle, "time limit reached"))
	default:
		p.field("Result", p.render(errorStyle, "not found"))
	}
}
