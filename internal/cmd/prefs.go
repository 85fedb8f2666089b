package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/strategy"
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "View or modify strategy preferences",
	Long: `View or modify the stored strategy preferences.

Preferences hold the default mode, the GPU preference, which phases are
enabled, and custom strategies. They live in the state store and apply to
every plan and session.`,
	RunE: runPrefsShow,
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current preferences",
	Args:  cobra.NoArgs,
	RunE:  runPrefsShow,
}

var prefsSetModeCmd = &cobra.Command{
	Use:   "set-mode <mode>",
	Short: "Set the default strategy mode",
	Long: `Set the default strategy mode used when a command does not pass --mode.

Valid modes are AUTO, the enhanced modes SPEED_PRIORITY, BALANCED_ADAPTIVE
and THOROUGHNESS_PRIORITY, the base strategies and custom strategy names.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrefsSetMode,
}

var prefsEnableCmd = &cobra.Command{
	Use:   "enable <phase>...",
	Short: "Enable phases",
	Args:  cobra.MinimumNArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPhases(cmd, args, true) },
}

var prefsDisableCmd = &cobra.Command{
	Use:   "disable <phase>...",
	Short: "Disable phases",
	Args:  cobra.MinimumNArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setPhases(cmd, args, false) },
}

var prefsResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Enable every phase again",
	Args:  cobra.NoArgs,
	RunE:  runPrefsReset,
}

var prefsGPUCmd = &cobra.Command{
	Use:   "gpu <on|off>",
	Short: "Set whether plans prefer GPU execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsGPU,
}

var prefsExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the preferences as YAML",
	Long: `Export the preferences as YAML. Without a file the document is printed
to stdout.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPrefsExport,
}

var prefsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge a YAML export into the preferences",
	Long: `Merge a YAML export into the preferences. Fields missing from the
document are left unchanged and nothing is applied when any part of it is
invalid. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runPrefsImport,
}

var prefsCustomCmd = &cobra.Command{
	Use:   "custom",
	Short: "Manage custom strategies",
}

var prefsCustomCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create or replace a custom strategy",
	Long: `Create or replace a custom strategy. The name is upper-cased and
whitespace becomes underscores.

Examples:
  keyforge prefs custom create quick --phases top10k,keyboard,dictionary
  keyforge prefs custom create family --phases dictionary,date_range \
      --weight dictionary=0.7 --weight date_range=0.3 --timeout dictionary=20m --max-total 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runPrefsCustomCreate,
}

var prefsCustomDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a custom strategy",
	Args:  cobra.ExactArgs(1),
	RunE:  runPrefsCustomDelete,
}

var (
	customPhases      []string
	customWeights     map[string]string
	customTimeouts    map[string]string
	customMaxTotal    time.Duration
	customAdaptive    bool
	customDescription string
)

func init() {
	prefsCustomCreateCmd.Flags().StringSliceVar(&customPhases, "phases", nil, "Phases in order (default: a short fast list)")
	prefsCustomCreateCmd.Flags().StringToStringVar(&customWeights, "weight", nil, "Phase weight as phase=value (repeatable)")
	prefsCustomCreateCmd.Flags().StringToStringVar(&customTimeouts, "timeout", nil, "Phase timeout as phase=duration (repeatable)")
	prefsCustomCreateCmd.Flags().DurationVar(&customMaxTotal, "max-total", 0, "Total time limit (0 for none)")
	prefsCustomCreateCmd.Flags().BoolVar(&customAdaptive, "adaptive-timeouts", false, "Derive timeouts from the target and hardware")
	prefsCustomCreateCmd.Flags().StringVar(&customDescription, "description", "", "Description")

	prefsCustomCmd.AddCommand(prefsCustomCreateCmd, prefsCustomDeleteCmd)
	prefsCmd.AddCommand(prefsShowCmd, prefsSetModeCmd, prefsEnableCmd, prefsDisableCmd,
		prefsResetCmd, prefsGPUCmd, prefsExportCmd, prefsImportCmd, prefsCustomCmd)
	rootCmd.AddCommand(prefsCmd)
}

// withStrategies runs fn with a strategy manager on the state store.
func withStrategies(cmd *cobra.Command, fn func(*strategy.Manager) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	m := strategy.NewManager(strategy.ConfigFrom(a.cfg.Strategy),
		strategy.WithStore(a.store),
		strategy.WithLogger(a.logger),
	)
	return fn(m)
}

type prefsView struct {
	DefaultMode string                        `json:"default_mode"`
	PreferGPU   bool                          `json:"prefer_gpu"`
	Phases      map[string]strategy.PhaseInfo `json:"phases"`
	Strategies  []strategy.Listing            `json:"strategies"`
}

func runPrefsShow(cmd *cobra.Command, _ []string) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		prefs := m.Preferences()
		view := prefsView{
			DefaultMode: prefs.DefaultMode,
			PreferGPU:   prefs.PreferGPU,
			Phases:      m.PhaseSettings(),
			Strategies:  m.Strategies(),
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), view)
		}
		printPrefs(newPrinter(cmd.OutOrStdout()), view)
		return nil
	})
}

func printPrefs(p *printer, v prefsView) {
	p.heading("Preferences")
	p.field("Default mode", v.DefaultMode)
	p.field("Prefer GPU", v.PreferGPU)
	p.blank()

	p.heading("Phases")
	for _, name := range slices.Sorted(maps.Keys(v.Phases)) {
		info := v.Phases[name]
		state := p.render(successStyle, "on ")
		if !info.Enabled {
			state = p.render(errorStyle, "off")
		}
		p.line("  %s  %-20s %s", state, name, p.render(mutedStyle, info.Description))
	}
	p.blank()

	p.heading("Strategies")
	for _, l := range v.Strategies {
		p.line("  %-10s %-24s %s", l.Category, l.Strategy.Name(), p.render(mutedStyle, l.Strategy.Description()))
	}
}

func runPrefsSetMode(cmd *cobra.Command, args []string) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		mode := strings.TrimSpace(args[0])
		if mode != strategy.Auto {
			mode = strategy.CustomKey(mode)
		}
		if err := m.SetDefaultMode(mode); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default mode set to %s\n", mode)
		return nil
	})
}

func setPhases(cmd *cobra.Command, names []string, enabled bool) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		settings := make(map[string]bool, len(names))
		for _, n := range names {
			settings[strings.ToLower(strings.TrimSpace(n))] = enabled
		}
		if err := m.SetPhases(settings); err != nil {
			return err
		}
		verb := "Enabled"
		if !enabled {
			verb = "Disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, strings.Join(slices.Sorted(maps.Keys(settings)), ", "))
		return nil
	})
}

func runPrefsReset(cmd *cobra.Command, _ []string) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		if err := m.ResetPhaseSettings(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "All phases enabled")
		return nil
	})
}

func runPrefsGPU(cmd *cobra.Command, args []string) error {
	var prefer bool
	switch strings.ToLower(args[0]) {
	case "on", "true", "yes":
		prefer = true
	case "off", "false", "no":
	default:
		return fmt.Errorf("invalid value %q: use on or off", args[0])
	}
	return withStrategies(cmd, func(m *strategy.Manager) error {
		if err := m.SetPreferGPU(prefer); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Prefer GPU: %t\n", prefer)
		return nil
	})
}

func runPrefsExport(cmd *cobra.Command, args []string) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		if len(args) == 0 {
			return m.ExportPreferences(cmd.OutOrStdout())
		}
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", args[0], err)
		}
		if err := m.ExportPreferences(f); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Preferences exported to %s\n", args[0])
		return nil
	})
}

func runPrefsImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}
	return withStrategies(cmd, func(m *strategy.Manager) error {
		if err := m.ImportPreferences(r); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Preferences imported")
		return nil
	})
}

func runPrefsCustomCreate(cmd *cobra.Command, args []string) error {
	d := strategy.Definition{
		Description:      customDescription,
		Phases:           customPhases,
		MaxTotalTime:     customMaxTotal,
		AdaptiveTimeouts: customAdaptive,
	}
	if len(customWeights) > 0 {
		d.Weights = make(map[string]float64, len(customWeights))
		for p, v := range customWeights {
			w, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid weight for %s: %w", p, err)
			}
			d.Weights[p] = w
		}
	}
	if len(customTimeouts) > 0 {
		d.Timeouts = make(map[string]time.Duration, len(customTimeouts))
		for p, v := range customTimeouts {
			t, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid timeout for %s: %w", p, err)
			}
			d.Timeouts[p] = t
		}
	}
	return withStrategies(cmd, func(m *strategy.Manager) error {
		s, err := m.CreateCustomStrategy(args[0], d)
		if err != nil {
			return err
		}
		if outputJSON {
			return writeJSON(cmd.OutOrStdout(), s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Custom strategy %s saved with phases %s\n", s.Name(), strings.Join(s.Phases(), ", "))
		return nil
	})
}

func runPrefsCustomDelete(cmd *cobra.Command, args []string) error {
	return withStrategies(cmd, func(m *strategy.Manager) error {
		ok, err := m.DeleteCustomStrategy(args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no custom strategy named %s", strategy.CustomKey(args[0]))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Custom strategy %s deleted\n", strategy.CustomKey(args[0]))
		return nil
	})
}
