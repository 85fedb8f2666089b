package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/keyforge/internal/config"
	"github.com/Iron-Ham/keyforge/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View session logs",
	Long: `View and filter the JSON log written when logging.dir is configured.

Examples:
  # Show the last 50 entries
  keyforge logs

  # Show every warning and error of the last hour
  keyforge logs --level warn --since 1h -n 0

  # Follow one phase
  keyforge logs --phase dictionary

  # Find entries mentioning a worker
  keyforge logs --worker worker-3 --grep stole`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsDir    string
	logsTail   int
	logsLevel  string
	logsSince  time.Duration
	logsPhase  string
	logsTask   string
	logsWorker string
	logsGrep   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsDir, "dir", "", "Log directory (default: logging.dir)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().DurationVar(&logsSince, "since", 0, "Show entries newer than this (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries of this phase")
	logsCmd.Flags().StringVar(&logsTask, "task", "", "Only entries of this task ID")
	logsCmd.Flags().StringVar(&logsWorker, "worker", "", "Only entries of this worker ID")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
}

func runLogs(cmd *cobra.Command, _ []string) error {
	dir := logsDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		dir = cfg.Logging.Dir
	}
	if dir == "" {
		return fmt.Errorf("no log directory: set logging.dir or pass --dir")
	}
	if logsLevel != "" && !slices.Contains([]string{logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError}, strings.ToUpper(logsLevel)) {
		return fmt.Errorf("invalid level %q", logsLevel)
	}

	entries, err := logging.ReadLogs(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), "No logs yet")
			return nil
		}
		return err
	}

	filter := logging.LogFilter{
		Level:           logsLevel,
		WorkerID:        logsWorker,
		TaskID:          logsTask,
		Phase:           logsPhase,
		MessageContains: logsGrep,
	}
	if logsSince > 0 {
		filter.Since = time.Now().Add(-logsSince)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	if outputJSON {
		if entries == nil {
			entries = []logging.LogEntry{}
		}
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	p := newPrinter(cmd.OutOrStdout())
	for _, e := range entries {
		p.line("%s", formatLogEntry(p, e))
	}
	return nil
}

func levelStyle(level string) lipgloss.Style {
	switch strings.ToUpper(level) {
	case logging.LevelError:
		return errorStyle
	case logging.LevelWarn:
		return warningStyle
	case logging.LevelDebug:
		return mutedStyle
	default:
		return headingStyle
	}
}

// formatLogEntry renders one entry as a single line with its context
// fields after the message.
func formatLogEntry(p *printer, e logging.LogEntry) string {
	var sb strings.Builder
	sb.WriteString(p.render(mutedStyle, "["+e.Timestamp.Local().Format("15:04:05.000")+"]"))
	sb.WriteString(" ")
	sb.WriteString(p.render(levelStyle(e.Level), fmt.Sprintf("%-5s", strings.ToUpper(e.Level))))
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	field := func(k string, v any) {
		sb.WriteString(" ")
		sb.WriteString(p.render(mutedStyle, k+"="))
		fmt.Fprint(&sb, v)
	}
	if e.Phase != "" {
		field("phase", e.Phase)
	}
	if e.WorkerID != "" {
		field("worker_id", e.WorkerID)
	}
	if e.TaskID != "" {
		field("task_id", e.TaskID)
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		field(k, e.Attrs[k])
	}
	return sb.String()
}
