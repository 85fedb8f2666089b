package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

var (
	primaryColor = lipgloss.Color("#A78BFA")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#F87171")
	mutedColor   = lipgloss.Color("#9CA3AF")

	headingStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	labelStyle   = lipgloss.NewStyle().Foreground(mutedColor).Width(22)
	successStyle = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)
)

// printer renders command output. Styling is only applied when the output
// is a terminal.
type printer struct {
	w      io.Writer
	styled bool
}

func newPrinter(w io.Writer) *printer {
	styled := false
	if f, ok := w.(*os.File); ok {
		styled = term.IsTerminal(f.Fd())
	}
	return &printer{w: w, styled: styled}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) heading(title string) {
	if p.styled {
		fmt.Fprintln(p.w, headingStyle.Render(title))
		return
	}
	fmt.Fprintln(p.w, strings.ToUpper(title))
	fmt.Fprintln(p.w, strings.Repeat("-", len(title)))
}

func (p *printer) field(label string, value any) {
	if p.styled {
		fmt.Fprintf(p.w, "%s %v\n", labelStyle.Render(label), value)
		return
	}
	fmt.Fprintf(p.w, "%-22s %v\n", label, value)
}

func (p *printer) line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) blank() {
	fmt.Fprintln(p.w)
}

// box frames a block of lines on terminals.
func (p *printer) box(lines []string) {
	text := strings.Join(lines, "\n")
	if p.styled {
		fmt.Fprintln(p.w, boxStyle.Render(text))
		return
	}
	fmt.Fprintln(p.w, text)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func percent(p float64) string {
	return fmt.Sprintf("%.1f%%", p*100)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// formatDuration rounds to seconds, or to milliseconds below one second.
// Zero prints "none".
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
