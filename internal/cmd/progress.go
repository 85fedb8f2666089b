package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/keyforge/internal/event"
)

const progressBarWidth = 24

// phaseProgress counts the tasks of one phase as the coordinator reports
// them.
type phaseProgress struct {
	submitted int
	completed int
	failed    int
}

func (p phaseProgress) finished() bool {
	return p.submitted > 0 && p.completed+p.failed >= p.submitted
}

// Messages

type eventMsg struct{ ev event.Event }
type progressDoneMsg struct{}

// progressModel shows a line per phase with a task bar while a session
// runs.
type progressModel struct {
	spinner spinner.Model
	phases  map[string]*phaseProgress
	order   []string
	done    bool
}

func newProgressModel() progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = headingStyle
	return progressModel{spinner: s, phases: make(map[string]*phaseProgress)}
}

func (m progressModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m progressModel) phase(name string) *phaseProgress {
	p, ok := m.phases[name]
	if !ok {
		p = &phaseProgress{}
		m.phases[name] = p
	}
	return p
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		switch e := msg.ev.(type) {
		case event.TaskSubmittedEvent:
			if _, ok := m.phases[e.PhaseType]; !ok {
				m.order = append(m.order, e.PhaseType)
			}
			m.phase(e.PhaseType).submitted++
		case event.TaskCompletedEvent:
			m.phase(e.PhaseType).completed++
		case event.TaskFailedEvent:
			if e.Final {
				m.phase(e.PhaseType).failed++
			}
		}
		return m, nil
	case progressDoneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m progressModel) View() string {
	// The outcome table replaces the live view.
	if m.done {
		return ""
	}
	var sb strings.Builder
	for _, name := range m.order {
		p := m.phases[name]
		mark := m.spinner.View()
		if p.finished() {
			mark = successStyle.Render("✓")
		}
		fmt.Fprintf(&sb, "%s %-20s %s %d/%d", mark, name, progressBar(p), p.completed+p.failed, p.submitted)
		if p.failed > 0 {
			sb.WriteString(" " + errorStyle.Render(fmt.Sprintf("%d failed", p.failed)))
		}
		sb.WriteString("\n")
	}
	if len(m.order) == 0 {
		sb.WriteString(m.spinner.View() + " planning\n")
	}
	return sb.String()
}

func progressBar(p *phaseProgress) string {
	filled := 0
	if p.submitted > 0 {
		filled = (p.completed + p.failed) * progressBarWidth / p.submitted
	}
	filled = min(filled, progressBarWidth)
	return successStyle.Render(strings.Repeat("█", filled)) +
		mutedStyle.Render(strings.Repeat("░", progressBarWidth-filled))
}

// watchProgress renders coordinator events from events on w until ctx is
// done or the queue is closed.
func watchProgress(ctx context.Context, w io.Writer, events *event.Queue) error {
	p := tea.NewProgram(newProgressModel(),
		tea.WithOutput(w),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	go func() {
		for {
			ev, err := events.Pop(ctx)
			if err != nil {
				p.Send(progressDoneMsg{})
				return
			}
			p.Send(eventMsg{ev: ev})
		}
	}()
	_, err := p.Run()
	return err
}
