package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/programme-lv/grader/callback"
)

const pollInterval = time.Second

var (
	stateStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9b59b6")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2ecc71")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7f8c8d"))
)

type recordMsg struct {
	rec callback.Record
	err error
}

type tickMsg struct{}

// watchModel follows one sandbox submission until it is terminal.
type watchModel struct {
	client  *apiClient
	id      string
	spinner spinner.Model
	rec     *callback.Record
	err     error
	done    bool
}

func newWatchModel(client *apiClient, id string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#3498db"))
	return watchModel{client: client, id: id, spinner: s}
}

func (m watchModel) fetch() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := m.client.submission(ctx, m.id)
	return recordMsg{rec: rec, err: err}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case recordMsg:
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		m.rec = &msg.rec
		if msg.rec.State.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
	case tickMsg:
		return m, m.fetch
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return errStyle.Render("error: ") + m.err.Error() + "\n"
	}
	if m.rec == nil {
		return fmt.Sprintf("%s loading submission %s\n", m.spinner.View(), m.id)
	}
	line := fmt.Sprintf("submission %s: %s", m.id, stateStyle.Render(string(m.rec.State)))
	if m.rec.LastCallback != "" {
		line += dimStyle.Render(fmt.Sprintf(" (last callback %s)", m.rec.LastCallback))
	}
	if !m.done {
		return m.spinner.View() + " " + line + "\n"
	}
	switch m.rec.State {
	case callback.StateAggregated:
		line = okStyle.Render("✓ ") + line
		if m.rec.ResultRef != "" {
			line += "\n  result: " + m.rec.ResultRef
		}
	case callback.StateFailed:
		line = errStyle.Render("✗ ") + line + "\n  " + m.rec.ErrorMsg
	}
	return line + "\n"
}
