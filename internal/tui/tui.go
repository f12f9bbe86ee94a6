// Package tui implements `inboxd status`: a minimal bubbletea live view
// over the daemon's own state, polled once a second. Grounded on the
// teacher's internal/tui status view (model/tickCmd/Run shape), narrowed to
// the fields this daemon actually has to show.
package tui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Snapshot is one poll's worth of daemon state, built by the caller from
// taskmanager.Manager.Depth and inference.Supervisor.State.
type Snapshot struct {
	QueueDepths map[string]int
	Embedding   string
	Completion  string
	Clients     int
	Dropped     int64
	LastError   string
	Uptime      time.Duration
}

// StatusProvider returns the current Snapshot; called once per tick.
type StatusProvider func() Snapshot

type model struct {
	provider StatusProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.provider()
		return m, tickCmd()
	}
	return m, nil
}

func (m model) View() string {
	lastErr := m.snap.LastError
	if lastErr == "" {
		lastErr = "(none)"
	}

	out := fmt.Sprintf("%s\n\nEmbedding: %s\nCompletion: %s\nEvent bus clients: %d\nEvent bus dropped: %d\nUptime: %s\nLast error: %s\n\nQueues:\n",
		titleStyle.Render("inboxd status"),
		m.snap.Embedding,
		m.snap.Completion,
		m.snap.Clients,
		m.snap.Dropped,
		m.snap.Uptime.Truncate(time.Second),
		lastErr,
	)
	for _, name := range []string{"general", "completion", "embedding"} {
		out += fmt.Sprintf("  %-10s %d\n", name, m.snap.QueueDepths[name])
	}
	out += "\n" + dimStyle.Render("Press q to quit.") + "\n"
	return out
}

// Run drives the status view until ctx is canceled or the user quits.
func Run(ctx context.Context, provider StatusProvider) error {
	defer bestEffortResetTTY()

	m := model{provider: provider, snap: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
