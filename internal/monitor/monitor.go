// Package monitor renders the live task board for `depotd monitor`: queue
// counts by state, online workers, held and contended resource keys, and the
// most recent tasks, refreshed on a one-second tick.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TaskRow is one line of the recent-tasks table.
type TaskRow struct {
	ID       string
	Name     string
	State    string
	Worker   string
	Duration time.Duration
}

// KeyRow describes one reservation key: its holders and queued waiters.
type KeyRow struct {
	Key     string
	Mode    string
	Holders int
	Waiters int
}

type Snapshot struct {
	DBOK      bool
	Waiting   int
	Running   int
	Completed int
	Failed    int
	Canceled  int

	WorkersOnline int
	ActiveTasks   int32

	Keys   []KeyRow
	Recent []TaskRow

	LastError string
	Uptime    time.Duration
}

// SnapshotProvider is polled once per tick. It must be safe to call from the
// TUI goroutine.
type SnapshotProvider func() Snapshot

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	headerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	stateStyles = map[string]lipgloss.Style{
		"WAITING":   lipgloss.NewStyle().Foreground(lipgloss.Color("178")),
		"RUNNING":   lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
		"COMPLETED": lipgloss.NewStyle().Foreground(lipgloss.Color("77")),
		"FAILED":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		"CANCELED":  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

type model struct {
	provider SnapshotProvider
	snap     Snapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
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
	s := m.snap
	var b strings.Builder

	b.WriteString(titleStyle.Render("Depot Task Board"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  up %s", s.Uptime.Truncate(time.Second))))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "DB OK: %t   Workers Online: %d   Active: %d\n",
		s.DBOK, s.WorkersOnline, s.ActiveTasks)
	fmt.Fprintf(&b, "Waiting: %d   Running: %d   Completed: %d   Failed: %d   Canceled: %d\n\n",
		s.Waiting, s.Running, s.Completed, s.Failed, s.Canceled)

	if len(s.Keys) > 0 {
		b.WriteString(headerStyle.Render("RESERVATIONS"))
		b.WriteString("\n")
		for _, k := range s.Keys {
			line := fmt.Sprintf("  %-40s %-9s holders=%d", k.Key, k.Mode, k.Holders)
			if k.Waiters > 0 {
				line += errStyle.Render(fmt.Sprintf("  waiters=%d", k.Waiters))
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(headerStyle.Render("RECENT TASKS"))
	b.WriteString("\n")
	if len(s.Recent) == 0 {
		b.WriteString(dimStyle.Render("  (none)"))
		b.WriteString("\n")
	}
	for _, task := range s.Recent {
		state := task.State
		if st, ok := stateStyles[state]; ok {
			state = st.Render(fmt.Sprintf("%-9s", task.State))
		}
		line := fmt.Sprintf("  %s  %s %-28s", shortID(task.ID), state, task.Name)
		if task.Worker != "" {
			line += dimStyle.Render(" " + task.Worker)
		}
		if task.Duration > 0 {
			line += dimStyle.Render(fmt.Sprintf(" %s", task.Duration.Truncate(time.Millisecond)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if s.LastError != "" {
		b.WriteString("\n")
		b.WriteString(errStyle.Render("Last Error: " + s.LastError))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Press q to quit."))
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Run drives the TUI until the user quits or ctx is canceled.
func Run(ctx context.Context, provider SnapshotProvider) error {
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
