// Package deck is the terminal dashboard: a session table fed by the
// resilient client façade, with confirm-gated destructive controls.
package deck

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sessiondeck/backend/internal/client"
	"github.com/sessiondeck/backend/internal/session"
)

var (
	styleHeader   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))
	styleDimmed   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	styleSelected = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	styleBanner   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	styleConfirm  = lipgloss.NewStyle().
			Padding(0, 1).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("208"))

	stateColors = map[session.State]lipgloss.Color{
		session.Active:     lipgloss.Color("42"),
		session.Idle:       lipgloss.Color("250"),
		session.Stalled:    lipgloss.Color("208"),
		session.Paused:     lipgloss.Color("33"),
		session.Terminated: lipgloss.Color("240"),
		session.Error:      lipgloss.Color("196"),
	}
)

// tickMsg drives periodic redraws from the façade's snapshot.
type tickMsg time.Time

// pendingAction is a destructive control awaiting confirmation.
type pendingAction struct {
	action    session.ControlAction
	sessionID string
}

// Model is the deck's Bubble Tea model.
type Model struct {
	facade    *client.Facade
	projectID string

	width   int
	height  int
	cursor  int
	confirm *pendingAction
	banner  string
}

// New creates the deck model. The façade should already be polling.
func New(facade *client.Facade, projectID string) Model {
	return Model{facade: facade, projectID: projectID}
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		if err := m.facade.LastError(); err != nil && m.banner == "" {
			m.banner = err.Error()
		}
		return m, tick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	sessions := m.sessions()

	if m.confirm != nil {
		switch msg.String() {
		case "y", "Y", "enter":
			pending := *m.confirm
			m.confirm = nil
			return m, m.dispatch(pending.action, pending.sessionID)
		case "n", "N", "esc":
			m.confirm = nil
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.facade.Close()
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		m.syncSelection(sessions)

	case "down", "j":
		if m.cursor < len(sessions)-1 {
			m.cursor++
		}
		m.syncSelection(sessions)

	case "x":
		m.banner = ""

	case "p":
		if u, ok := m.current(sessions); ok && u.Controls != nil && u.Controls.CanPause {
			return m, m.dispatch(session.ActionPause, u.SessionID)
		}

	case "r":
		if u, ok := m.current(sessions); ok && u.Controls != nil && u.Controls.CanResume {
			return m, m.dispatch(session.ActionResume, u.SessionID)
		}

	case "t":
		if u, ok := m.current(sessions); ok && u.Controls != nil && u.Controls.CanTerminate {
			m.confirm = &pendingAction{action: session.ActionTerminate, sessionID: u.SessionID}
		}

	case "R":
		if u, ok := m.current(sessions); ok && u.Controls != nil && u.Controls.CanRestart {
			m.confirm = &pendingAction{action: session.ActionRestart, sessionID: u.SessionID}
		}
	}
	return m, nil
}

// dispatch runs a control action in the background; errors surface via the
// façade's last-error state on the next tick.
func (m Model) dispatch(action session.ControlAction, sessionID string) tea.Cmd {
	facade, projectID := m.facade, m.projectID
	return func() tea.Msg {
		_, _ = facade.ExecuteControl(session.ControlRequest{
			SessionID: sessionID,
			ProjectID: projectID,
			Action:    action,
		})
		facade.Refresh()
		return nil
	}
}

func (m *Model) syncSelection(sessions []session.Update) {
	if m.cursor >= 0 && m.cursor < len(sessions) {
		m.facade.Select(sessions[m.cursor].SessionID)
	}
}

func (m Model) sessions() []session.Update {
	data := m.facade.Snapshot()
	if data == nil {
		return nil
	}
	return data.Sessions
}

func (m Model) current(sessions []session.Update) (session.Update, bool) {
	if m.cursor < 0 || m.cursor >= len(sessions) {
		return session.Update{}, false
	}
	return sessions[m.cursor], true
}

func (m Model) View() string {
	width := m.width
	if width < 60 {
		width = 60
	}

	sections := []string{
		m.renderHeader(width),
		m.renderStats(),
		m.renderTable(width),
		m.renderFooter(),
	}
	if m.banner != "" {
		sections = append([]string{styleBanner.Render("✗ " + m.banner + "  (x to dismiss)")}, sections...)
	}
	if m.confirm != nil {
		sections = append(sections, styleConfirm.Render(
			fmt.Sprintf("%s session %s? (y/n)", m.confirm.action, m.confirm.sessionID)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader(width int) string {
	status := m.facade.Status()
	statusColor := lipgloss.Color("42")
	switch status {
	case client.StatusError:
		statusColor = lipgloss.Color("196")
	case client.StatusConnecting, client.StatusDisconnected:
		statusColor = lipgloss.Color("240")
	}

	left := styleHeader.Render("Session Deck — " + m.projectID)
	right := lipgloss.NewStyle().Foreground(statusColor).Render("● " + string(status))
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderStats() string {
	data := m.facade.Snapshot()
	if data == nil {
		return styleDimmed.Render("  waiting for first snapshot…")
	}
	stats := data.OverallStats
	line := fmt.Sprintf("  active %d/%d   load %3.0f%%   avg response %s",
		stats.ActiveSessions, stats.TotalSessions, stats.SystemLoad,
		formatResponse(stats.AverageResponseTime))
	if data.Stale {
		line += styleBanner.Render("   [stale: " + data.StaleReason + "]")
	}
	return styleDimmed.Render(line)
}

func (m Model) renderTable(width int) string {
	sessions := m.sessions()
	if len(sessions) == 0 {
		return styleDimmed.Render("  no sessions")
	}

	header := fmt.Sprintf("  %-28s %-11s %-22s %6s %8s %5s", "Session", "State", "Activity", "Msgs", "Tokens", "Errs")
	lines := []string{styleDimmed.Render(header)}

	for i, u := range sessions {
		id := u.SessionID
		if len(id) > 27 {
			id = id[:26] + "…"
		}
		activity := u.Progress.CurrentActivity
		if len(activity) > 21 {
			activity = activity[:20] + "…"
		}

		stateStr := lipgloss.NewStyle().Foreground(stateColors[u.State]).Render(fmt.Sprintf("%-11s", u.State))
		line := fmt.Sprintf("  %-28s %s %-22s %6d %8d %5d",
			id, stateStr, activity, u.Progress.MessagesCount,
			u.Progress.TokenUsage.TotalTokens, u.Health.ErrorCount)

		if i == m.cursor {
			line = styleSelected.Render("▸" + line[1:])
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	return styleDimmed.Render("  ↑/↓ select   p pause   r resume   t terminate   R restart   q quit")
}

func formatResponse(ms float64) string {
	if ms <= 0 {
		return "–"
	}
	return fmt.Sprintf("%.0fms", ms)
}
