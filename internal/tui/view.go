package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/csheth/kbchat/internal/conversation"
	"github.com/csheth/kbchat/internal/workspace"
)

func (m *model) View() string {
	switch m.stage {
	case stageLogin, stageSigningIn:
		return m.viewLogin()
	case stageMain:
		return m.viewMain()
	default:
		return ""
	}
}

func (m *model) viewLogin() string {
	form := []string{
		sectionHeaderStyle.Render("Sign in"),
		m.username.View(),
		m.password.View(),
		helperStyle.Render("Tab switches fields • Enter signs in • Ctrl+C quits"),
		helperStyle.Render("No account yet? Run kbchat signup."),
	}
	parts := []string{
		m.heroView(),
		loginBoxStyle.Render(strings.Join(form, "\n")),
		healthBadge(m.state),
	}
	if m.stage == stageSigningIn {
		parts = append(parts, helperStyle.Render(fmt.Sprintf("%s %s", m.spinner.View(), m.infoMessage)))
	}
	if m.errorMessage != "" {
		parts = append(parts, errorStyle.Render(m.errorMessage))
	}
	return joinNonEmpty(parts)
}

func (m *model) viewMain() string {
	body := lipgloss.JoinHorizontal(
		lipgloss.Top,
		renderSidebar(m.state, m.layout.sidebarWidth, m.layout.viewportHeight, m.spinner.View()),
		" ",
		m.viewport.View(),
	)
	parts := []string{m.headerView(), body}
	if m.errorMessage != "" {
		parts = append(parts, errorStyle.Render(m.errorMessage))
	} else if m.infoMessage != "" {
		parts = append(parts, helperStyle.Render(m.infoMessage))
	}
	parts = append(parts, m.composer.View(), m.statusBarView())
	if m.helpVisible {
		parts = append(parts, m.helpView())
	}
	return strings.Join(parts, "\n")
}

func (m *model) heroView() string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		titleStyle.Render("kbchat"),
		taglineStyle.Render(heroTagline),
	)
}

func (m *model) headerView() string {
	left := titleStyle.Render("kbchat")
	if m.state.User != nil {
		name := m.state.User.Name
		if name == "" {
			name = m.state.User.Username
		}
		left += helperStyle.Render("  " + name)
	}
	if project, ok := m.state.Selected(); ok {
		left += helperStyle.Render("  /  ") + sectionHeaderStyle.Render(project.Name)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", healthBadge(m.state))
}

func healthBadge(state workspace.State) string {
	switch {
	case state.Healthy():
		return badgeOnStyle.Render("service healthy")
	case state.HealthErr != nil:
		return badgeErrorStyle.Render("service unreachable")
	case state.HealthChecked:
		return badgeWarnStyle.Render("service " + state.Health.Status)
	default:
		return badgeOffStyle.Render("checking service")
	}
}

func (m *model) statusBarView() string {
	badges := []string{
		toggleBadge("hybrid", m.search.HybridSearch),
		toggleBadge("graph", m.search.GraphSearch),
		toggleBadge("rerank", m.search.Reranking),
	}
	stats := []string{conversationLabel(m.snap)}
	if p := m.state.Polling; p.Projects || p.Progress {
		stats = append(stats, "polling")
	}
	if jobs := m.runningJobs(); jobs != "" {
		stats = append(stats, jobs)
	}
	stats = append(stats, "/help")
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		strings.Join(badges, " "),
		" ",
		statusBarStyle.Render(strings.Join(stats, "  •  ")),
	)
}

func conversationLabel(snap conversation.Snapshot) string {
	switch snap.State {
	case conversation.Waiting:
		return "waiting for answer"
	case conversation.Streaming:
		return "streaming"
	default:
		if snap.Loading {
			return "loading"
		}
		return fmt.Sprintf("%d messages", len(snap.Messages))
	}
}

func (m *model) runningJobs() string {
	var names []string
	for _, kind := range []jobKind{jobKindProject, jobKindDocument, jobKindCite} {
		if m.running[kind] > 0 {
			names = append(names, string(kind))
		}
	}
	if len(names) == 0 {
		return ""
	}
	return m.spinner.View() + " " + strings.Join(names, ", ")
}

func toggleBadge(label string, on bool) string {
	if on {
		return badgeOnStyle.Render(label)
	}
	return badgeOffStyle.Render(label)
}

func (m *model) helpView() string {
	rows := []string{sectionHeaderStyle.Render("Commands")}
	for _, spec := range commandSpecs {
		key := keyStyle.Render(spec.usage)
		desc := keyDescStyle.Render(" " + spec.description)
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, key, desc))
	}
	rows = append(rows,
		"",
		helperStyle.Render("Tab / Shift+Tab switch projects • PgUp/PgDn scroll • Esc closes overlays"),
	)
	return helpBoxStyle.Render(strings.Join(rows, "\n"))
}

func joinNonEmpty(parts []string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		filtered = append(filtered, part)
	}
	return strings.Join(filtered, "\n\n")
}
