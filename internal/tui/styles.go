package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/csheth/kbchat/internal/api"
)

var (
	accentColor    = lipgloss.Color("#ff8c00")
	accentDimColor = lipgloss.Color("#ffb347")
	panelColor     = lipgloss.Color("#56526e")

	titleStyle          = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	taglineStyle        = lipgloss.NewStyle().Foreground(accentDimColor).Italic(true)
	sectionHeaderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	errorStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helperStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("147"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(accentColor)
	citationStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	listItemStyle       = lipgloss.NewStyle()
	selectedItemStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#8ecae6"))
	statusBarStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#8ecae6")).Padding(0, 1)
	badgeOnStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#a3be8c")).Padding(0, 1)
	badgeOffStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0def4")).Background(lipgloss.Color("#393552")).Padding(0, 1)
	badgeWarnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#ffd166")).Padding(0, 1)
	badgeErrorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#fff4d0")).Background(lipgloss.Color("#bf616a")).Padding(0, 1)
	keyStyle            = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#0f0f0f")).Background(lipgloss.Color("#ffd166")).Padding(0, 1)
	keyDescStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0def4"))
	sidebarStyle        = lipgloss.NewStyle().Border(lipgloss.RoundedBorder(), false, true, false, false).BorderForeground(panelColor).PaddingRight(1)
	loginBoxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accentColor).Padding(1, 2)
	helpBoxStyle        = lipgloss.NewStyle().Border(lipgloss.DoubleBorder()).BorderForeground(lipgloss.Color("#7f5af0")).Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case api.ProjectReady:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#a3be8c"))
	case api.ProjectProcessing, api.DocumentChunking:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166"))
	case api.DocumentFailed:
		return errorStyle
	default:
		return helperStyle
	}
}
