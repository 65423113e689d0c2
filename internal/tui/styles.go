package tui

import "github.com/charmbracelet/lipgloss"

const (
	colorAccent = "39"
	colorMuted  = "245"
	colorOK     = "42"
	colorWarn   = "214"
	colorError  = "196"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(colorAccent))
	stepStyle     = lipgloss.NewStyle().Bold(true)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	focusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)).Italic(true)
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError))
	senderStyle   = lipgloss.NewStyle().Bold(true)
	timeStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted))
	malformedLine = lipgloss.NewStyle().Foreground(lipgloss.Color(colorError))

	noticeStyles = map[string]lipgloss.Style{
		"info":    lipgloss.NewStyle().Foreground(lipgloss.Color(colorAccent)),
		"success": lipgloss.NewStyle().Foreground(lipgloss.Color(colorOK)),
		"error":   lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarn)).Bold(true),
	}

	stateStyles = map[string]lipgloss.Style{
		"connecting": lipgloss.NewStyle().Foreground(lipgloss.Color(colorWarn)),
		"open":       lipgloss.NewStyle().Foreground(lipgloss.Color(colorOK)),
		"closed":     lipgloss.NewStyle().Foreground(lipgloss.Color(colorMuted)),
	}
)
