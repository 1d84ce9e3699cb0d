package main

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

var (
	successStyle  = lipgloss.NewStyle().Bold(true).Foreground(successColor)
	failureStyle  = lipgloss.NewStyle().Bold(true).Foreground(errorColor)
	errorKind     = lipgloss.NewStyle().Foreground(errorColor)
	warningKind   = lipgloss.NewStyle().Foreground(warningColor)
	locationStyle = lipgloss.NewStyle().Foreground(mutedColor)
	labelStyle    = lipgloss.NewStyle().Foreground(mutedColor).Width(11)
)
