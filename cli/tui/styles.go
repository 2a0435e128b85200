// Package tui provides Bubble Tea views for the usedrescue CLI.
//
// Views are opt-in (--tui) and read-only. They render the same payloads
// the json, yaml and table formats print; the live rescue map re-reads
// the imaging log on a timer and never writes.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/types"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	// TitleStyle for headers and titles.
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	// LabelStyle for field labels.
	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	// ValueStyle for field values.
	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(successColor)

	WarningStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(errorColor)

	// BoxStyle for bordered containers.
	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	// StatBoxStyle for stat display boxes.
	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlightColor).
			Padding(0, 2).
			Width(20).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	StatValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Align(lipgloss.Center)
)

// OutcomeStyle returns a style for a recovery outcome status.
func OutcomeStyle(status types.OutcomeStatus) lipgloss.Style {
	switch status {
	case types.OutcomeCompleted:
		return SuccessStyle
	case types.OutcomeInterrupted:
		return WarningStyle
	case types.OutcomeToolFailure, types.OutcomeInvalid, types.OutcomeInconsistent:
		return ErrorStyle
	default:
		return ValueStyle
	}
}

// statusColor is the rescue map color of a block status.
func statusColor(s extent.Status) lipgloss.Color {
	switch s {
	case extent.Finished:
		return successColor
	case extent.NonTrimmed:
		return warningColor
	case extent.NonSplit:
		return highlightColor
	case extent.BadSector:
		return errorColor
	default:
		return mutedColor
	}
}
