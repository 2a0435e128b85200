package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/usedrescue/btrace"
)

// StatsModel is a Bubble Tea model for stats views.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a new stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "stats_trace":
		content = m.renderTrace()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderTrace() string {
	data, ok := m.data.(*btrace.Stats)
	if !ok {
		return "Invalid data type for stats_trace"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Trace Statistics"))
	b.WriteString("\n\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Lines", data.Lines, highlightColor),
		m.renderStatBox("Malformed", data.Malformed, warningColor),
		m.renderStatBox("Read Sectors", data.ReadSectors, successColor),
		m.renderStatBox("Write Sectors", data.WriteSectors, errorColor),
	))
	b.WriteString("\n")

	a, r := data.Actions, data.RWBS
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		m.renderStatBox("Queued", a.Queue, highlightColor),
		m.renderStatBox("Issued", a.Issue, highlightColor),
		m.renderStatBox("Completed", a.Complete, successColor),
		m.renderStatBox("Flush/FUA", r.Flush+r.FUA, warningColor),
	))

	for _, group := range []struct {
		title string
		m     map[string]uint64
		style lipgloss.Style
	}{
		{"Commands", data.Commands, ValueStyle},
		{"Errors", data.Errors, ErrorStyle},
	} {
		if len(group.m) == 0 {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(highlightColor).Render(group.title))
		b.WriteString("\n")
		for _, k := range slices.Sorted(maps.Keys(group.m)) {
			fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(k), group.style.Render(fmt.Sprintf("%d", group.m[k])))
		}
	}

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value uint64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without full TUI (for fallback).
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
