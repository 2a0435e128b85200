package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/usedrescue/journal"
	"github.com/pithecene-io/usedrescue/ptable"
	"github.com/pithecene-io/usedrescue/rescuelog"
)

// InspectModel is a Bubble Tea model for inspect views.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_log":
		content = m.renderLog()
	case "inspect_backup":
		content = m.renderBackup()
	case "inspect_journal":
		content = m.renderJournal()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderLog() string {
	data, ok := m.data.(*rescuelog.Log)
	if !ok {
		return "Invalid data type for inspect_log"
	}
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(mapWidth))
	return logSummary("Rescue Log", data, bar)
}

func (m InspectModel) renderBackup() string {
	data, ok := m.data.([]ptable.Backup)
	if !ok {
		return "Invalid data type for inspect_backup"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Backup Trail"))
	b.WriteString("\n")
	if len(data) == 0 {
		b.WriteString(HelpStyle.Render("(no records)"))
		return BoxStyle.Render(b.String())
	}

	for i, rec := range data {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(highlightColor).
			Render(fmt.Sprintf("#%d %s", rec.Time.Unix(), rec.Tag)))
		b.WriteString("\n")
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Device:"), ValueStyle.Render(rec.Device))
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Sectors:"), ValueStyle.Render(fmt.Sprintf("%d", rec.Sectors)))
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Fingerprint:"), ValueStyle.Render(fmt.Sprintf("0x%08x", rec.Fingerprint)))
		for _, row := range rec.Rows {
			fmt.Fprintf(&b, "  %2d %c start=%10d size=%10d Id=%02X\n",
				row.Number, byte(row.Role), row.Start, row.Size, row.ID)
		}
	}

	return BoxStyle.Render(b.String())
}

func (m InspectModel) renderJournal() string {
	data, ok := m.data.([]journal.Record)
	if !ok {
		return "Invalid data type for inspect_journal"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Journal"))
	b.WriteString("\n")

	for _, rec := range data {
		label := LabelStyle.Render(fmt.Sprintf("%d %s", rec.Seq, rec.Type))
		var detail string
		switch rec.Type {
		case journal.TypeRunStart:
			detail = "start " + rec.Start
			if rec.Meta != nil {
				detail += " " + rec.Meta.Device + " -> " + rec.Meta.Image
			}
		case journal.TypeTransition:
			detail = fmt.Sprintf("%s -> %s (cycle %d)", rec.From, rec.To, rec.Cycle)
		case journal.TypeTable:
			if rec.Table != nil {
				detail = fmt.Sprintf("%s: %d entries", rec.Table.Source, len(rec.Table.Entries))
				if len(rec.Table.Reasons) > 0 {
					detail += ", " + strings.Join(rec.Table.Reasons, "; ")
				}
			}
		case journal.TypeClone:
			detail = fmt.Sprintf("%d partitions cloned", len(rec.Clone))
		case journal.TypeRunEnd:
			if rec.Outcome != nil {
				b.WriteString(fmt.Sprintf("%s %s\n", label,
					OutcomeStyle(rec.Outcome.Status).Render(fmt.Sprintf("%s in %s", rec.Outcome.Status, rec.Outcome.FinalState))))
				continue
			}
		}
		fmt.Fprintf(&b, "%s %s\n", label, ValueStyle.Render(detail))
	}

	return BoxStyle.Render(b.String())
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without full TUI (for fallback).
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
