package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/usedrescue/journal"
)

// TableModel shows a partition table snapshot with its health verdict.
type TableModel struct {
	data     *journal.Table
	table    table.Model
	quitting bool
}

// NewTableModel creates a table model. Rows are empty when data is nil.
func NewTableModel(data *journal.Table) TableModel {
	cols := []table.Column{
		{Title: "#", Width: 4},
		{Title: "Role", Width: 4},
		{Title: "Type", Width: 14},
		{Title: "Start", Width: 12},
		{Title: "End", Width: 12},
		{Title: "Size", Width: 12},
		{Title: "Id", Width: 4},
		{Title: "Label", Width: 16},
	}
	var rows []table.Row
	if data != nil {
		for _, e := range data.Entries {
			number := "-"
			if e.Number >= 0 {
				number = fmt.Sprintf("%d", e.Number)
			}
			rows = append(rows, table.Row{
				number,
				string(rune(e.Role)),
				e.Type,
				fmt.Sprintf("%d", e.Start),
				fmt.Sprintf("%d", e.End),
				fmt.Sprintf("%d", e.Size),
				fmt.Sprintf("%02X", e.ID),
				e.Label,
			})
		}
	}

	height := min(max(len(rows), 1), 16)
	t := table.New(
		table.WithColumns(cols),
		table.WithRows(rows),
		table.WithFocused(true),
		table.WithHeight(height),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("#FFFFFF")).Background(primaryColor)
	t.SetStyles(s)

	return TableModel{data: data, table: t}
}

// Init implements tea.Model.
func (m TableModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m TableModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok && key.Matches(msg, keys.Quit) {
		m.quitting = true
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m TableModel) View() string {
	if m.quitting {
		return ""
	}
	if m.data == nil {
		return "Invalid data type for ptable_table"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Partition Table " + m.data.Source))
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n\n")

	if len(m.data.Reasons) == 0 {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Health:"), SuccessStyle.Render("healthy"))
	} else {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Health:"), ErrorStyle.Render("unhealthy"))
		for _, r := range m.data.Reasons {
			fmt.Fprintf(&b, "  %s\n", ErrorStyle.Render(r))
		}
	}
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Unaccounted:"),
		ValueStyle.Render(fmt.Sprintf("%d sectors", m.data.Unaccounted)))

	return BoxStyle.Render(b.String()) + "\n" +
		HelpStyle.Render("↑/↓ to scroll. Press q or Ctrl+C to quit")
}

// RunTableTUI runs the partition table TUI.
func RunTableTUI(data any) error {
	t, _ := data.(*journal.Table)
	p := tea.NewProgram(NewTableModel(t), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
