package tui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/usedrescue/extent"
	"github.com/pithecene-io/usedrescue/iox"
	"github.com/pithecene-io/usedrescue/rescuelog"
)

// DefaultRefresh is how often the live map re-reads its log.
const DefaultRefresh = time.Second

const (
	mapWidth = 64
	mapRows  = 8
)

// mapOrder lists statuses from least to most severe. A map cell covering
// several statuses shows the most severe one.
var mapOrder = []extent.Status{
	extent.Finished,
	extent.NonTried,
	extent.NonTrimmed,
	extent.NonSplit,
	extent.BadSector,
}

func severity(s extent.Status) int {
	for i, o := range mapOrder {
		if o == s {
			return i
		}
	}
	return 0
}

// RenderMap draws l as rows of cells, each covering an equal share of the
// logged range.
func RenderMap(l *rescuelog.Log, width, rows int) string {
	end := l.End()
	cells := width * rows
	if end == 0 || cells <= 0 {
		return HelpStyle.Render("(empty log)")
	}

	statuses := make([]extent.Status, cells)
	ri := 0
	for i := range cells {
		lo := end * int64(i) / int64(cells)
		hi := end * int64(i+1) / int64(cells)
		if hi <= lo {
			hi = lo + 1
		}
		for ri < len(l.Records) && l.Records[ri].Pos+l.Records[ri].Size <= lo {
			ri++
		}
		worst := extent.Finished
		for j := ri; j < len(l.Records) && l.Records[j].Pos < hi; j++ {
			if severity(l.Records[j].Status) > severity(worst) {
				worst = l.Records[j].Status
			}
		}
		statuses[i] = worst
	}

	var b strings.Builder
	for r := range rows {
		row := statuses[r*width : (r+1)*width]
		for i := 0; i < len(row); {
			j := i
			for j < len(row) && row[j] == row[i] {
				j++
			}
			b.WriteString(lipgloss.NewStyle().Foreground(statusColor(row[i])).Render(strings.Repeat("█", j-i)))
			i = j
		}
		if r < rows-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// renderTotals lists bytes per status with the share of the logged range.
func renderTotals(l *rescuelog.Log) string {
	totals := l.Totals()
	end := l.End()
	var b strings.Builder
	for i := len(mapOrder) - 1; i >= 0; i-- {
		s := mapOrder[i]
		pct := 0.0
		if end > 0 {
			pct = 100 * float64(totals[s]) / float64(end)
		}
		swatch := lipgloss.NewStyle().Foreground(statusColor(s)).Render("█")
		fmt.Fprintf(&b, "%s %s %s\n", swatch,
			LabelStyle.Render(s.Name()+":"),
			ValueStyle.Render(fmt.Sprintf("%s (%.2f%%)", formatBytes(totals[s]), pct)))
	}
	return b.String()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// finishedRatio is the finished share of the logged range.
func finishedRatio(l *rescuelog.Log) float64 {
	end := l.End()
	if end == 0 {
		return 0
	}
	return float64(l.Totals()[extent.Finished]) / float64(end)
}

// logSummary renders header, map and totals of a parsed log.
func logSummary(title string, l *rescuelog.Log, bar progress.Model) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render(title))
	b.WriteString("\n")

	rows := [][]string{
		{"Creator", l.Creator},
		{"Phase", l.Magic},
		{"Command", l.Command},
		{"Position", fmt.Sprintf("0x%X", l.CurrentPos)},
		{"Range", formatBytes(l.End())},
	}
	for _, row := range rows {
		if row[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}
	b.WriteString("\n")
	b.WriteString(RenderMap(l, mapWidth, mapRows))
	b.WriteString("\n\n")
	b.WriteString(bar.ViewAs(finishedRatio(l)))
	b.WriteString("\n\n")
	b.WriteString(renderTotals(l))
	return BoxStyle.Render(b.String())
}

type tickMsg time.Time

type loadedMsg struct {
	log *rescuelog.Log
	err error
}

// MapModel is a live rescue map that re-reads a log on every tick.
type MapModel struct {
	path     string
	interval time.Duration
	bar      progress.Model
	log      *rescuelog.Log
	err      error
	loads    int
	quitting bool
}

// NewMapModel creates a live map for the log at path.
func NewMapModel(path string, interval time.Duration) MapModel {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	return MapModel{
		path:     path,
		interval: interval,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(mapWidth)),
	}
}

// Init implements tea.Model.
func (m MapModel) Init() tea.Cmd {
	return m.load
}

func (m MapModel) load() tea.Msg {
	l, err := loadLog(m.path)
	return loadedMsg{log: l, err: err}
}

func (m MapModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m MapModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		return m, m.load
	case loadedMsg:
		m.loads++
		// A log being rewritten can read short; keep the last good one.
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.log, m.err = msg.log, nil
		}
		return m, m.tick()
	}
	return m, nil
}

// View implements tea.Model.
func (m MapModel) View() string {
	if m.quitting {
		return ""
	}
	var content string
	switch {
	case m.log != nil:
		content = logSummary("Rescue Map "+m.path, m.log, m.bar)
	case m.err != nil:
		content = ErrorStyle.Render(m.err.Error())
	default:
		content = HelpStyle.Render("reading " + m.path)
	}
	if m.err != nil && m.log != nil {
		content += "\n" + WarningStyle.Render("last read failed: "+m.err.Error())
	}
	return content + "\n" + HelpStyle.Render(fmt.Sprintf("Refresh every %s. Press q or Ctrl+C to quit", m.interval))
}

func loadLog(path string) (*rescuelog.Log, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(f)
	return rescuelog.Parse(f)
}

// RunMap runs the live map for the log at path until the user quits.
func RunMap(path string, interval time.Duration) error {
	p := tea.NewProgram(NewMapModel(path, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
