// Package tui is an interactive bubbletea board of running downloads.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/kilimcininkoroglu/kapi/internal/download"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	successStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	highlightStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

// Canceller is the part of the orchestrator the board drives.
type Canceller interface {
	Cancel(h download.Handle)
	CancelAll()
}

// EventMsg carries an orchestrator event into the program.
type EventMsg struct {
	Event download.Event
}

// Row is one task on the board.
type Row struct {
	Handle  download.Handle
	Name    string
	Status  download.Status
	Percent float64
	Current int64
	Total   int64
	Cause   string
}

// Model is the board state.
type Model struct {
	rows     []*Row
	index    map[download.Handle]*Row
	expected int // tasks the board waits for before quitting on its own
	selected int
	quitting bool
	aborted  bool

	canceller Canceller
	progress  progress.Model
	spinner   spinner.Model
	width     int
}

// NewModel creates a board expecting the given number of tasks.
func NewModel(c Canceller, expected int) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	return Model{
		index:     make(map[download.Handle]*Row),
		expected:  expected,
		canceller: c,
		progress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(30),
			progress.WithoutPercentage(),
		),
		spinner: s,
		width:   80,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.aborted = true
			if m.canceller != nil {
				m.canceller.CancelAll()
			}
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		case "x":
			if r := m.Selected(); r != nil && r.Status.IsActive() && m.canceller != nil {
				m.canceller.Cancel(r.Handle)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-50, 10), 40)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(msg.Event)
		if m.Done() {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *Model) apply(e download.Event) {
	r, ok := m.index[e.Handle]
	if !ok {
		name := e.Path
		if i := strings.LastIndexAny(name, `/\`); i >= 0 {
			name = name[i+1:]
		}
		r = &Row{Handle: e.Handle, Name: name}
		m.index[e.Handle] = r
		m.rows = append(m.rows, r)
	}
	if r.Status.IsTerminal() {
		return
	}

	r.Status = e.Status
	if e.Kind == download.EventProgress {
		r.Percent = e.Percent
		r.Current = e.Current
		r.Total = e.Total
	}
	if e.Terminal() {
		r.Cause = e.Cause
	}
}

// Done reports whether every expected task has finished.
func (m Model) Done() bool {
	if len(m.rows) < m.expected {
		return false
	}
	for _, r := range m.rows {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Aborted reports whether the user quit early.
func (m Model) Aborted() bool {
	return m.aborted
}

// Rows returns the board rows in arrival order.
func (m Model) Rows() []Row {
	rows := make([]Row, len(m.rows))
	for i, r := range m.rows {
		rows[i] = *r
	}
	return rows
}

// Selected returns the highlighted row, if any.
func (m Model) Selected() *Row {
	if m.selected < 0 || m.selected >= len(m.rows) {
		return nil
	}
	return m.rows[m.selected]
}

func (m Model) View() string {
	if m.quitting && m.aborted {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("kapi"))
	b.WriteString("\n")

	if len(m.rows) == 0 {
		b.WriteString(m.spinner.View() + " Waiting for downloads...\n")
	}
	for i, r := range m.rows {
		cursor := "  "
		if i == m.selected {
			cursor = highlightStyle.Render("> ")
		}
		b.WriteString(cursor + m.renderRow(r) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("↑/↓ select • x cancel • q cancel all and quit"))
	return b.String()
}

func (m Model) renderRow(r *Row) string {
	name := r.Name
	if len(name) > 24 {
		name = name[:21] + "..."
	}
	name = fmt.Sprintf("%-24s", name)

	switch r.Status {
	case download.StatusConnecting, "":
		return name + " " + m.spinner.View() + " connecting"
	case download.StatusDownloading:
		size := humanize.IBytes(uint64(max(r.Current, 0)))
		if r.Total > 0 {
			size += "/" + humanize.IBytes(uint64(r.Total))
		}
		return fmt.Sprintf("%s %s %s %s", name, m.progress.ViewAs(r.Percent/100),
			highlightStyle.Render(fmt.Sprintf("%5.1f%%", r.Percent)), dimStyle.Render(size))
	case download.StatusSuccess:
		return name + " " + successStyle.Render("✓ success")
	case download.StatusCancel:
		return name + " " + warningStyle.Render("○ cancelled")
	default:
		line := name + " " + errorStyle.Render("✗ "+string(r.Status))
		if r.Cause != "" {
			line += dimStyle.Render(" " + r.Cause)
		}
		return line
	}
}
