package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	bar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bitrise-io/go-mediaupload/progress"
	"github.com/bitrise-io/go-mediaupload/transport"
)

var quitKeys = key.NewBinding(
	key.WithKeys("q", "ctrl+c"),
	key.WithHelp("q", "quit"),
)

// ProgressMsg carries a progress callback of one upload.
type ProgressMsg struct {
	Name   string
	Status progress.Status
}

// DoneMsg reports a completed upload.
type DoneMsg struct {
	Name   string
	Result transport.Result
}

// ErrorMsg reports a failed upload.
type ErrorMsg struct {
	Name string
	Err  error
}

type row struct {
	name   string
	status progress.Status
	result *transport.Result
	err    error
}

func (r row) finished() bool {
	return r.result != nil || r.err != nil
}

// Model shows one progress bar per upload and quits once every upload finished.
type Model struct {
	rows     []row
	index    map[string]int
	bar      bar.Model
	quitting bool
	// Interrupted is set when the user quit before every upload finished.
	Interrupted bool
}

// New creates a model for the given upload names, in display order.
func New(names []string) Model {
	m := Model{
		index: make(map[string]int, len(names)),
		bar:   bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
	}
	for i, name := range names {
		m.index[name] = i
		m.rows = append(m.rows, row{name: name})
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, quitKeys) {
			m.quitting = true
			m.Interrupted = !m.allFinished()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		width := msg.Width - nameStyle.GetWidth() - 10
		if width > 60 {
			width = 60
		}
		if width > 10 {
			m.bar.Width = width
		}
	case ProgressMsg:
		if i, ok := m.index[msg.Name]; ok {
			m.rows[i].status = msg.Status
		}
	case DoneMsg:
		if i, ok := m.index[msg.Name]; ok {
			result := msg.Result
			m.rows[i].result = &result
			m.rows[i].status.Percent = 100
		}
	case ErrorMsg:
		if i, ok := m.index[msg.Name]; ok {
			m.rows[i].err = msg.Err
		}
	}

	if m.allFinished() {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) allFinished() bool {
	for _, r := range m.rows {
		if !r.finished() {
			return false
		}
	}
	return true
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Uploading %d file(s)", len(m.rows))))
	b.WriteString("\n")

	for _, r := range m.rows {
		b.WriteString(nameStyle.Render(r.name))
		b.WriteString(" ")
		b.WriteString(m.bar.ViewAs(float64(r.status.Percent) / 100))
		b.WriteString(" ")
		switch {
		case r.err != nil:
			b.WriteString(errorStyle.Render(r.err.Error()))
		case r.result != nil:
			b.WriteString(successStyle.Render(r.result.MediaURL))
		default:
			b.WriteString(messageStyle.Render(r.status.Message))
		}
		b.WriteString("\n")
	}

	if !m.quitting {
		b.WriteString(helpStyle.Render("Press q or Ctrl+C to quit"))
	}
	return b.String()
}
