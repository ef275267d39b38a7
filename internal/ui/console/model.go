package console

import (
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	// userWidth is the width of the roster pane and of the sender column.
	userWidth = 16

	timeFormat = "15:04:05"
	// footerHeight covers the divider and the input line.
	footerHeight = 2
)

var (
	inputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	ruleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// model is the bubbletea side of a UI. All state shared with draw callers
// lives in the UI and is read through snapshots.
type model struct {
	ui       *UI
	input    textinput.Model
	output   viewport.Model
	width    int
	height   int
	tagWidth int
}

func newModel(ui *UI) *model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.PromptStyle = inputStyle
	ti.TextStyle = inputStyle
	ti.Focus()

	tagWidth := 0
	for _, sym := range tagSymbols {
		tagWidth = max(tagWidth, len(sym))
	}

	m := &model{
		ui:       ui,
		input:    ti,
		output:   viewport.New(80, 20),
		tagWidth: tagWidth,
	}
	m.resize(80, 24)
	return m
}

func (m *model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEnter:
			text := m.input.Value()
			m.input.Reset()
			m.ui.input.HandleInput(text)
			return m, nil
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case redrawMsg:
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) resize(width, height int) {
	m.width = max(width, userWidth+4)
	m.height = max(height, footerHeight+1)
	m.output.Width = m.outputWidth()
	m.output.Height = m.height - footerHeight
	m.input.Width = max(1, m.width-len(m.input.Prompt)-1)
	m.refresh()
}

func (m *model) outputWidth() int {
	// One blank column and the separator sit between output and roster.
	return m.width - userWidth - 2
}

// refresh re-renders the output pane, following the tail unless the user
// has scrolled up.
func (m *model) refresh() {
	follow := m.output.AtBottom()
	lines, _ := m.ui.snapshot()
	rendered := make([]string, 0, len(lines))
	for _, l := range lines {
		rendered = append(rendered, m.renderLine(l))
	}
	m.output.SetContent(strings.Join(rendered, "\n"))
	if follow {
		m.output.GotoBottom()
	}
}

func (m *model) renderLine(l line) string {
	prefix := lipgloss.NewStyle().Width(userWidth).Align(lipgloss.Right)
	if l.slot >= 0 {
		prefix = prefix.Foreground(userPalette[l.slot])
	}
	head := strings.Join([]string{
		l.at.Format(timeFormat),
		padRight(tagSymbols[l.tag], m.tagWidth),
		prefix.Render(truncate(l.prefix, userWidth)),
		"│",
	}, " ") + " "
	indent := strings.Repeat(" ", lipgloss.Width(head)-2) + "│ "

	textWidth := max(1, m.outputWidth()-lipgloss.Width(head))
	body := lipgloss.NewStyle().Width(textWidth).Render(strings.TrimRight(l.text, "\n"))

	var b strings.Builder
	for i, row := range strings.Split(body, "\n") {
		if i == 0 {
			b.WriteString(head)
		} else {
			b.WriteString("\n")
			b.WriteString(indent)
		}
		b.WriteString(strings.TrimRight(row, " "))
	}
	return b.String()
}

func (m *model) renderRoster() string {
	_, colors := m.ui.snapshot()
	entries := m.ui.dir.Entries()

	rows := make([]string, 0, m.output.Height)
	for _, e := range entries {
		if len(rows) == m.output.Height {
			break
		}
		style := lipgloss.NewStyle()
		if slot, ok := colors[e.ID]; ok {
			style = style.Foreground(userPalette[slot])
		}
		rows = append(rows, style.Render(truncate(e.Display, userWidth)))
	}
	return lipgloss.NewStyle().
		Width(userWidth).
		Height(m.output.Height).
		Render(strings.Join(rows, "\n"))
}

func (m *model) View() string {
	output := lipgloss.NewStyle().
		Width(m.outputWidth()).
		Height(m.output.Height).
		Render(m.output.View())
	sep := ruleStyle.Render(strings.TrimRight(strings.Repeat("│\n", m.output.Height), "\n"))
	body := lipgloss.JoinHorizontal(lipgloss.Top, output, " ", sep, m.renderRoster())

	rule := ruleStyle.Render(strings.Repeat("─", m.width))
	return lipgloss.JoinVertical(lipgloss.Left, body, rule, m.input.View())
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 1 {
		return string(r[:width])
	}
	return string(r[:width-1]) + "…"
}

func padRight(s string, width int) string {
	if n := width - len([]rune(s)); n > 0 {
		return s + strings.Repeat(" ", n)
	}
	return s
}
