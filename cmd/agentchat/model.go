package main

import (
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type uiTheme struct {
	header   lipgloss.Style
	user     lipgloss.Style
	agent    lipgloss.Style
	info     lipgloss.Style
	errText  lipgloss.Style
	footer   lipgloss.Style
	statusOK lipgloss.Style
	statusNo lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		user:     lipgloss.NewStyle().Foreground(blue).Bold(true),
		agent:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		info:     lipgloss.NewStyle().Foreground(muted),
		errText:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		footer:   lipgloss.NewStyle().Foreground(muted),
		statusOK: lipgloss.NewStyle().Foreground(mint).Bold(true),
		statusNo: lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

type model struct {
	client  *client
	inbound chan tea.Msg
	server  string

	t       transcript
	lastErr error
	closed  bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
	theme    uiTheme
}

func newModel(c *client, inbound chan tea.Msg, server string) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Message the agent, or /help"
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return model{
		client:   c,
		inbound:  inbound,
		server:   server,
		input:    input,
		timeline: timeline,
		spinner:  sp,
		theme:    newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick, waitMsg(m.inbound))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case eventMsg:
		m.t.apply(msg.ev)
		m.renderTimeline()
		cmds = append(cmds, waitMsg(m.inbound))

	case disconnectedMsg:
		m.closed = true
		m.lastErr = msg.err
		if msg.err != nil {
			m.t.add(entryError, "Disconnected: "+msg.err.Error())
		} else {
			m.t.add(entryInfo, "Disconnected.")
		}
		m.renderTimeline()

	case sendErrMsg:
		m.t.add(entryError, "Send failed: "+msg.err.Error())
		m.renderTimeline()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.t.streaming {
			m.renderTimeline()
		}
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.timeline, cmd = m.timeline.Update(msg)
			return m, cmd
		case "enter":
			return m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.Reset()

	cmd, err := parseInput(line)
	if err != nil {
		m.t.add(entryError, err.Error())
		m.renderTimeline()
		return m, nil
	}
	switch cmd.local {
	case localQuit:
		return m, tea.Quit
	case localHelp:
		m.t.add(entryInfo, helpText)
		m.renderTimeline()
		return m, nil
	}
	if cmd.msg == nil {
		return m, nil
	}
	if m.closed {
		m.t.add(entryError, "Not connected.")
		m.renderTimeline()
		return m, nil
	}
	return m, m.client.sendCmd(*cmd.msg)
}

func (m *model) resize() {
	headerHeight := 3
	footerHeight := 2
	m.timeline.Width = m.width
	m.timeline.Height = max(1, m.height-headerHeight-footerHeight)
	m.input.Width = max(10, m.width-4)
}

func (m *model) renderTimeline() {
	width := max(20, m.timeline.Width)
	wrap := lipgloss.NewStyle().Width(width)

	var b strings.Builder
	for _, e := range m.t.entries {
		b.WriteString(wrap.Render(m.renderEntry(e)))
		b.WriteString("\n\n")
	}
	if m.t.streaming {
		b.WriteString(wrap.Render(m.theme.agent.Render("agent ") + m.spinner.View() + "\n" + m.t.partial))
		b.WriteString("\n")
	}

	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(b.String())
	if atBottom || m.t.streaming {
		m.timeline.GotoBottom()
	}
}

func (m model) renderEntry(e entry) string {
	switch e.kind {
	case entryUser:
		return m.theme.user.Render("you") + "\n" + e.text
	case entryAgent:
		return m.theme.agent.Render("agent") + "\n" + e.text
	case entryError:
		return m.theme.errText.Render(e.text)
	}
	return m.theme.info.Render(e.text)
}

func (m model) View() string {
	status := m.theme.statusNo.Render(orDefault(m.t.authStatus, "connecting"))
	if m.t.authStatus == "authenticated" {
		status = m.theme.statusOK.Render(m.t.authStatus)
	}
	busy := ""
	if m.t.processing {
		busy = "  " + m.spinner.View() + " working"
	}
	header := m.theme.header.Render(m.server + "  ·  " + status + "  ·  model " + displayModel(m.t.model) + busy)
	footer := m.theme.footer.Render("enter send · /help commands · pgup/pgdown scroll · ctrl+c quit")
	return lipgloss.JoinVertical(lipgloss.Left, header, m.timeline.View(), m.input.View(), footer)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
