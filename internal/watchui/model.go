// Package watchui renders published device state in the terminal.
package watchui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/plexsphere/devlink/internal/linkstate"
)

// Stream yields published states in order. Next blocks until a state
// arrives or the stream fails.
type Stream interface {
	Next() (linkstate.State, error)
}

type stateMsg linkstate.State

type streamErrMsg struct{ err error }

// Styles for the watcher.
type Styles struct {
	Title     lipgloss.Style
	Label     lipgloss.Style
	Connected lipgloss.Style
	Offline   lipgloss.Style
	Busy      lipgloss.Style
	Error     lipgloss.Style
	Help      lipgloss.Style
}

// DefaultStyles returns the default color scheme.
func DefaultStyles() Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#bd93f9")),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4")).Width(12),
		Connected: lipgloss.NewStyle().Foreground(lipgloss.Color("#50fa7b")).Bold(true),
		Offline:   lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555")).Bold(true),
		Busy:      lipgloss.NewStyle().Foreground(lipgloss.Color("#f1fa8c")),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555")),
		Help:      lipgloss.NewStyle().Foreground(lipgloss.Color("#44475a")),
	}
}

// Model is the Bubble Tea model of the watcher.
type Model struct {
	title   string
	stream  Stream
	styles  Styles
	spinner spinner.Model

	state    linkstate.State
	received bool
	updates  int
	lastSeen time.Time
	err      error
	now      func() time.Time
}

// New creates a watcher model reading from stream.
func New(title string, stream Stream) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	styles := DefaultStyles()
	sp.Style = styles.Busy
	return Model{
		title:   title,
		stream:  stream,
		styles:  styles,
		spinner: sp,
		now:     time.Now,
	}
}

// State returns the last state received.
func (m Model) State() linkstate.State { return m.state }

// Err returns the error that ended the stream, if any.
func (m Model) Err() error { return m.err }

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, nextStateCmd(m.stream))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case stateMsg:
		m.state = linkstate.State(msg)
		m.received = true
		m.updates++
		m.lastSeen = m.now()
		return m, nextStateCmd(m.stream)

	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.styles.Title.Render(m.title))
	b.WriteString("\n\n")

	if !m.received {
		b.WriteString(m.spinner.View() + " waiting for state...\n")
		return b.String()
	}

	s := m.state
	link := m.styles.Offline.Render("disconnected")
	if s.Connected {
		link = m.styles.Connected.Render("connected")
	}
	ready := "no"
	if s.Ready {
		ready = "yes"
	}
	phase := s.Phase.String()
	if s.Phase != linkstate.PhaseIdle {
		phase = m.spinner.View() + " " + m.styles.Busy.Render(phase)
	}

	row := func(label, value string) {
		b.WriteString(m.styles.Label.Render(label) + value + "\n")
	}
	row("link", link)
	row("ready", ready)
	row("phase", phase)
	if !s.LastAppliedAt.IsZero() {
		row("source", fmt.Sprintf("%s at %s", s.LastAppliedSource, s.LastAppliedAt.Local().Format("15:04:05")))
	}
	if s.Err != "" {
		row("error", m.styles.Error.Render(s.Err))
	}
	row("updates", fmt.Sprintf("%d (last %s)", m.updates, m.lastSeen.Format("15:04:05")))

	if m.err != nil {
		b.WriteString("\n" + m.styles.Error.Render("stream closed: "+m.err.Error()) + "\n")
	}
	b.WriteString("\n" + m.styles.Help.Render("q: quit") + "\n")
	return b.String()
}

func nextStateCmd(stream Stream) tea.Cmd {
	return func() tea.Msg {
		s, err := stream.Next()
		if err != nil {
			return streamErrMsg{err: err}
		}
		return stateMsg(s)
	}
}

// Run starts the watcher and blocks until the user quits, the stream ends
// or ctx is cancelled. The returned error is the stream's, if it ended.
func Run(ctx context.Context, title string, stream Stream) error {
	p := tea.NewProgram(New(title, stream), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
