package watchui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/plexsphere/devlink/internal/linkstate"
)

type scriptedStream struct {
	states []linkstate.State
	err    error
}

func (s *scriptedStream) Next() (linkstate.State, error) {
	if len(s.states) == 0 {
		return linkstate.State{}, s.err
	}
	st := s.states[0]
	s.states = s.states[1:]
	return st, nil
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return nm, cmd
}

func TestModel_WaitingView(t *testing.T) {
	m := New("speaker-kitchen", &scriptedStream{})
	if v := m.View(); !strings.Contains(v, "waiting for state") {
		t.Errorf("View() = %q, want waiting message", v)
	}
}

func TestModel_RendersState(t *testing.T) {
	stream := &scriptedStream{states: []linkstate.State{
		{Connected: true, Ready: true, Phase: linkstate.PhaseIdle},
	}}
	m := New("speaker-kitchen", stream)
	m.now = func() time.Time { return time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC) }

	msg := nextStateCmd(stream)()
	m, cmd := update(t, m, msg)
	if cmd == nil {
		t.Error("state message should schedule the next read")
	}
	if !m.State().Connected {
		t.Errorf("State() = %+v, want connected", m.State())
	}
	v := m.View()
	for _, want := range []string{"speaker-kitchen", "connected", "idle", "updates"} {
		if !strings.Contains(v, want) {
			t.Errorf("View() missing %q:\n%s", want, v)
		}
	}
}

func TestModel_ShowsPhaseAndError(t *testing.T) {
	m := New("dev", &scriptedStream{})
	m, _ = update(t, m, stateMsg(linkstate.State{Phase: linkstate.PhaseConnecting}))
	if v := m.View(); !strings.Contains(v, "connecting") || !strings.Contains(v, "disconnected") {
		t.Errorf("View() = %q, want connecting phase", v)
	}

	m, _ = update(t, m, stateMsg(linkstate.State{Err: "operation timed out"}))
	if v := m.View(); !strings.Contains(v, "operation timed out") {
		t.Errorf("View() = %q, want error text", v)
	}
}

func TestModel_StreamErrorQuits(t *testing.T) {
	streamErr := errors.New("websocket: close 1001")
	stream := &scriptedStream{err: streamErr}
	m := New("dev", stream)

	m, cmd := update(t, m, nextStateCmd(stream)())
	if !errors.Is(m.Err(), streamErr) {
		t.Errorf("Err() = %v, want %v", m.Err(), streamErr)
	}
	if cmd == nil {
		t.Fatal("stream error should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("stream error command is not tea.Quit")
	}
}

func TestModel_QuitKey(t *testing.T) {
	m := New("dev", &scriptedStream{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("q should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("q command is not tea.Quit")
	}

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if cmd != nil {
		t.Error("unbound key should do nothing")
	}
}
