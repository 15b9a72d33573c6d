package roomview

import (
	stderrors "errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/collab/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synced() Summary {
	lock := 2
	return Summary{
		Topic:       "workflow:collaborate:wf-1",
		Phase:       session.PhaseSynced,
		Connected:   true,
		Synced:      true,
		Workflow:    "Nightly sync",
		LockVersion: &lock,
		Jobs:        3,
		Present: []Member{
			{Name: "Ada Lovelace", Initials: "AL", Active: false},
			{Name: "Grace Hopper", Initials: "GH", Active: true},
		},
	}
}

func press(m Model, keys string) (Model, tea.Cmd) {
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(keys)})
	return next.(Model), cmd
}

func TestViewShowsRoom(t *testing.T) {
	m := New(Summary{Phase: session.PhaseConnecting, Present: []Member{}}, nil)
	view := m.View()
	assert.Contains(t, view, "connecting")
	assert.Contains(t, view, "(loading)")
	assert.Contains(t, view, "nobody else yet")

	next, _ := m.Update(SummaryMsg(synced()))
	view = next.View()
	assert.Contains(t, view, "synced")
	assert.Contains(t, view, "Nightly sync")
	assert.Contains(t, view, "v2")
	assert.Contains(t, view, "3 job(s)")
	assert.Contains(t, view, "In the room (2)")
	assert.Contains(t, view, "GH Grace Hopper")
	assert.Contains(t, view, "AL Ada Lovelace (idle)")
}

func TestQuitKeys(t *testing.T) {
	m := New(synced(), nil)

	_, cmd := press(m, "q")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestSaveKeyRunsSave(t *testing.T) {
	calls := 0
	m := New(synced(), func() error {
		calls++
		return nil
	})

	m, cmd := press(m, "s")
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "Saving...")

	// A second press while the first save is in flight is ignored.
	_, again := press(m, "s")
	assert.Nil(t, again)

	msg := cmd()
	assert.Equal(t, StatusMsg{Text: "Saved"}, msg)
	assert.Equal(t, 1, calls)

	next, _ := m.Update(msg)
	assert.Contains(t, next.View(), "Saved")
}

func TestSaveErrorIsShown(t *testing.T) {
	m := New(synced(), func() error { return stderrors.New("permission denied") })
	m, cmd := press(m, "s")
	next, _ := m.Update(cmd())
	assert.Contains(t, next.View(), "permission denied")
}

func TestSaveDisabled(t *testing.T) {
	_, cmd := press(New(synced(), nil), "s")
	assert.Nil(t, cmd)

	ro := synced()
	ro.ReadOnly = true
	m, cmd := press(New(ro, func() error { return nil }), "s")
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "read-only")
}

func TestHelpToggles(t *testing.T) {
	m := New(synced(), func() error { return nil })
	assert.False(t, m.help.ShowAll)
	m, _ = press(m, "?")
	assert.True(t, m.help.ShowAll)
	assert.Contains(t, m.View(), "save workflow")
}
