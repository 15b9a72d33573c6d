package roomview

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/grovetools/collab/cli"
)

// SummaryMsg replaces the rendered room state.
type SummaryMsg Summary

// StatusMsg reports the outcome of an action in the footer.
type StatusMsg struct {
	Text string
	Err  error
}

// Model is the bubbletea model behind an interactive join.
type Model struct {
	summary Summary
	status  StatusMsg
	save    func() error
	saving  bool

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	width   int
	height  int
}

// New creates a model showing initial. save runs when the save key is
// pressed; a nil save disables the binding.
func New(initial Summary, save func() error) Model {
	keys := DefaultKeyMap()
	keys.Save.SetEnabled(save != nil)

	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(cli.DefaultTheme.Warning))
	return Model{
		summary: initial,
		save:    save,
		keys:    keys,
		help:    help.New(),
		spinner: sp,
	}
}

// Summary returns the state currently on screen.
func (m Model) Summary() Summary {
	return m.summary
}

// Init starts the sync spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}
