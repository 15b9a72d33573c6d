package roomview

import (
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles key presses and room changes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case SummaryMsg:
		m.summary = Summary(msg)
		return m, nil

	case StatusMsg:
		m.saving = false
		m.status = msg
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
			return m, nil
		case key.Matches(msg, m.keys.Save):
			if m.saving || m.summary.ReadOnly {
				return m, nil
			}
			m.saving = true
			m.status = StatusMsg{Text: "Saving..."}
			return m, m.runSave()
		}
	}
	return m, nil
}

func (m Model) runSave() tea.Cmd {
	save := m.save
	return func() tea.Msg {
		if err := save(); err != nil {
			return StatusMsg{Err: err}
		}
		return StatusMsg{Text: "Saved"}
	}
}
