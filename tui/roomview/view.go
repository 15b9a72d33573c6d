package roomview

import (
	"fmt"
	"strings"

	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/pkg/session"
)

// View renders the room.
func (m Model) View() string {
	t := cli.DefaultTheme
	s := m.summary
	var b strings.Builder

	b.WriteString(t.Title.Render(s.Topic))
	b.WriteString("\n")

	phase := string(s.Phase)
	switch {
	case s.Synced:
		b.WriteString(t.Success.Render("● " + phase))
	case s.Phase == session.PhaseDisconnected || s.Phase == session.PhaseReconnecting:
		b.WriteString(m.spinner.View() + " " + t.Warning.Render(phase))
	default:
		b.WriteString(m.spinner.View() + " " + t.Muted.Render(phase))
	}
	if s.ReadOnly {
		b.WriteString("  " + t.Warning.Render("read-only"))
	}
	b.WriteString("\n\n")

	b.WriteString(t.Section.Render("Workflow"))
	b.WriteString("\n")
	name := s.Workflow
	if name == "" {
		name = t.Muted.Render("(loading)")
	}
	line := "  " + name
	if s.LockVersion != nil {
		line += t.Muted.Render(fmt.Sprintf("  v%d", *s.LockVersion))
	}
	b.WriteString(line + "\n")
	b.WriteString(fmt.Sprintf("  %d job(s)\n", s.Jobs))
	for _, path := range s.Errors {
		b.WriteString("  " + t.Error.Render("✗ "+path) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(t.Section.Render(fmt.Sprintf("In the room (%d)", len(s.Present))))
	b.WriteString("\n")
	if len(s.Present) == 0 {
		b.WriteString("  " + t.Muted.Render("nobody else yet") + "\n")
	}
	for _, p := range s.Present {
		if p.Active {
			b.WriteString("  " + t.Success.Bold(true).Render(p.Initials) + " " + p.Name + "\n")
		} else {
			b.WriteString("  " + t.Muted.Render(p.Initials+" "+p.Name+" (idle)") + "\n")
		}
	}

	if m.status.Err != nil {
		b.WriteString("\n" + t.Error.Render(m.status.Err.Error()) + "\n")
	} else if m.status.Text != "" {
		b.WriteString("\n" + t.Muted.Render(m.status.Text) + "\n")
	}

	b.WriteString("\n" + m.help.View(m.keys))
	return b.String()
}
