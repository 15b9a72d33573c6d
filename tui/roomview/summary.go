// Package roomview renders a joined collaboration room: the session phase,
// the workflow being edited and who else is in the room.
package roomview

import (
	"sort"

	"github.com/grovetools/collab/pkg/editor"
	"github.com/grovetools/collab/pkg/session"
)

// Summary is a point-in-time view of an editor's room.
type Summary struct {
	Topic       string        `json:"topic"`
	Phase       session.Phase `json:"phase"`
	Connected   bool          `json:"connected"`
	Synced      bool          `json:"synced"`
	ReadOnly    bool          `json:"read_only"`
	Workflow    string        `json:"workflow,omitempty"`
	LockVersion *int          `json:"lock_version,omitempty"`
	Jobs        int           `json:"jobs"`
	Errors      []string      `json:"errors,omitempty"`
	Present     []Member      `json:"present"`
}

// Member is one remote collaborator.
type Member struct {
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Active   bool   `json:"active"`
}

// Summarize reads the current state of ed.
func Summarize(ed *editor.Editor) Summary {
	st := ed.SessionSnapshot()
	s := Summary{
		Topic:     st.RoomID,
		Phase:     st.Phase,
		Connected: st.IsConnected,
		Synced:    st.IsSynced,
		ReadOnly:  ed.ReadOnly(),
		Present:   []Member{},
	}
	wf := ed.Workflow.Snapshot()
	if wf.Workflow != nil {
		s.Workflow = wf.Workflow.Name
		s.LockVersion = wf.Workflow.LockVersion
	}
	s.Jobs = len(wf.Jobs)
	s.Errors = wf.Errors.Paths()
	for _, u := range ed.AwarenessList() {
		s.Present = append(s.Present, Member{Name: u.User.Name, Initials: u.Initials(), Active: u.IsActive})
	}
	sort.Slice(s.Present, func(i, j int) bool { return s.Present[i].Name < s.Present[j].Name })
	return s
}
