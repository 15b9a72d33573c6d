package workflow

import (
	"reflect"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/crdt"
)

// Projection is the typed view of the workflow containers.
type Projection struct {
	Workflow  *Workflow
	Jobs      []Job
	Triggers  []Trigger
	Edges     []Edge
	Positions map[string]Position
}

// Project reads every workflow container of doc. Entities that fail to
// decode are skipped and reported in the returned error; the rest of the
// projection is still usable.
func Project(doc *crdt.Doc) (Projection, error) {
	var p Projection
	var bad []string

	root := doc.Map(ContainerWorkflow)
	if root.Has("id") {
		var wf Workflow
		if err := root.Decode(&wf); err != nil {
			bad = append(bad, ContainerWorkflow)
		} else if wf.ID != "" {
			p.Workflow = &wf
		}
	}

	p.Jobs, bad = projectEntities(doc, ContainerJobs, bad, func(id string, j *Job) { j.ID = id })
	p.Triggers, bad = projectEntities(doc, ContainerTriggers, bad, func(id string, t *Trigger) { t.ID = id })
	p.Edges, bad = projectEntities(doc, ContainerEdges, bad, func(id string, e *Edge) { e.ID = id })

	positions := doc.Map(ContainerPositions)
	for _, id := range positions.Keys() {
		var pos Position
		if _, err := positions.GetInto(id, &pos); err != nil {
			bad = append(bad, ContainerPositions+"."+id)
			continue
		}
		if p.Positions == nil {
			p.Positions = make(map[string]Position)
		}
		p.Positions[id] = pos
	}

	if len(bad) > 0 {
		return p, errors.New(errors.ErrCodeDocumentDecode, "some workflow entities could not be decoded").
			WithDetail("paths", bad)
	}
	return p, nil
}

func projectEntities[T any](doc *crdt.Doc, container string, bad []string, setID func(string, *T)) ([]T, []string) {
	c := doc.Map(container)
	var out []T
	for _, id := range c.Keys() {
		m := c.Map(id)
		if !m.Exists() {
			// A plain value where an entity map belongs.
			bad = append(bad, container+"."+id)
			continue
		}
		var v T
		if err := m.Decode(&v); err != nil {
			bad = append(bad, container+"."+id)
			continue
		}
		setID(id, &v)
		out = append(out, v)
	}
	return out, bad
}

// stabilize returns prev when it is deeply equal to next so unchanged parts
// of the projection keep their identity across derivations.
func stabilize[T any](prev, next T) T {
	if reflect.DeepEqual(prev, next) {
		return prev
	}
	return next
}

func (p Projection) stableAgainst(prev State) Projection {
	if p.Workflow != nil && prev.Workflow != nil && reflect.DeepEqual(*p.Workflow, *prev.Workflow) {
		p.Workflow = prev.Workflow
	}
	p.Jobs = stabilize(prev.Jobs, p.Jobs)
	p.Triggers = stabilize(prev.Triggers, p.Triggers)
	p.Edges = stabilize(prev.Edges, p.Edges)
	p.Positions = stabilize(prev.Positions, p.Positions)
	return p
}
