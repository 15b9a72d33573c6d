package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/logging"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/grovetools/collab/pkg/store"
	"github.com/sirupsen/logrus"
)

// Origin tags document transactions made by this package.
const Origin = "workflow"

// EventSave asks the server to persist the workflow.
const EventSave = "save_workflow"

// Store derives workflow state from a document and writes edits back.
type Store struct {
	logger *logrus.Entry
	state  *store.Store[State]

	mu        sync.Mutex
	doc       *crdt.Doc
	unobserve func()
}

// NewStore creates a store with no document attached.
func NewStore() *Store {
	logger := logging.NewLogger("workflow")
	return &Store{
		logger: logger,
		state:  store.New(State{}, store.WithName("workflow"), store.WithLogger(logger)),
	}
}

// State exposes the underlying store for selectors.
func (s *Store) State() *store.Store[State] { return s.state }

// Snapshot returns the current projection.
func (s *Store) Snapshot() *State { return s.state.Snapshot() }

// Subscribe registers fn for published changes.
func (s *Store) Subscribe(fn func()) func() { return s.state.Subscribe(fn) }

// Attach derives from doc from now on. The previous document, if any, is
// detached; errors and the sync flag carry over.
func (s *Store) Attach(doc *crdt.Doc) {
	s.mu.Lock()
	if s.doc == doc {
		s.mu.Unlock()
		return
	}
	if s.unobserve != nil {
		s.unobserve()
	}
	s.doc = doc
	s.unobserve = doc.Observe(func(ev crdt.Event) {
		for _, c := range Containers {
			if ev.Touches(c) {
				s.derive(doc)
				return
			}
		}
	})
	s.mu.Unlock()

	s.derive(doc)
}

// Detach stops deriving and resets the store, errors included.
func (s *Store) Detach() {
	s.mu.Lock()
	if s.unobserve != nil {
		s.unobserve()
		s.unobserve = nil
	}
	s.doc = nil
	s.mu.Unlock()

	s.state.SetState(func(State) State { return State{} })
}

func (s *Store) document() (*crdt.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, errors.NoSession("edit the workflow")
	}
	return s.doc, nil
}

func (s *Store) derive(doc *crdt.Doc) {
	s.mu.Lock()
	current := s.doc == doc
	s.mu.Unlock()
	if !current {
		return
	}

	p, err := Project(doc)
	if err != nil {
		s.logger.WithError(err).Warn("Partial workflow projection")
	}
	s.state.SetState(func(prev State) State {
		p = p.stableAgainst(prev)
		prev.Workflow = p.Workflow
		prev.Jobs = p.Jobs
		prev.Triggers = p.Triggers
		prev.Edges = p.Edges
		prev.Positions = p.Positions
		return prev
	})
}

// ApplyOptimistic publishes fn's edit of the projection immediately. The next
// derivation from the document replaces it.
func (s *Store) ApplyOptimistic(fn func(*State)) {
	s.state.SetState(func(prev State) State {
		next := prev
		next.Jobs = append([]Job(nil), prev.Jobs...)
		next.Triggers = append([]Trigger(nil), prev.Triggers...)
		next.Edges = append([]Edge(nil), prev.Edges...)
		if prev.Positions != nil {
			next.Positions = make(map[string]Position, len(prev.Positions))
			for k, v := range prev.Positions {
				next.Positions[k] = v
			}
		}
		if prev.Workflow != nil {
			wf := *prev.Workflow
			next.Workflow = &wf
		}
		fn(&next)
		return next
	})
}

// UpdateWorkflow writes top-level workflow fields.
func (s *Store) UpdateWorkflow(patch map[string]any) error {
	if err := checkPatch("workflow", patch, Workflow{}); err != nil {
		return err
	}
	doc, err := s.document()
	if err != nil {
		return err
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		tx.Map(ContainerWorkflow).SetAll(patch)
	})
}

// AddJob inserts job and returns its id, generating one when job.ID is empty.
func (s *Store) AddJob(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	return job.ID, s.add(ContainerJobs, job.ID, job)
}

// UpdateJob writes fields of an existing job.
func (s *Store) UpdateJob(id string, patch map[string]any) error {
	return s.update(ContainerJobs, id, patch, Job{})
}

// RemoveJob deletes a job together with its edges and position.
func (s *Store) RemoveJob(id string) error {
	return s.removeNode(ContainerJobs, id)
}

// AddTrigger inserts trigger and returns its id.
func (s *Store) AddTrigger(trigger Trigger) (string, error) {
	if trigger.ID == "" {
		trigger.ID = uuid.NewString()
	}
	if trigger.Type == "" {
		trigger.Type = TriggerWebhook
	}
	return trigger.ID, s.add(ContainerTriggers, trigger.ID, trigger)
}

// UpdateTrigger writes fields of an existing trigger.
func (s *Store) UpdateTrigger(id string, patch map[string]any) error {
	return s.update(ContainerTriggers, id, patch, Trigger{})
}

// RemoveTrigger deletes a trigger together with its edges and position.
func (s *Store) RemoveTrigger(id string) error {
	return s.removeNode(ContainerTriggers, id)
}

// AddEdge inserts edge and returns its id.
func (s *Store) AddEdge(edge Edge) (string, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.TargetJobID == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "edge needs a target job")
	}
	if (edge.SourceJobID == nil) == (edge.SourceTriggerID == nil) {
		return "", errors.New(errors.ErrCodeInvalidInput, "edge needs exactly one source")
	}
	if edge.ConditionType == "" {
		edge.ConditionType = ConditionAlways
	}
	return edge.ID, s.add(ContainerEdges, edge.ID, edge)
}

// UpdateEdge writes fields of an existing edge.
func (s *Store) UpdateEdge(id string, patch map[string]any) error {
	return s.update(ContainerEdges, id, patch, Edge{})
}

// RemoveEdge deletes an edge.
func (s *Store) RemoveEdge(id string) error {
	doc, err := s.document()
	if err != nil {
		return err
	}
	if !doc.Map(ContainerEdges, id).Exists() {
		return notFound(ContainerEdges, id)
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		tx.Map(ContainerEdges).Delete(id)
	})
}

// UpdatePosition moves one node.
func (s *Store) UpdatePosition(id string, pos Position) error {
	return s.UpdatePositions(map[string]Position{id: pos})
}

// UpdatePositions moves several nodes in one transaction.
func (s *Store) UpdatePositions(positions map[string]Position) error {
	if len(positions) == 0 {
		return nil
	}
	doc, err := s.document()
	if err != nil {
		return err
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		w := tx.Map(ContainerPositions)
		for _, id := range sortedKeys(positions) {
			w.Set(id, positions[id])
		}
	})
}

func (s *Store) add(container, id string, entity any) error {
	fields, err := toFields(entity)
	if err != nil {
		return err
	}
	doc, err := s.document()
	if err != nil {
		return err
	}
	if doc.Map(container, id).Exists() {
		return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("%s '%s' already exists", strings.TrimSuffix(container, "s"), id))
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		tx.Map(container).SetMap(id).SetAll(fields)
	})
}

func (s *Store) update(container, id string, patch map[string]any, shape any) error {
	if err := checkPatch(container, patch, shape); err != nil {
		return err
	}
	doc, err := s.document()
	if err != nil {
		return err
	}
	if !doc.Map(container, id).Exists() {
		return notFound(container, id)
	}
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		tx.Map(container).Map(id).SetAll(patch)
	})
}

func (s *Store) removeNode(container, id string) error {
	doc, err := s.document()
	if err != nil {
		return err
	}
	if !doc.Map(container, id).Exists() {
		return notFound(container, id)
	}

	edges, _ := projectEntities(doc, ContainerEdges, nil, func(eid string, e *Edge) { e.ID = eid })
	return doc.Transact(Origin, func(tx *crdt.Txn) {
		tx.Map(container).Delete(id)
		for _, e := range edges {
			if e.Touches(id) {
				tx.Map(ContainerEdges).Delete(e.ID)
			}
		}
		if doc.Map(ContainerPositions).Has(id) {
			tx.Map(ContainerPositions).Delete(id)
		}
	})
}

// SetServerErrors replaces the errors reported by the server.
func (s *Store) SetServerErrors(errs Errors) {
	s.state.SetState(func(prev State) State {
		prev.ServerErrors = errs
		prev.Errors = merged(prev)
		return prev
	})
}

// SetClientErrors replaces locally detected errors.
func (s *Store) SetClientErrors(errs Errors) {
	s.state.SetState(func(prev State) State {
		prev.ClientErrors = errs
		prev.Errors = merged(prev)
		return prev
	})
}

// MarkSynced records that the session has synced once, which makes errors
// visible.
func (s *Store) MarkSynced() {
	s.state.SetState(func(prev State) State {
		if prev.Synced {
			return prev
		}
		prev.Synced = true
		prev.Errors = merged(prev)
		return prev
	})
}

func merged(st State) Errors {
	if !st.Synced {
		return nil
	}
	return st.ServerErrors.Merge(st.ClientErrors)
}

// SaveResult is the outcome of a save.
type SaveResult struct {
	LockVersion int
	Err         error
}

type saveReply struct {
	LockVersion int    `json:"lock_version"`
	Type        string `json:"type"`
	Reason      string `json:"reason"`
	Errors      Errors `json:"errors"`
}

// Save error types sent by the server.
const (
	SaveErrorValidation   = "validation_error"
	SaveErrorLockVersion  = "optimistic_lock_error"
	SaveErrorUnauthorized = "unauthorized"
)

// Save asks the server to persist the workflow. done, if set, receives the
// outcome. Error replies surface as server errors.
func (s *Store) Save(p channel.Pusher, done func(SaveResult)) error {
	finish := func(r SaveResult) {
		if done != nil {
			done(r)
		}
	}
	return p.Push(EventSave, map[string]any{}, func(r channel.Reply) {
		var body saveReply
		if len(r.Response) > 0 {
			if err := json.Unmarshal(r.Response, &body); err != nil {
				finish(SaveResult{Err: errors.MalformedFrame("save reply", err)})
				return
			}
		}

		if r.OK() {
			s.SetServerErrors(nil)
			s.logger.WithField("lock_version", body.LockVersion).Info("Workflow saved")
			finish(SaveResult{LockVersion: body.LockVersion})
			return
		}

		var err *errors.CollabError
		errs := body.Errors
		switch body.Type {
		case SaveErrorLockVersion:
			err = errors.New(errors.ErrCodeLockVersion, "workflow was saved by someone else")
			if errs == nil {
				errs = Errors{"lock_version": {"This workflow has changed since it was loaded"}}
			}
		case SaveErrorUnauthorized:
			err = errors.New(errors.ErrCodePermissionDenied, "not allowed to save this workflow")
			if errs == nil {
				errs = Errors{"base": {"You are not authorized to save this workflow"}}
			}
		default:
			reason := body.Reason
			if reason == "" {
				reason = "workflow is invalid"
			}
			err = errors.New(errors.ErrCodeInvalidInput, reason)
		}
		s.SetServerErrors(errs)
		s.logger.WithField("type", body.Type).Warn("Save rejected")
		finish(SaveResult{Err: err.WithDetail("type", body.Type)})
	})
}

// Close detaches and releases subscribers.
func (s *Store) Close() {
	s.mu.Lock()
	if s.unobserve != nil {
		s.unobserve()
		s.unobserve = nil
	}
	s.doc = nil
	s.mu.Unlock()
	s.state.Close()
}

func notFound(container, id string) error {
	return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("no %s with id '%s'", strings.TrimSuffix(container, "s"), id)).
		WithDetail("id", id)
}

// toFields converts an entity into document fields keyed by cbor name.
func toFields(entity any) (map[string]any, error) {
	raw, err := crdt.Marshal(entity)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "cannot encode entity")
	}
	var fields map[string]any
	if err := crdt.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "cannot encode entity")
	}
	return fields, nil
}

// checkPatch rejects unknown fields, id changes, and values whose type does
// not fit shape.
func checkPatch(kind string, patch map[string]any, shape any) error {
	if len(patch) == 0 {
		return errors.New(errors.ErrCodeInvalidInput, "empty patch").WithDetail("kind", kind)
	}
	allowed := fieldNames(reflect.TypeOf(shape))
	for k := range patch {
		if k == "id" || !allowed[k] {
			return errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("cannot set field '%s'", k)).WithDetail("kind", kind)
		}
	}
	raw, err := crdt.Marshal(patch)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "cannot encode patch")
	}
	target := reflect.New(reflect.TypeOf(shape)).Interface()
	if err := crdt.Unmarshal(raw, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidInput, "patch does not fit "+kind)
	}
	return nil
}

func fieldNames(t reflect.Type) map[string]bool {
	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("cbor")
		name, _, _ := strings.Cut(tag, ",")
		if name != "" && name != "-" {
			names[name] = true
		}
	}
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
