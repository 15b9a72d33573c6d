package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/adaptor"
	"github.com/grovetools/collab/pkg/awareness"
	"github.com/grovetools/collab/pkg/channel"
	"github.com/grovetools/collab/pkg/credential"
	"github.com/grovetools/collab/pkg/crdt"
	"github.com/grovetools/collab/pkg/events"
	"github.com/grovetools/collab/pkg/session"
	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/grovetools/collab/pkg/workflow"
	"github.com/sirupsen/logrus"
)

// room holds the server copy of one workflow document and the channels
// joined to it.
type room struct {
	topic      string
	workflowID string
	version    sessioncontext.VersionRef
	doc        *crdt.Doc
	server     *Server
	logger     *logrus.Entry

	saveMu sync.Mutex

	mu      sync.Mutex
	members map[*client]*member
	saved   *int
}

type member struct {
	joinRef  string
	identity Identity
	presence []byte
	clocks   map[uint64]uint64
}

func (m *member) key(c *client) string {
	return m.identity.Key(c.id)
}

// openRoom loads the document for topic. The latest room starts from the
// newest snapshot, or from a fresh workflow when none was saved; versioned
// rooms require their snapshot to exist.
func openRoom(ctx context.Context, s *Server, topic string) (*room, error) {
	workflowID, ref, err := sessioncontext.ParseTopic(topic)
	if err != nil {
		return nil, err
	}

	r := &room{
		topic:      topic,
		workflowID: workflowID,
		version:    ref,
		doc:        crdt.NewDoc(0),
		server:     s,
		logger:     s.logger.WithField("topic", topic),
		members:    make(map[*client]*member),
	}

	var snap *Snapshot
	if v, ok := ref.LockVersion(); ok {
		snap, err = s.snapshots.Get(ctx, workflowID, v)
		if err == nil && snap == nil {
			err = errors.New(errors.ErrCodeInvalidInput, fmt.Sprintf("workflow %s has no version %d", workflowID, v))
		}
	} else {
		snap, err = s.snapshots.Latest(ctx, workflowID)
	}
	if err != nil {
		return nil, err
	}

	if snap != nil {
		if err := r.doc.ApplyUpdate(snap.State, r); err != nil {
			return nil, err
		}
		lv := snap.LockVersion
		r.saved = &lv
	} else {
		err := r.doc.Transact(r, func(tx *crdt.Txn) {
			tx.Map(workflow.ContainerWorkflow).SetAll(map[string]any{
				"id":   workflowID,
				"name": "Untitled workflow",
			})
		})
		if err != nil {
			return nil, err
		}
	}

	r.doc.OnUpdate(func(frame []byte, origin any) {
		from, _ := origin.(*client)
		r.broadcastBinary(from, session.EventSync, session.EncodeSync(session.Update, frame))
	})
	r.logger.WithField("saved", snap != nil).Info("Room opened")
	return r, nil
}

func (r *room) join(c *client, joinRef string, id Identity) {
	r.mu.Lock()
	r.members[c] = &member{joinRef: joinRef, identity: id, clocks: make(map[uint64]uint64)}
	n := len(r.members)
	r.mu.Unlock()

	r.server.metrics.members.WithLabelValues(r.topic).Set(float64(n))
	r.logger.WithFields(logrus.Fields{"client": c.id, "user": id.UserID}).Info("Channel joined")
}

// leave drops c and tells the remaining members its presence is gone.
func (r *room) leave(c *client) {
	r.mu.Lock()
	m, ok := r.members[c]
	delete(r.members, c)
	n := len(r.members)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.server.metrics.members.WithLabelValues(r.topic).Set(float64(n))
	r.logger.WithField("client", c.id).Info("Channel left")

	if len(m.clocks) == 0 {
		return
	}
	if frame, err := awareness.EncodeRemoval(m.clocks); err == nil {
		r.broadcastBinary(c, session.EventAwareness, frame)
	} else {
		r.logger.WithError(err).Warn("Cannot encode presence removal")
	}
	r.broadcast(c, events.NamePresenceDiff, presenceDiff(m.key(c), m.identity.UserID, nil, sortedClients(m.clocks)))
}

func (r *room) handleBinary(c *client, event string, data []byte) {
	switch event {
	case session.EventSync:
		r.handleSync(c, data)
	case session.EventAwareness:
		r.handleAwareness(c, data)
	default:
		r.logger.WithField("event", event).Debug("Ignoring binary event")
	}
}

func (r *room) handleSync(c *client, data []byte) {
	t, body, err := session.DecodeSync(data)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping sync frame")
		return
	}

	switch t {
	case session.SyncStep1:
		diff, err := r.doc.EncodeStateAsUpdate(body)
		if err != nil {
			r.logger.WithError(err).Warn("Cannot answer sync step 1")
			return
		}
		c.pushBinary(r.topic, session.EventSync, session.EncodeSync(session.SyncStep2, diff))

		sv, err := r.doc.EncodeStateVector()
		if err != nil {
			r.logger.WithError(err).Error("Cannot encode state vector")
			return
		}
		c.pushBinary(r.topic, session.EventSync, session.EncodeSync(session.SyncStep1, sv))

		for _, frame := range r.presenceExcept(c) {
			c.pushBinary(r.topic, session.EventAwareness, frame)
		}
	case session.SyncStep2, session.Update:
		if !r.version.IsLatest() {
			r.logger.WithField("client", c.id).Debug("Dropping edit to a saved version")
			return
		}
		if err := r.doc.ApplyUpdate(body, c); err != nil {
			r.logger.WithError(err).WithField("client", c.id).Warn("Dropping document update")
		}
	}
}

func (r *room) handleAwareness(c *client, data []byte) {
	clocks, err := awareness.DecodeUpdate(data)
	if err != nil {
		r.logger.WithError(err).Warn("Dropping awareness frame")
		return
	}

	r.mu.Lock()
	m, ok := r.members[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	var joined []uint64
	for id, clk := range clocks {
		prev, known := m.clocks[id]
		if !known {
			joined = append(joined, id)
		}
		if !known || clk > prev {
			m.clocks[id] = clk
		}
	}
	m.presence = data
	key, userID := m.key(c), m.identity.UserID
	r.mu.Unlock()

	r.broadcastBinary(c, session.EventAwareness, data)
	if len(joined) > 0 {
		sort.Slice(joined, func(i, j int) bool { return joined[i] < joined[j] })
		r.broadcast(c, events.NamePresenceDiff, presenceDiff(key, userID, joined, nil))
	}
}

func (r *room) presenceExcept(c *client) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out [][]byte
	for other, m := range r.members {
		if other != c && m.presence != nil {
			out = append(out, m.presence)
		}
	}
	return out
}

func (r *room) handleEvent(c *client, msg channel.Message) {
	r.mu.Lock()
	m, ok := r.members[c]
	r.mu.Unlock()
	if !ok {
		c.reply(msg, channel.ReplyError, map[string]string{"reason": "unmatched topic"})
		return
	}

	ctx := context.Background()
	switch msg.Event {
	case sessioncontext.EventRequestContext:
		c.reply(msg, channel.ReplyOK, r.sessionContext(m.identity))
	case sessioncontext.EventRequestVersions:
		versions, err := r.server.snapshots.Versions(ctx, r.workflowID)
		if err != nil {
			r.logger.WithError(err).Error("Cannot list versions")
			c.reply(msg, channel.ReplyError, map[string]string{"reason": "versions unavailable"})
			return
		}
		if versions == nil {
			versions = []sessioncontext.Version{}
		}
		c.reply(msg, channel.ReplyOK, sessioncontext.VersionsPayload{Versions: versions})
	case adaptor.EventRequest:
		c.reply(msg, channel.ReplyOK, r.server.adaptors())
	case credential.EventRequest:
		c.reply(msg, channel.ReplyOK, credential.Payload{
			ProjectCredentials:  []credential.ProjectCredential{},
			KeychainCredentials: []credential.KeychainCredential{},
		})
	case workflow.EventSave:
		r.save(ctx, c, msg, m.identity)
	default:
		r.logger.WithField("event", msg.Event).Debug("Unhandled event")
		c.reply(msg, channel.ReplyError, map[string]string{"reason": "unknown event"})
	}
}

func (r *room) sessionContext(id Identity) sessioncontext.Context {
	r.mu.Lock()
	saved := r.saved
	r.mu.Unlock()
	cfg, _ := r.server.config()

	ctx := sessioncontext.Context{
		Project: &sessioncontext.Project{ID: "local", Name: "Local relay"},
		Permissions: sessioncontext.Permissions{
			CanEditWorkflow: boolOr(cfg.CanEdit, true),
			CanRunWorkflow:  boolOr(cfg.CanRun, true),
		},
		LatestSnapshotLockVersion: saved,
		IsNewWorkflow:             saved == nil,
	}
	if id.UserID != "" {
		ctx.User = &sessioncontext.User{
			ID:             id.UserID,
			FirstName:      id.FirstName,
			LastName:       id.LastName,
			Email:          id.Email,
			EmailConfirmed: id.Email != "",
		}
	}
	return ctx
}

type saveError struct {
	Type   string          `json:"type"`
	Reason string          `json:"reason,omitempty"`
	Errors workflow.Errors `json:"errors,omitempty"`
}

// save validates the document, bumps its lock version and persists a
// snapshot. Members learn about it through workflow_saved.
func (r *room) save(ctx context.Context, c *client, msg channel.Message, id Identity) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	fail := func(outcome string, body saveError) {
		r.server.metrics.saves.WithLabelValues(outcome).Inc()
		c.reply(msg, channel.ReplyError, body)
	}

	if !r.version.IsLatest() {
		fail("unauthorized", saveError{Type: workflow.SaveErrorUnauthorized, Reason: "saved versions are read-only"})
		return
	}
	if cfg, _ := r.server.config(); !boolOr(cfg.CanEdit, true) {
		fail("unauthorized", saveError{Type: workflow.SaveErrorUnauthorized})
		return
	}

	proj, err := workflow.Project(r.doc)
	if err != nil {
		fail("invalid", saveError{Type: workflow.SaveErrorValidation, Reason: err.Error()})
		return
	}
	if errs := validate(proj); len(errs) > 0 {
		fail("invalid", saveError{Type: workflow.SaveErrorValidation, Errors: errs})
		r.broadcast(nil, events.NameWorkflowErrors, events.WorkflowErrors{Errors: errs})
		return
	}

	r.mu.Lock()
	next := 1
	if r.saved != nil {
		next = *r.saved + 1
	}
	r.mu.Unlock()

	if err := r.doc.Transact(r, func(tx *crdt.Txn) {
		tx.Map(workflow.ContainerWorkflow).Set("lock_version", next)
	}); err != nil {
		r.logger.WithError(err).Error("Cannot bump lock version")
		fail("error", saveError{Type: "error", Reason: "save failed"})
		return
	}
	state, err := r.doc.EncodeStateAsUpdate(nil)
	if err == nil {
		err = r.server.snapshots.Save(ctx, Snapshot{
			WorkflowID:  r.workflowID,
			LockVersion: next,
			State:       state,
			InsertedAt:  r.server.clock.Now(),
		})
	}
	if err != nil {
		r.logger.WithError(err).Error("Cannot persist snapshot")
		fail("error", saveError{Type: "error", Reason: "save failed"})
		return
	}

	r.mu.Lock()
	r.saved = &next
	r.mu.Unlock()

	r.server.metrics.saves.WithLabelValues("ok").Inc()
	r.logger.WithFields(logrus.Fields{"lock_version": next, "user": id.UserID}).Info("Workflow saved")
	c.reply(msg, channel.ReplyOK, map[string]int{"lock_version": next})
	r.broadcast(nil, events.NameWorkflowSaved, events.WorkflowSaved{LockVersion: next, SavedBy: id.Key(c.id)})
	r.broadcast(nil, events.NameWorkflowErrors, events.WorkflowErrors{Errors: workflow.Errors{}})
}

// validate reports the problems that block a save, keyed by field path.
func validate(p workflow.Projection) workflow.Errors {
	errs := workflow.Errors{}
	if p.Workflow == nil {
		errs["base"] = []string{"workflow is missing"}
		return errs
	}
	if strings.TrimSpace(p.Workflow.Name) == "" {
		errs["name"] = []string{"can't be blank"}
	}

	jobs := make(map[string]bool, len(p.Jobs))
	for _, j := range p.Jobs {
		jobs[j.ID] = true
		if strings.TrimSpace(j.Name) == "" {
			errs["jobs."+j.ID+".name"] = []string{"can't be blank"}
		}
	}
	triggers := make(map[string]bool, len(p.Triggers))
	for _, t := range p.Triggers {
		triggers[t.ID] = true
	}
	for _, e := range p.Edges {
		if !jobs[e.TargetJobID] {
			errs["edges."+e.ID+".target_job_id"] = []string{"does not exist"}
		}
		if e.SourceJobID != nil && !jobs[*e.SourceJobID] {
			errs["edges."+e.ID+".source_job_id"] = []string{"does not exist"}
		}
		if e.SourceTriggerID != nil && !triggers[*e.SourceTriggerID] {
			errs["edges."+e.ID+".source_trigger_id"] = []string{"does not exist"}
		}
	}
	return errs
}

// broadcast sends a JSON event to every member except from.
func (r *room) broadcast(from *client, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.WithError(err).WithField("event", event).Error("Cannot encode broadcast")
		return
	}
	for _, c := range r.targets(from) {
		c.pushText(r.topic, event, data)
	}
}

func (r *room) broadcastBinary(from *client, event string, frame []byte) {
	for _, c := range r.targets(from) {
		c.pushBinary(r.topic, event, frame)
	}
}

func (r *room) targets(from *client) []*client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*client, 0, len(r.members))
	for c := range r.members {
		if c != from {
			out = append(out, c)
		}
	}
	return out
}

func presenceDiff(key, userID string, joins, leaves []uint64) events.PresenceDiff {
	entry := func(ids []uint64) map[string]events.PresenceEntry {
		out := map[string]events.PresenceEntry{}
		if len(ids) == 0 {
			return out
		}
		metas := make([]events.PresenceMeta, 0, len(ids))
		for _, id := range ids {
			metas = append(metas, events.PresenceMeta{ClientID: id, UserID: userID})
		}
		out[key] = events.PresenceEntry{Metas: metas}
		return out
	}
	return events.PresenceDiff{Joins: entry(joins), Leaves: entry(leaves)}
}

func sortedClients(clocks map[uint64]uint64) []uint64 {
	ids := make([]uint64, 0, len(clocks))
	for id := range clocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
