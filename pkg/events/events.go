// Package events decodes the JSON events a collaboration room broadcasts
// into typed values.
package events

import (
	"encoding/json"
	"sort"

	"github.com/grovetools/collab/errors"
	"github.com/grovetools/collab/pkg/adaptor"
	"github.com/grovetools/collab/pkg/credential"
	"github.com/grovetools/collab/pkg/sessioncontext"
	"github.com/grovetools/collab/pkg/workflow"
)

// Event names.
const (
	NameSessionContext     = "session_context"
	NameWorkflowSaved      = "workflow_saved"
	NameWorkflowErrors     = "workflow_errors"
	NameVersions           = "versions"
	NameAdaptorsUpdated    = "adaptors_updated"
	NameCredentialsUpdated = "credentials_updated"
	NamePresenceDiff       = "presence_diff"
)

// Event is one decoded server event.
type Event interface {
	Name() string
}

// SessionContext carries the local user's context.
type SessionContext struct {
	sessioncontext.Context
}

// WorkflowSaved announces a new saved snapshot.
type WorkflowSaved struct {
	LockVersion int    `json:"lock_version"`
	SavedBy     string `json:"saved_by,omitempty"`
}

// WorkflowErrors carries server-side validation errors.
type WorkflowErrors struct {
	Errors workflow.Errors `json:"errors"`
}

// Versions carries the snapshot history.
type Versions struct {
	sessioncontext.VersionsPayload
}

// AdaptorsUpdated replaces the adaptor catalogue.
type AdaptorsUpdated struct {
	adaptor.Payload
}

// CredentialsUpdated replaces the credential lists.
type CredentialsUpdated struct {
	credential.Payload
}

// PresenceMeta describes one connection of a presence entry.
type PresenceMeta struct {
	ClientID uint64 `json:"client_id"`
	UserID   string `json:"user_id,omitempty"`
}

// PresenceEntry groups the connections tracked under one presence key.
type PresenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

// PresenceDiff reports connections that joined or left the room.
type PresenceDiff struct {
	Joins  map[string]PresenceEntry `json:"joins"`
	Leaves map[string]PresenceEntry `json:"leaves"`
}

// LeftClients returns the client ids of every leaving connection.
func (d PresenceDiff) LeftClients() []uint64 {
	return clientIDs(d.Leaves)
}

// JoinedClients returns the client ids of every joining connection.
func (d PresenceDiff) JoinedClients() []uint64 {
	return clientIDs(d.Joins)
}

func clientIDs(entries map[string]PresenceEntry) []uint64 {
	var ids []uint64
	for _, e := range entries {
		for _, m := range e.Metas {
			ids = append(ids, m.ClientID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unknown is any event outside the known set.
type Unknown struct {
	Event   string
	Payload json.RawMessage
}

func (SessionContext) Name() string     { return NameSessionContext }
func (WorkflowSaved) Name() string      { return NameWorkflowSaved }
func (WorkflowErrors) Name() string     { return NameWorkflowErrors }
func (Versions) Name() string           { return NameVersions }
func (AdaptorsUpdated) Name() string    { return NameAdaptorsUpdated }
func (CredentialsUpdated) Name() string { return NameCredentialsUpdated }
func (PresenceDiff) Name() string       { return NamePresenceDiff }
func (u Unknown) Name() string          { return u.Event }

// Decode turns a named payload into its typed event. Names outside the known
// set decode to Unknown with a nil error; a known name with a payload that
// does not fit its shape is a MalformedFrame error.
func Decode(name string, payload json.RawMessage) (Event, error) {
	var ev Event
	var err error
	switch name {
	case NameSessionContext:
		var e SessionContext
		err = unmarshal(payload, &e.Context)
		ev = e
	case NameWorkflowSaved:
		var e WorkflowSaved
		err = unmarshal(payload, &e)
		ev = e
	case NameWorkflowErrors:
		var e WorkflowErrors
		err = unmarshal(payload, &e)
		ev = e
	case NameVersions:
		var e Versions
		err = unmarshal(payload, &e.VersionsPayload)
		ev = e
	case NameAdaptorsUpdated:
		var e AdaptorsUpdated
		err = unmarshal(payload, &e.Payload)
		ev = e
	case NameCredentialsUpdated:
		var e CredentialsUpdated
		err = unmarshal(payload, &e.Payload)
		ev = e
	case NamePresenceDiff:
		var e PresenceDiff
		err = unmarshal(payload, &e)
		ev = e
	default:
		return Unknown{Event: name, Payload: payload}, nil
	}
	if err != nil {
		return nil, errors.MalformedFrame(name, err)
	}
	return ev, nil
}

func unmarshal(payload json.RawMessage, out any) error {
	if len(payload) == 0 {
		return nil
	}
	return json.Unmarshal(payload, out)
}

// Known reports whether name is part of the known event set.
func Known(name string) bool {
	switch name {
	case NameSessionContext, NameWorkflowSaved, NameWorkflowErrors, NameVersions,
		NameAdaptorsUpdated, NameCredentialsUpdated, NamePresenceDiff:
		return true
	}
	return false
}
