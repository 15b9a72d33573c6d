// Package workflow projects the replicated document onto typed workflow
// state and writes user edits back into it.
package workflow

import (
	"sort"
	"strings"
	"time"
)

// Document containers.
const (
	ContainerWorkflow  = "workflow"
	ContainerJobs      = "jobs"
	ContainerTriggers  = "triggers"
	ContainerEdges     = "edges"
	ContainerPositions = "positions"
)

// Containers lists every container the projection reads.
var Containers = []string{ContainerWorkflow, ContainerJobs, ContainerTriggers, ContainerEdges, ContainerPositions}

// Workflow holds the top-level workflow fields.
type Workflow struct {
	ID            string     `json:"id" cbor:"id"`
	Name          string     `json:"name" cbor:"name"`
	LockVersion   *int       `json:"lock_version" cbor:"lock_version"`
	DeletedAt     *time.Time `json:"deleted_at" cbor:"deleted_at"`
	Concurrency   *int       `json:"concurrency" cbor:"concurrency"`
	EnableJobLogs bool       `json:"enable_job_logs" cbor:"enable_job_logs"`
}

// Job is one step of the workflow.
type Job struct {
	ID                   string  `json:"id" cbor:"id"`
	Name                 string  `json:"name" cbor:"name"`
	Body                 string  `json:"body" cbor:"body"`
	Adaptor              string  `json:"adaptor" cbor:"adaptor"`
	ProjectCredentialID  *string `json:"project_credential_id" cbor:"project_credential_id"`
	KeychainCredentialID *string `json:"keychain_credential_id" cbor:"keychain_credential_id"`
}

// Trigger types.
const (
	TriggerWebhook = "webhook"
	TriggerCron    = "cron"
	TriggerKafka   = "kafka"
)

// Trigger starts runs of the workflow.
type Trigger struct {
	ID             string  `json:"id" cbor:"id"`
	Type           string  `json:"type" cbor:"type"`
	CronExpression *string `json:"cron_expression" cbor:"cron_expression"`
	Enabled        bool    `json:"enabled" cbor:"enabled"`
}

// Edge condition types.
const (
	ConditionAlways    = "always"
	ConditionOnSuccess = "on_job_success"
	ConditionOnFailure = "on_job_failure"
	ConditionJS        = "js_expression"
)

// Edge connects a trigger or job to the job that runs next.
type Edge struct {
	ID                  string  `json:"id" cbor:"id"`
	SourceJobID         *string `json:"source_job_id" cbor:"source_job_id"`
	SourceTriggerID     *string `json:"source_trigger_id" cbor:"source_trigger_id"`
	TargetJobID         string  `json:"target_job_id" cbor:"target_job_id"`
	ConditionType       string  `json:"condition_type" cbor:"condition_type"`
	ConditionExpression *string `json:"condition_expression" cbor:"condition_expression"`
	ConditionLabel      *string `json:"condition_label" cbor:"condition_label"`
	Enabled             bool    `json:"enabled" cbor:"enabled"`
}

// Touches reports whether the edge starts or ends at node id.
func (e Edge) Touches(id string) bool {
	return (e.SourceJobID != nil && *e.SourceJobID == id) ||
		(e.SourceTriggerID != nil && *e.SourceTriggerID == id) ||
		e.TargetJobID == id
}

// Position is the canvas location of a node.
type Position struct {
	X float64 `json:"x" cbor:"x"`
	Y float64 `json:"y" cbor:"y"`
}

// Errors maps a field path such as "name" or "jobs.<id>.body" to messages.
type Errors map[string][]string

// Merge returns the union of e and other. Messages for the same path keep
// e's first and drop duplicates.
func (e Errors) Merge(other Errors) Errors {
	if len(e) == 0 && len(other) == 0 {
		return nil
	}
	out := make(Errors, len(e)+len(other))
	for _, src := range []Errors{e, other} {
		for path, msgs := range src {
			for _, m := range msgs {
				if !contains(out[path], m) {
					out[path] = append(out[path], m)
				}
			}
		}
	}
	return out
}

// For returns the errors under prefix with the prefix and its separating
// dot removed, e.g. For("jobs.<id>") yields {"body": [...]}.
func (e Errors) For(prefix string) Errors {
	out := Errors{}
	for path, msgs := range e {
		if rest, ok := strings.CutPrefix(path, prefix+"."); ok {
			out[rest] = msgs
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Paths returns the error paths in sorted order.
func (e Errors) Paths() []string {
	paths := make([]string, 0, len(e))
	for p := range e {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// State is the published projection.
type State struct {
	// Workflow is nil until the document carries a workflow id.
	Workflow  *Workflow
	Jobs      []Job
	Triggers  []Trigger
	Edges     []Edge
	Positions map[string]Position

	// Errors is the merged view shown to the user; it stays empty until
	// the session has synced once.
	Errors       Errors
	ServerErrors Errors
	ClientErrors Errors
	Synced       bool
}

// HasProjection reports whether a workflow has been derived.
func (s *State) HasProjection() bool {
	return s != nil && s.Workflow != nil
}

// Job returns the job with id.
func (s *State) Job(id string) (Job, bool) {
	for _, j := range s.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return Job{}, false
}

// Trigger returns the trigger with id.
func (s *State) Trigger(id string) (Trigger, bool) {
	for _, t := range s.Triggers {
		if t.ID == id {
			return t, true
		}
	}
	return Trigger{}, false
}

// Edge returns the edge with id.
func (s *State) Edge(id string) (Edge, bool) {
	for _, e := range s.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return Edge{}, false
}
