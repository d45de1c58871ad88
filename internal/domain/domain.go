package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field types understood by the host form renderer.
const (
	FieldText     = "text"
	FieldTextarea = "textarea"
	FieldSelect   = "select"
)

// ProjectOptions are the per-project plugin settings.
type ProjectOptions struct {
	ProjectID    string `json:"project_id" db:"project_id"`
	Host         string `json:"host" db:"host"`
	Token        string `json:"token" db:"token"`
	ProjectPHIDs string `json:"project_phids,omitempty" db:"project_phids"`
	UpdatedAt    string `json:"updated_at,omitempty" db:"updated_at" format:"date-time"`
}

// IsConfigured reports whether both host and token are set.
func (o ProjectOptions) IsConfigured() bool {
	return strings.TrimSpace(o.Host) != "" && strings.TrimSpace(o.Token) != ""
}

// DefaultProjectPHIDs decodes the configured JSON array of project PHIDs.
// Empty text yields no PHIDs.
func (o ProjectOptions) DefaultProjectPHIDs() ([]string, error) {
	raw := strings.TrimSpace(o.ProjectPHIDs)
	if raw == "" {
		return nil, nil
	}
	var phids []string
	if err := json.Unmarshal([]byte(raw), &phids); err != nil {
		return nil, fmt.Errorf("projectPHIDs must be a JSON array of strings: %w", err)
	}
	return phids, nil
}

// Choice is one selectable option of a select field.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ChoiceList is an ordered set of choices with the preselected value.
type ChoiceList struct {
	Choices []Choice `json:"choices"`
	Default string   `json:"default"`
}

// Field describes one input of a configuration or issue form.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type" enum:"text,textarea,select"`
	Default  string   `json:"default,omitempty"`
	Required bool     `json:"required"`
	Help     string   `json:"help,omitempty"`
	Choices  []Choice `json:"choices,omitempty"`
}

// Group is the host's aggregated error the issue is filed for.
type Group struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Culprit   string `json:"culprit,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

// ErrorEvent is a single occurrence of a group.
type ErrorEvent struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Body    string `json:"body,omitempty"`
}

// CreateForm is a submitted new-task form.
type CreateForm struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
	Assigned    string `json:"assigned,omitempty"`
	Projects    string `json:"projects,omitempty"`
}

// LinkForm is a submitted link-existing-task form.
type LinkForm struct {
	TaskID  string `json:"task_id"`
	Comment string `json:"comment,omitempty"`
}

// Issue is the result of creating or linking a task.
type Issue struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// IssueRef is a stored issue reference: either a structured Issue or a bare
// legacy task id.
type IssueRef struct {
	issue  *Issue
	legacy string
}

// StructuredRef wraps a full issue record.
func StructuredRef(issue Issue) IssueRef {
	return IssueRef{issue: &issue}
}

// LegacyRef wraps a bare task id.
func LegacyRef(id string) IssueRef {
	return IssueRef{legacy: id}
}

// Structured returns the issue record when the ref carries one.
func (r IssueRef) Structured() (Issue, bool) {
	if r.issue == nil {
		return Issue{}, false
	}
	return *r.issue, true
}

// ID returns the task id for either variant.
func (r IssueRef) ID() string {
	if r.issue != nil {
		return r.issue.ID
	}
	return r.legacy
}

// IssueLink kinds.
const (
	LinkKindCreated = "created"
	LinkKindLinked  = "linked"
)

// IssueLink is the persisted association between a group and a task.
type IssueLink struct {
	ID        string `json:"id" db:"id"`
	ProjectID string `json:"project_id" db:"project_id"`
	GroupID   string `json:"group_id" db:"group_id"`
	IssueID   string `json:"issue_id" db:"issue_id"`
	IssueURL  string `json:"issue_url" db:"issue_url"`
	Kind      string `json:"kind" db:"kind" enum:"created,linked"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// Issue returns the structured issue recorded by the link.
func (l IssueLink) Issue() Issue {
	return Issue{ID: l.IssueID, URL: l.IssueURL}
}

type Event struct {
	ID         int64  `json:"id" db:"id"`
	TS         string `json:"ts" db:"ts" format:"date-time"`
	Type       string `json:"type" db:"type"`
	ProjectID  string `json:"project_id" db:"project_id"`
	EntityKind string `json:"entity_kind" db:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty" db:"entity_id"`
	ActorID    string `json:"actor_id" db:"actor_id"`
	Payload    string `json:"payload,omitempty" db:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	Name      string `json:"name,omitempty" db:"name"`
	KeyHash   string `json:"key_hash,omitempty" db:"key_hash"`
	CreatedAt string `json:"created_at" db:"created_at" format:"date-time"`
}

// Masked returns a copy safe to display: a literal token is reduced to its
// last four characters, keyring references are kept.
func (o ProjectOptions) Masked() ProjectOptions {
	tok := strings.TrimSpace(o.Token)
	switch {
	case tok == "" || strings.HasPrefix(tok, "keyring:"):
	case len(tok) <= 4:
		tok = "****"
	default:
		tok = "****" + tok[len(tok)-4:]
	}
	o.Token = tok
	return o
}
