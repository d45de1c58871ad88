package server

import (
	"encoding/json"

	"phabbridge/internal/domain"
	"phabbridge/internal/engine"
)

// Request payloads. Fields are optional at the schema level; the engine
// reports missing values as validation errors naming the field.

type OptionsRequest struct {
	Host         string `json:"host,omitempty"`
	Token        string `json:"token,omitempty"`
	ProjectPHIDs string `json:"project_phids,omitempty" doc:"JSON array of project PHIDs added to every new task"`
}

type GroupRequest struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title,omitempty"`
	Culprit   string `json:"culprit,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

type ErrorEventRequest struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Body    string `json:"body,omitempty"`
}

type FieldsRequest struct {
	Group GroupRequest      `json:"group"`
	Event ErrorEventRequest `json:"event,omitempty"`
}

type CreateFormRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
	Assigned    string `json:"assigned,omitempty" doc:"username, optionally prefixed with @"`
	Projects    string `json:"projects,omitempty" doc:"comma separated project slugs, optionally prefixed with #"`
}

type CreateIssueRequest struct {
	Group GroupRequest      `json:"group"`
	Form  CreateFormRequest `json:"form"`
}

type LinkFormRequest struct {
	TaskID  string `json:"task_id,omitempty" doc:"34 or T34"`
	Comment string `json:"comment,omitempty"`
}

type LinkIssueRequest struct {
	Group GroupRequest    `json:"group"`
	Form  LinkFormRequest `json:"form"`
}

type IssueRefRequest struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

// IssueDisplayRequest carries either a structured issue or a bare legacy id.
type IssueDisplayRequest struct {
	Issue   *IssueRefRequest `json:"issue,omitempty"`
	IssueID string           `json:"issue_id,omitempty"`
}

// Response payloads

type OptionsResponse struct {
	ProjectID    string `json:"project_id"`
	Host         string `json:"host"`
	Token        string `json:"token" doc:"masked"`
	ProjectPHIDs string `json:"project_phids,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty" format:"date-time"`
}

type ConfiguredResponse struct {
	ProjectID  string `json:"project_id"`
	Configured bool   `json:"configured"`
}

type FieldsResponse struct {
	Fields []domain.Field `json:"fields"`
}

type IssueResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Label    string `json:"label"`
	GroupID  string `json:"group_id,omitempty"`
	Kind     string `json:"kind,omitempty" enum:"created,linked"`
	ActorID  string `json:"actor_id,omitempty"`
	LinkedAt string `json:"linked_at,omitempty" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func (g GroupRequest) toDomain() domain.Group {
	return domain.Group(g)
}

func (e ErrorEventRequest) toDomain() domain.ErrorEvent {
	return domain.ErrorEvent(e)
}

func (f CreateFormRequest) toDomain() domain.CreateForm {
	return domain.CreateForm(f)
}

func (f LinkFormRequest) toDomain() domain.LinkForm {
	return domain.LinkForm(f)
}

func (r IssueDisplayRequest) ref() domain.IssueRef {
	if r.Issue != nil {
		return domain.StructuredRef(domain.Issue{ID: r.Issue.ID, URL: r.Issue.URL})
	}
	return domain.LegacyRef(r.IssueID)
}

func optionsResponse(o domain.ProjectOptions) OptionsResponse {
	m := o.Masked()
	return OptionsResponse{
		ProjectID:    m.ProjectID,
		Host:         m.Host,
		Token:        m.Token,
		ProjectPHIDs: m.ProjectPHIDs,
		UpdatedAt:    m.UpdatedAt,
	}
}

func issueResponse(l domain.IssueLink, d engine.IssueDisplay) IssueResponse {
	return IssueResponse{
		ID:       d.ID,
		URL:      d.URL,
		Label:    d.Label,
		GroupID:  l.GroupID,
		Kind:     l.Kind,
		ActorID:  l.ActorID,
		LinkedAt: l.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
