package phabbridgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal phabbridge HTTP API client, as used by an error
// tracker host.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Field is one input of a rendered form.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"`
	Default  string   `json:"default,omitempty"`
	Required bool     `json:"required"`
	Help     string   `json:"help,omitempty"`
	Choices  []Choice `json:"choices,omitempty"`
}

type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Group is the aggregated error an issue is filed for.
type Group struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Culprit   string `json:"culprit,omitempty"`
	Permalink string `json:"permalink,omitempty"`
}

// ErrorEvent is one occurrence of a group.
type ErrorEvent struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Body    string `json:"body,omitempty"`
}

type CreateForm struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
	Status      string `json:"status,omitempty"`
	Assigned    string `json:"assigned,omitempty"`
	Projects    string `json:"projects,omitempty"`
}

type LinkForm struct {
	TaskID  string `json:"task_id,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// Options are the per-project settings. Token is masked on read.
type Options struct {
	ProjectID    string `json:"project_id,omitempty"`
	Host         string `json:"host"`
	Token        string `json:"token"`
	ProjectPHIDs string `json:"project_phids,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// Issue is a task linked to a group.
type Issue struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Label    string `json:"label"`
	GroupID  string `json:"group_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
	ActorID  string `json:"actor_id,omitempty"`
	LinkedAt string `json:"linked_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ConnectionCheck is the Conduit identity behind a project's token.
type ConnectionCheck struct {
	Host     string `json:"host"`
	UserPHID string `json:"user_phid"`
	UserName string `json:"user_name"`
	RealName string `json:"real_name,omitempty"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SetOptions stores the project's host, token and default project PHIDs.
func (c *Client) SetOptions(ctx context.Context, opts Options) (Options, error) {
	body := map[string]any{
		"host":          opts.Host,
		"token":         opts.Token,
		"project_phids": opts.ProjectPHIDs,
	}
	var resp Options
	err := c.do(ctx, http.MethodPut, c.projectPath("options"), body, &resp)
	return resp, err
}

// Options returns the stored options with the token masked.
func (c *Client) Options(ctx context.Context) (Options, error) {
	var resp Options
	err := c.do(ctx, http.MethodGet, c.projectPath("options"), nil, &resp)
	return resp, err
}

// IsConfigured reports whether the project has a host and token.
func (c *Client) IsConfigured(ctx context.Context) (bool, error) {
	var resp struct {
		Configured bool `json:"configured"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("configured"), nil, &resp)
	return resp.Configured, err
}

// CheckConnection asks the server to call Conduit with the stored token.
func (c *Client) CheckConnection(ctx context.Context) (ConnectionCheck, error) {
	var resp ConnectionCheck
	err := c.do(ctx, http.MethodPost, c.projectPath("connection-check"), nil, &resp)
	return resp, err
}

// CreateFields returns the new task form for a group.
func (c *Client) CreateFields(ctx context.Context, group Group, event ErrorEvent) ([]Field, error) {
	return c.fields(ctx, "issue-fields/create", group, event)
}

// LinkFields returns the link existing task form for a group.
func (c *Client) LinkFields(ctx context.Context, group Group, event ErrorEvent) ([]Field, error) {
	return c.fields(ctx, "issue-fields/link", group, event)
}

func (c *Client) fields(ctx context.Context, p string, group Group, event ErrorEvent) ([]Field, error) {
	var resp struct {
		Fields []Field `json:"fields"`
	}
	body := map[string]any{"group": group, "event": event}
	err := c.do(ctx, http.MethodPost, c.projectPath(p), body, &resp)
	return resp.Fields, err
}

// CreateIssue files a task for a group.
func (c *Client) CreateIssue(ctx context.Context, group Group, form CreateForm) (Issue, error) {
	var resp Issue
	body := map[string]any{"group": group, "form": form}
	err := c.do(ctx, http.MethodPost, c.projectPath("issues"), body, &resp)
	return resp, err
}

// LinkIssue links an existing task to a group.
func (c *Client) LinkIssue(ctx context.Context, group Group, form LinkForm) (Issue, error) {
	var resp Issue
	body := map[string]any{"group": group, "form": form}
	err := c.do(ctx, http.MethodPost, c.projectPath("issues/link"), body, &resp)
	return resp, err
}

// GroupIssue returns the task linked to a group.
func (c *Client) GroupIssue(ctx context.Context, groupID string) (Issue, error) {
	var resp Issue
	endpoint := c.projectPath(fmt.Sprintf("groups/%s/issue", url.PathEscape(groupID)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UnlinkIssue drops the link of a group.
func (c *Client) UnlinkIssue(ctx context.Context, groupID string) error {
	endpoint := c.projectPath(fmt.Sprintf("groups/%s/issue", url.PathEscape(groupID)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// DisplayIssue resolves the label and URL of a stored issue. An empty url
// sends the id as a legacy reference.
func (c *Client) DisplayIssue(ctx context.Context, id, issueURL string) (Issue, error) {
	body := map[string]any{"issue_id": id}
	if issueURL != "" {
		body = map[string]any{"issue": map[string]string{"id": id, "url": issueURL}}
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.projectPath("issue-display"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
