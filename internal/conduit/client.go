package conduit

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

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultUserAgent = "phabbridge/1.0"
	maxErrorBody     = 4096
)

// Client is a Conduit API client for a single Phabricator host.
// Each call is a form-encoded POST to <host>/api/<method> carrying the
// JSON-encoded parameters and the API token.
type Client struct {
	endpoint   *url.URL
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout bounds every request. Zero keeps the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLimiter throttles outbound calls. The limiter may be shared between clients.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithTransport replaces the HTTP transport (used by tests and proxies).
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a client for host, e.g. "https://phabricator.example.com/".
func NewClient(host, token string, opts ...Option) (*Client, error) {
	endpoint, err := Endpoint(host)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint:   endpoint,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		userAgent:  defaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Endpoint returns the Conduit API root for host: host joined with "api/".
func Endpoint(host string) (*url.URL, error) {
	base, err := url.Parse(strings.TrimSpace(host))
	if err != nil {
		return nil, errors.Wrapf(err, "parsing host %q", host)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("host %q must be an http or https URL", host)
	}
	if base.Host == "" {
		return nil, errors.Errorf("host %q has no hostname", host)
	}
	return base.ResolveReference(&url.URL{Path: "api/"}), nil
}

// Call invokes a Conduit method and decodes its result into result (may be nil).
func (c *Client) Call(ctx context.Context, method string, params map[string]any, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Method: method, Err: errors.Wrap(err, "waiting for rate limiter")}
		}
	}

	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	payload["__conduit__"] = map[string]string{"token": c.token}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encoding %s params", method)
	}
	form := url.Values{}
	form.Set("params", string(encoded))
	form.Set("output", "json")

	target := c.endpoint.ResolveReference(&url.URL{Path: method})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewBufferString(form.Encode()))
	if err != nil {
		return &TransportError{Method: method, Err: errors.Wrap(err, "creating request")}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Method: method, Err: errors.Wrap(err, "reading response body")}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &TransportError{
			Method: method,
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var env struct {
		Result    json.RawMessage `json:"result"`
		ErrorCode *string         `json:"error_code"`
		ErrorInfo *string         `json:"error_info"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return &TransportError{Method: method, Err: errors.Wrap(err, "decoding response envelope")}
	}
	if env.ErrorCode != nil && *env.ErrorCode != "" {
		info := ""
		if env.ErrorInfo != nil {
			info = *env.ErrorInfo
		}
		return &APIError{Method: method, Code: *env.ErrorCode, Info: info}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, result); err != nil {
		return &TransportError{Method: method, Err: errors.Wrapf(err, "decoding %s result", method)}
	}
	return nil
}

// SearchPriorities lists the task priorities configured on the instance.
func (c *Client) SearchPriorities(ctx context.Context) ([]Priority, error) {
	var res searchResult[Priority]
	if err := c.Call(ctx, "maniphest.priority.search", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SearchStatuses lists the task statuses configured on the instance.
func (c *Client) SearchStatuses(ctx context.Context) ([]Status, error) {
	var res searchResult[Status]
	if err := c.Call(ctx, "maniphest.status.search", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SearchUsers finds users by exact username.
func (c *Client) SearchUsers(ctx context.Context, usernames []string) ([]User, error) {
	var res searchResult[User]
	params := map[string]any{"constraints": map[string]any{"usernames": usernames}}
	if err := c.Call(ctx, "user.search", params, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SearchProjects finds projects by slug.
func (c *Client) SearchProjects(ctx context.Context, slugs []string) ([]Project, error) {
	var res searchResult[Project]
	params := map[string]any{"constraints": map[string]any{"slugs": slugs}}
	if err := c.Call(ctx, "project.search", params, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// SearchTasks finds tasks by numeric id.
func (c *Client) SearchTasks(ctx context.Context, ids []int) ([]Task, error) {
	var res searchResult[Task]
	params := map[string]any{"constraints": map[string]any{"ids": ids}}
	if err := c.Call(ctx, "maniphest.search", params, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// EditTask applies transactions atomically. A nil objectIdentifier creates a new task.
func (c *Client) EditTask(ctx context.Context, objectIdentifier any, txns []Transaction) (*EditResult, error) {
	params := map[string]any{"transactions": txns}
	if objectIdentifier != nil {
		params["objectIdentifier"] = objectIdentifier
	}
	var res EditResult
	if err := c.Call(ctx, "maniphest.edit", params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WhoAmI returns the user the token belongs to.
func (c *Client) WhoAmI(ctx context.Context) (*WhoAmI, error) {
	var res WhoAmI
	if err := c.Call(ctx, "user.whoami", map[string]any{}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
