package flowdesksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal Flowdesk HTTP API client.
type Client struct {
	BaseURL     string
	OrgID       string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// MaxRetryElapsed bounds retries of GET requests on transport errors and 502/503/504.
	// Zero disables retries.
	MaxRetryElapsed time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL:         baseURL,
		OrgID:           orgID,
		Timeout:         10 * time.Second,
		MaxRetryElapsed: 5 * time.Second,
	}
}

type RuleRef struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

type Transition struct {
	ID            string    `json:"id"`
	WorkflowID    string    `json:"workflow_id"`
	Name          string    `json:"name"`
	FromStatusID  string    `json:"from_status_id"`
	ToStatusID    string    `json:"to_status_id"`
	Conditions    []RuleRef `json:"conditions"`
	Validators    []RuleRef `json:"validators"`
	PostFunctions []RuleRef `json:"post_functions"`
}

type Status struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type Workflow struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	InitialStatusID string       `json:"initial_status_id"`
	IsDefault       bool         `json:"is_default"`
	Statuses        []Status     `json:"statuses"`
	Transitions     []Transition `json:"transitions"`
}

type Issue struct {
	ID            string  `json:"id"`
	ProjectID     string  `json:"project_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description,omitempty"`
	StatusID      string  `json:"status_id"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	ReporterID    string  `json:"reporter_id"`
	Resolution    string  `json:"resolution,omitempty"`
	SecurityLevel string  `json:"security_level,omitempty"`
	Version       int64   `json:"version"`
}

type PostFunctionError struct {
	PostFunction string `json:"post_function"`
	Error        string `json:"error"`
}

// TransitionResult is returned by a committed transition. PostFunctionErrors
// lists post-functions that failed after the status changed.
type TransitionResult struct {
	Issue              Issue               `json:"issue"`
	Transition         Transition          `json:"transition"`
	FromStatusID       string              `json:"from_status_id"`
	PostFunctionErrors []PostFunctionError `json:"post_function_errors"`
}

// Scheme is returned for every kind; Entries stays raw because its shape depends on the kind.
type Scheme struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	IsDefault bool            `json:"is_default"`
	ParentID  *string         `json:"parent_id,omitempty"`
	Entries   json.RawMessage `json:"entries"`
}

type ProjectBinding struct {
	ProjectID  string            `json:"project_id"`
	WorkflowID string            `json:"workflow_id"`
	Schemes    map[string]string `json:"schemes"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id"`
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope code, e.g.
// condition_failed, conflict or delete_blocked.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given envelope code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func (c *Client) CreateIssue(ctx context.Context, projectID, title, assigneeID string) (Issue, error) {
	body := map[string]any{"title": title}
	if assigneeID != "" {
		body["assignee_id"] = assigneeID
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "projects/"+url.PathEscape(projectID)+"/issues", body, &resp)
	return resp, err
}

func (c *Client) GetIssue(ctx context.Context, issueID string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(issueID), nil, &resp)
	return resp, err
}

// AvailableTransitions lists the transitions leaving the issue's status in declaration order.
func (c *Client) AvailableTransitions(ctx context.Context, issueID string) ([]Transition, error) {
	var resp []Transition
	err := c.do(ctx, http.MethodGet, "issues/"+url.PathEscape(issueID)+"/transitions", nil, &resp)
	return resp, err
}

// Transition executes a named transition. fields is the transition input read by validators.
func (c *Client) Transition(ctx context.Context, issueID, name string, fields map[string]string) (TransitionResult, error) {
	body := map[string]any{"transition": name}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "issues/"+url.PathEscape(issueID)+"/transitions", body, &resp)
	return resp, err
}

func (c *Client) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, "workflows", nil, &resp)
	return resp, err
}

// CloneScheme deep-copies a scheme. An empty name yields "Copy of <source>".
func (c *Client) CloneScheme(ctx context.Context, kind, schemeID, name string) (Scheme, error) {
	var resp Scheme
	err := c.do(ctx, http.MethodPost, schemePath(kind, schemeID, "clone"), map[string]any{"name": name}, &resp)
	return resp, err
}

func (c *Client) CountProjectsUsing(ctx context.Context, kind, schemeID string) (int, error) {
	var resp struct {
		ProjectCount int `json:"project_count"`
	}
	err := c.do(ctx, http.MethodGet, schemePath(kind, schemeID, "projects/count"), nil, &resp)
	return resp.ProjectCount, err
}

func (c *Client) DeleteScheme(ctx context.Context, kind, schemeID string) error {
	return c.do(ctx, http.MethodDelete, schemePath(kind, schemeID, ""), nil, nil)
}

func (c *Client) AssignScheme(ctx context.Context, projectID, kind, schemeID string) (ProjectBinding, error) {
	var resp ProjectBinding
	endpoint := fmt.Sprintf("projects/%s/schemes/%s", url.PathEscape(projectID), url.PathEscape(kind))
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"scheme_id": schemeID}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func schemePath(kind, id, suffix string) string {
	p := fmt.Sprintf("schemes/%s/%s", url.PathEscape(kind), url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	attempt := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !retryable(apiErr.StatusCode) {
			return backoff.Permanent(err)
		}
		return err
	}
	if method != http.MethodGet || c.MaxRetryElapsed <= 0 {
		return c.once(ctx, method, endpoint, payload, out)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.MaxRetryElapsed
	return backoff.Retry(attempt, backoff.WithContext(b, ctx))
}

func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader = http.NoBody
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.OrgID != "" {
		req.Header.Set("X-Org-Id", c.OrgID)
	}
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
			apiErr.Code, apiErr.Message, apiErr.Details = env.Error.Code, env.Error.Message, env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
