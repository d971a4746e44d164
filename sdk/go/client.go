package crewlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Crewline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// AgentStatus is one roster entry of a status report.
type AgentStatus struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	PrimaryRole       string `json:"primaryRole"`
	CurrentRole       string `json:"currentRole"`
	RequestsUsed      int    `json:"requestsUsed"`
	RequestsRemaining int    `json:"requestsRemaining"`
	CanWork           bool   `json:"canWork"`
}

type BoardSummary struct {
	Backlog    int `json:"backlog"`
	InProgress int `json:"inProgress"`
	InReview   int `json:"inReview"`
	Done       int `json:"done"`
	Stories    int `json:"stories"`
}

// Status is the roster quota picture plus a board summary.
type Status struct {
	Date   string        `json:"date"`
	Agents []AgentStatus `json:"agents"`
	Totals struct {
		Used      int `json:"used"`
		Remaining int `json:"remaining"`
		Capacity  int `json:"capacity"`
	} `json:"totals"`
	Board BoardSummary `json:"board"`
}

type Task struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to"`
	CompletedAt string `json:"completed_at"`
}

type Story struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Criteria []string `json:"criteria"`
	Priority string   `json:"priority"`
}

type Board struct {
	Backlog    []Task       `json:"backlog"`
	InProgress []Task       `json:"in_progress"`
	InReview   []Task       `json:"in_review"`
	Done       []Task       `json:"done"`
	Stories    []Story      `json:"stories"`
	Summary    BoardSummary `json:"summary"`
}

// Session is one audited daily run.
type Session struct {
	ID             string   `json:"id"`
	StartedAt      string   `json:"started_at"`
	EndedAt        string   `json:"ended_at"`
	Status         string   `json:"status"`
	AgentsUsed     []string `json:"agents_used"`
	TasksCompleted int      `json:"tasks_completed"`
	TotalRequests  int      `json:"total_requests"`
}

type ToolCall struct {
	ID         string   `json:"id"`
	ToolName   string   `json:"tool_name"`
	Arguments  []string `json:"arguments"`
	Success    *bool    `json:"success"`
	Error      string   `json:"error"`
	DurationMs int64    `json:"duration_ms"`
}

type Request struct {
	ID         string     `json:"id"`
	AgentID    string     `json:"agent_id"`
	Timestamp  string     `json:"timestamp"`
	DurationMs int64      `json:"duration_ms"`
	Success    *bool      `json:"success"`
	Error      string     `json:"error"`
	ToolCalls  []ToolCall `json:"tool_calls"`
}

type Violation struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	AgentID       string `json:"agent_id"`
	InvariantType string `json:"invariant_type"`
	Operation     string `json:"operation"`
	Target        string `json:"target"`
	Reason        string `json:"reason"`
	Blocked       bool   `json:"blocked"`
	Timestamp     string `json:"timestamp"`
}

type SessionDetail struct {
	Session    Session     `json:"session"`
	Requests   []Request   `json:"requests"`
	Violations []Violation `json:"violations"`
}

type AuditStats struct {
	TotalSessions     int `json:"total_sessions"`
	TotalRequests     int `json:"total_requests"`
	FailedRequests    int `json:"failed_requests"`
	TotalToolCalls    int `json:"total_tool_calls"`
	TotalViolations   int `json:"total_violations"`
	BlockedViolations int `json:"blocked_violations"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id"`
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "v0/health", nil)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "v0/status", &resp)
	return resp, err
}

func (c *Client) Board(ctx context.Context) (Board, error) {
	var resp Board
	err := c.do(ctx, http.MethodGet, "v0/board", &resp)
	return resp, err
}

func (c *Client) AuditStats(ctx context.Context) (AuditStats, error) {
	var resp AuditStats
	err := c.do(ctx, http.MethodGet, "v0/audit/stats", &resp)
	return resp, err
}

// Sessions lists recent sessions, newest first.
func (c *Client) Sessions(ctx context.Context, limit int) ([]Session, error) {
	var resp struct {
		Items []Session `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v0/audit/sessions?limit="+strconv.Itoa(limit), &resp)
	return resp.Items, err
}

func (c *Client) Session(ctx context.Context, id string) (SessionDetail, error) {
	var resp SessionDetail
	err := c.do(ctx, http.MethodGet, "v0/audit/sessions/"+url.PathEscape(id), &resp)
	return resp, err
}

// Violations lists recent violations, or all of one session's when
// sessionID is set.
func (c *Client) Violations(ctx context.Context, sessionID string, limit int) ([]Violation, error) {
	q := url.Values{}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Violation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/audit/violations", q), &resp)
	return resp.Items, err
}

func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "", "")
	return page.Items, err
}

func (c *Client) EventsPage(ctx context.Context, limit int, cursor, sessionID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if sessionID != "" {
		q.Set("session_id", sessionID)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, method, url, &bytes.Buffer{})
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
