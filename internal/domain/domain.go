package domain

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleManager   Role = "manager"
	RoleProduct   Role = "product"
	RoleScrum     Role = "scrum"
	RoleDeveloper Role = "developer"
	RoleQA        Role = "qa"
	RoleFlex      Role = "flex"
)

// Valid reports whether r is a known roster role.
func (r Role) Valid() bool {
	switch r {
	case RoleManager, RoleProduct, RoleScrum, RoleDeveloper, RoleQA, RoleFlex:
		return true
	}
	return false
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities high < normal < low. Unknown values sort with normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskInReview   TaskStatus = "in-review"
	TaskDone       TaskStatus = "done"
)

type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      TaskStatus `json:"status"`
	AssignedTo  string     `json:"assignedTo,omitempty"`
	CreatedAt   string     `json:"createdAt,omitempty"`
	StartedAt   string     `json:"startedAt,omitempty"`
	SubmittedAt string     `json:"submittedAt,omitempty"`
	CompletedAt string     `json:"completedAt,omitempty"`
}

// Criteria accepts either a JSON string or an array of strings.
type Criteria []string

func (c *Criteria) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	single = strings.TrimSpace(single)
	if single == "" {
		*c = nil
		return nil
	}
	*c = Criteria{single}
	return nil
}

type Story struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Criteria    Criteria `json:"criteria,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

type Session struct {
	ID             string        `json:"id"`
	StartedAt      string        `json:"started_at" format:"date-time"`
	EndedAt        string        `json:"ended_at,omitempty"`
	Status         SessionStatus `json:"status"`
	AgentsUsed     string        `json:"agents_used,omitempty"`
	TasksCompleted int           `json:"tasks_completed"`
	TotalRequests  int           `json:"total_requests"`
}

type Request struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	AgentID     string     `json:"agent_id"`
	AgentName   string     `json:"agent_name,omitempty"`
	Timestamp   string     `json:"timestamp"`
	Prompt      string     `json:"prompt,omitempty"`
	Response    string     `json:"response,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Success     *bool      `json:"success,omitempty"`
	Error       string     `json:"error,omitempty"`
	CompletedAt string     `json:"completed_at,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID          string   `json:"id"`
	RequestID   string   `json:"request_id"`
	AgentID     string   `json:"agent_id"`
	ToolName    string   `json:"tool_name"`
	Arguments   []string `json:"arguments"`
	Result      string   `json:"result,omitempty"`
	Success     *bool    `json:"success,omitempty"`
	Error       string   `json:"error,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	Timestamp   string   `json:"timestamp"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

type Violation struct {
	ID            string `json:"id"`
	RequestID     string `json:"request_id"`
	AgentID       string `json:"agent_id"`
	InvariantType string `json:"invariant_type"`
	Operation     string `json:"operation"`
	Target        string `json:"target,omitempty"`
	Reason        string `json:"reason"`
	Blocked       bool   `json:"blocked"`
	Timestamp     string `json:"timestamp"`
}

// SessionDetail is a session with its requests (and their tool calls) and violations.
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

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

// APIKey is a long-lived credential for the HTTP API. Only the hash is stored.
type APIKey struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"-"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}
