package server

import (
	"encoding/json"
	"strings"

	"crewline/internal/board"
	"crewline/internal/domain"
	"crewline/internal/engine"
)

// Response payloads

type TaskResponse struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority" enum:"high,normal,low"`
	Status      string `json:"status"`
	AssignedTo  string `json:"assigned_to,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	StartedAt   string `json:"started_at,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type StoryResponse struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Criteria    []string `json:"criteria"`
	Priority    string   `json:"priority,omitempty"`
}

type BoardResponse struct {
	Backlog     []TaskResponse  `json:"backlog"`
	InProgress  []TaskResponse  `json:"in_progress"`
	InReview    []TaskResponse  `json:"in_review"`
	Done        []TaskResponse  `json:"done"`
	Stories     []StoryResponse `json:"stories"`
	Summary     board.Summary   `json:"summary"`
	LastUpdated string          `json:"last_updated,omitempty"`
}

type SessionResponse struct {
	ID             string   `json:"id"`
	StartedAt      string   `json:"started_at" format:"date-time"`
	EndedAt        string   `json:"ended_at,omitempty"`
	Status         string   `json:"status" enum:"running,completed,failed"`
	AgentsUsed     []string `json:"agents_used"`
	TasksCompleted int      `json:"tasks_completed"`
	TotalRequests  int      `json:"total_requests"`
}

type ViolationResponse struct {
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

type SessionDetailResponse struct {
	Session    SessionResponse     `json:"session"`
	Requests   []domain.Request    `json:"requests"`
	Violations []ViolationResponse `json:"violations"`
}

type StatsResponse struct {
	TotalSessions     int `json:"total_sessions"`
	TotalRequests     int `json:"total_requests"`
	FailedRequests    int `json:"failed_requests"`
	TotalToolCalls    int `json:"total_tool_calls"`
	TotalViolations   int `json:"total_violations"`
	BlockedViolations int `json:"blocked_violations"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	SessionID  string         `json:"session_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source" enum:"jwt,api_key"`
}

type sessionList struct {
	Items []SessionResponse `json:"items"`
}

type progressList struct {
	Items []engine.Progress `json:"items"`
}

type violationList struct {
	Items []ViolationResponse `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func taskResponses(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskResponse{
			ID:          t.ID,
			Description: t.Description,
			Priority:    string(t.Priority),
			Status:      string(t.Status),
			AssignedTo:  t.AssignedTo,
			CreatedAt:   t.CreatedAt,
			StartedAt:   t.StartedAt,
			SubmittedAt: t.SubmittedAt,
			CompletedAt: t.CompletedAt,
		})
	}
	return out
}

func boardResponse(b *board.Board) BoardResponse {
	res := BoardResponse{
		Backlog:     taskResponses(b.Backlog),
		InProgress:  taskResponses(b.InProgress),
		InReview:    taskResponses(b.InReview),
		Done:        taskResponses(b.Done),
		Stories:     make([]StoryResponse, 0, len(b.Stories)),
		Summary:     b.Summary(),
		LastUpdated: b.LastUpdated,
	}
	for _, s := range b.Stories {
		criteria := []string(s.Criteria)
		if criteria == nil {
			criteria = []string{}
		}
		res.Stories = append(res.Stories, StoryResponse{
			ID:          s.ID,
			Title:       s.Title,
			Description: s.Description,
			Criteria:    criteria,
			Priority:    string(s.Priority),
		})
	}
	return res
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		StartedAt:      s.StartedAt,
		EndedAt:        s.EndedAt,
		Status:         string(s.Status),
		AgentsUsed:     splitList(s.AgentsUsed),
		TasksCompleted: s.TasksCompleted,
		TotalRequests:  s.TotalRequests,
	}
}

func violationResponse(v domain.Violation) ViolationResponse {
	return ViolationResponse(v)
}

func sessionDetailResponse(d domain.SessionDetail) SessionDetailResponse {
	res := SessionDetailResponse{
		Session:    sessionResponse(d.Session),
		Requests:   d.Requests,
		Violations: make([]ViolationResponse, 0, len(d.Violations)),
	}
	if res.Requests == nil {
		res.Requests = []domain.Request{}
	}
	for _, v := range d.Violations {
		res.Violations = append(res.Violations, violationResponse(v))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		SessionID:  e.SessionID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

// splitList reads the comma separated agent list stored on a session.
func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
