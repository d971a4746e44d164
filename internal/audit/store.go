// Package audit persists the forensic trail of orchestrator runs: sessions,
// reasoning requests, tool calls and policy violations.
//
// Every Log* call is an autocommitted insert, so a record exists before the
// action it describes is attempted. Requests and tool calls receive exactly one
// terminal update.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/domain"
)

var (
	ErrNotFound         = errors.New("audit record not found")
	ErrAlreadyCompleted = errors.New("audit record already completed")
)

// tsLayout has a fixed width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000Z07:00"

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

type SessionStats struct {
	AgentsUsed     []string
	TasksCompleted int
	TotalRequests  int
}

type RequestOutcome struct {
	Response string
	Duration time.Duration
	Success  bool
	Error    string
}

type ToolOutcome struct {
	Result   string
	Success  bool
	Error    string
	Duration time.Duration
}

// CreateSession opens a running session.
func (s *Store) CreateSession(ctx context.Context) (string, error) {
	now := s.now()
	id := newID(prefixSession, now)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sessions(id,started_at,status) VALUES (?,?,?)`,
		id, now.Format(tsLayout), domain.SessionRunning)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return id, nil
}

// EndSession closes a running session with its aggregate stats. Closing a
// session twice returns ErrAlreadyCompleted.
func (s *Store) EndSession(ctx context.Context, id string, stats SessionStats, status domain.SessionStatus) error {
	if status == "" || status == domain.SessionRunning {
		status = domain.SessionCompleted
	}
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions SET ended_at=?, status=?, agents_used=?, tasks_completed=?, total_requests=? WHERE id=? AND status=?`,
		s.now().Format(tsLayout), status, strings.Join(stats.AgentsUsed, ","), stats.TasksCompleted, stats.TotalRequests, id, domain.SessionRunning)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return s.checkTerminal(ctx, res, `SELECT 1 FROM sessions WHERE id=?`, id)
}

// LogRequest records the start of a reasoning call.
func (s *Store) LogRequest(ctx context.Context, sessionID, agentID, agentName, prompt string) (string, error) {
	now := s.now()
	id := newID(prefixRequest, now)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO requests(id,session_id,agent_id,agent_name,ts,prompt) VALUES (?,?,?,?,?,?)`,
		id, sessionID, agentID, nullable(agentName), now.Format(tsLayout), prompt)
	if err != nil {
		return "", fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

// UpdateRequest applies the single terminal update to a request.
func (s *Store) UpdateRequest(ctx context.Context, id string, out RequestOutcome) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE requests SET response=?, duration_ms=?, success=?, error=?, completed_at=? WHERE id=? AND completed_at IS NULL`,
		nullable(out.Response), out.Duration.Milliseconds(), out.Success, nullable(out.Error), s.now().Format(tsLayout), id)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return s.checkTerminal(ctx, res, `SELECT 1 FROM requests WHERE id=?`, id)
}

// LogToolCall records an attempted tool invocation before it is validated.
func (s *Store) LogToolCall(ctx context.Context, requestID, agentID, tool string, args []string) (string, error) {
	if args == nil {
		args = []string{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshal tool args: %w", err)
	}
	now := s.now()
	id := newID(prefixToolCall, now)
	_, err = s.DB.ExecContext(ctx, `INSERT INTO tool_calls(id,request_id,agent_id,tool_name,arguments_json,ts) VALUES (?,?,?,?,?,?)`,
		id, requestID, agentID, tool, string(data), now.Format(tsLayout))
	if err != nil {
		return "", fmt.Errorf("insert tool call: %w", err)
	}
	return id, nil
}

// UpdateToolCall applies the single terminal update to a tool call.
func (s *Store) UpdateToolCall(ctx context.Context, id string, out ToolOutcome) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tool_calls SET result=?, success=?, error=?, duration_ms=?, completed_at=? WHERE id=? AND completed_at IS NULL`,
		nullable(out.Result), out.Success, nullable(out.Error), out.Duration.Milliseconds(), s.now().Format(tsLayout), id)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	return s.checkTerminal(ctx, res, `SELECT 1 FROM tool_calls WHERE id=?`, id)
}

// LogViolation records a policy rejection.
func (s *Store) LogViolation(ctx context.Context, v domain.Violation) (string, error) {
	now := s.now()
	id := newID(prefixViolation, now)
	_, err := s.DB.ExecContext(ctx, `INSERT INTO violations(id,request_id,agent_id,invariant_type,operation,target,reason,blocked,ts) VALUES (?,?,?,?,?,?,?,?,?)`,
		id, v.RequestID, v.AgentID, v.InvariantType, v.Operation, nullable(v.Target), v.Reason, v.Blocked, now.Format(tsLayout))
	if err != nil {
		return "", fmt.Errorf("insert violation: %w", err)
	}
	return id, nil
}

func (s *Store) checkTerminal(ctx context.Context, res sql.Result, existsQuery, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err := s.DB.QueryRowContext(ctx, existsQuery, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyCompleted
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
