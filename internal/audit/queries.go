package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"crewline/internal/domain"
)

const (
	sessionColumns = `id,started_at,COALESCE(ended_at,''),status,COALESCE(agents_used,''),tasks_completed,total_requests`
	requestColumns = `id,session_id,agent_id,COALESCE(agent_name,''),ts,COALESCE(prompt,''),COALESCE(response,''),COALESCE(duration_ms,0),success,COALESCE(error,''),COALESCE(completed_at,'')`
)

// toolCallColumns and violationColumns take a table qualifier such as "tc."
// so they can be used in joins.
func toolCallColumns(q string) string {
	return fmt.Sprintf(`%[1]sid,%[1]srequest_id,%[1]sagent_id,%[1]stool_name,%[1]sarguments_json,COALESCE(%[1]sresult,''),%[1]ssuccess,COALESCE(%[1]serror,''),COALESCE(%[1]sduration_ms,0),%[1]sts,COALESCE(%[1]scompleted_at,'')`, q)
}

func violationColumns(q string) string {
	return fmt.Sprintf(`%[1]sid,%[1]srequest_id,%[1]sagent_id,%[1]sinvariant_type,%[1]soperation,COALESCE(%[1]starget,''),%[1]sreason,%[1]sblocked,%[1]sts`, q)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.Status, &s.AgentsUsed, &s.TasksCompleted, &s.TotalRequests)
	return s, err
}

func scanRequest(row scanner) (domain.Request, error) {
	var r domain.Request
	var success sql.NullBool
	err := row.Scan(&r.ID, &r.SessionID, &r.AgentID, &r.AgentName, &r.Timestamp, &r.Prompt, &r.Response, &r.DurationMs, &success, &r.Error, &r.CompletedAt)
	if success.Valid {
		v := success.Bool
		r.Success = &v
	}
	return r, err
}

func scanToolCall(row scanner) (domain.ToolCall, error) {
	var tc domain.ToolCall
	var args string
	var success sql.NullBool
	if err := row.Scan(&tc.ID, &tc.RequestID, &tc.AgentID, &tc.ToolName, &args, &tc.Result, &success, &tc.Error, &tc.DurationMs, &tc.Timestamp, &tc.CompletedAt); err != nil {
		return tc, err
	}
	if success.Valid {
		v := success.Bool
		tc.Success = &v
	}
	if err := json.Unmarshal([]byte(args), &tc.Arguments); err != nil {
		tc.Arguments = []string{args}
	}
	return tc, nil
}

func scanViolation(row scanner) (domain.Violation, error) {
	var v domain.Violation
	err := row.Scan(&v.ID, &v.RequestID, &v.AgentID, &v.InvariantType, &v.Operation, &v.Target, &v.Reason, &v.Blocked, &v.Timestamp)
	return v, err
}

func collect[T any](rows *sql.Rows, scan func(scanner) (T, error)) ([]T, error) {
	defer rows.Close()
	res := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	sess, err := scanSession(s.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return sess, ErrNotFound
	}
	return sess, err
}

// RecentSessions lists sessions newest first (default 10).
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, normalizeLimit(limit, 10))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSession)
}

// SessionRequests lists a session's requests in call order.
func (s *Store) SessionRequests(ctx context.Context, sessionID string) ([]domain.Request, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE session_id=? ORDER BY ts ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRequest)
}

// RequestToolCalls lists a request's tool calls in call order.
func (s *Store) RequestToolCalls(ctx context.Context, requestID string) ([]domain.ToolCall, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+toolCallColumns("")+` FROM tool_calls WHERE request_id=? ORDER BY ts ASC, rowid ASC`, requestID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanToolCall)
}

// SessionDetail returns a session with nested requests, their tool calls, and
// the session's violations.
func (s *Store) SessionDetail(ctx context.Context, id string) (domain.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	requests, err := s.SessionRequests(ctx, id)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+toolCallColumns("tc.")+` FROM tool_calls tc JOIN requests r ON r.id=tc.request_id
WHERE r.session_id=? ORDER BY tc.ts ASC, tc.rowid ASC`, id)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	calls, err := collect(rows, scanToolCall)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	byRequest := map[string][]domain.ToolCall{}
	for _, tc := range calls {
		byRequest[tc.RequestID] = append(byRequest[tc.RequestID], tc)
	}
	for i := range requests {
		requests[i].ToolCalls = byRequest[requests[i].ID]
	}
	violations, err := s.SessionViolations(ctx, id)
	if err != nil {
		return domain.SessionDetail{}, err
	}
	return domain.SessionDetail{Session: sess, Requests: requests, Violations: violations}, nil
}

// RecentViolations lists violations newest first (default 20).
func (s *Store) RecentViolations(ctx context.Context, limit int) ([]domain.Violation, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+violationColumns("")+` FROM violations ORDER BY ts DESC, rowid DESC LIMIT ?`, normalizeLimit(limit, 20))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanViolation)
}

// SessionViolations lists violations raised by a session's requests.
func (s *Store) SessionViolations(ctx context.Context, sessionID string) ([]domain.Violation, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+violationColumns("v.")+` FROM violations v JOIN requests r ON r.id=v.request_id
WHERE r.session_id=? ORDER BY v.ts ASC, v.rowid ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanViolation)
}

// CountSessionRequests counts the requests opened under a session.
func (s *Store) CountSessionRequests(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests WHERE session_id=?`, sessionID).Scan(&n)
	return n, err
}

// Stats returns global totals per record kind.
func (s *Store) Stats(ctx context.Context) (domain.AuditStats, error) {
	var st domain.AuditStats
	err := s.DB.QueryRowContext(ctx, `SELECT
  (SELECT COUNT(*) FROM sessions),
  (SELECT COUNT(*) FROM requests),
  (SELECT COUNT(*) FROM requests WHERE success = 0),
  (SELECT COUNT(*) FROM tool_calls),
  (SELECT COUNT(*) FROM violations),
  (SELECT COUNT(*) FROM violations WHERE blocked = 1)`).
		Scan(&st.TotalSessions, &st.TotalRequests, &st.FailedRequests, &st.TotalToolCalls, &st.TotalViolations, &st.BlockedViolations)
	return st, err
}
