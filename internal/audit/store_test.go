package audit

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	s := New(conn)
	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestIDFormat(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	re := regexp.MustCompile(`^sess-[0-9a-z]+-[0-9a-z]{6}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id := newID(prefixSession, now)
		require.Regexp(t, re, id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sessID, err := s.CreateSession(ctx)
	require.NoError(t, err)
	sess, err := s.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, sess.Status)
	assert.Empty(t, sess.EndedAt)

	reqID, err := s.LogRequest(ctx, sessID, "developer-1", "Developer 1", "build the page")
	require.NoError(t, err)
	assert.Regexp(t, `^req-`, reqID)

	require.NoError(t, s.UpdateRequest(ctx, reqID, RequestOutcome{Response: "done", Duration: 1500 * time.Millisecond, Success: true}))
	err = s.UpdateRequest(ctx, reqID, RequestOutcome{Response: "again", Success: false})
	assert.ErrorIs(t, err, ErrAlreadyCompleted)

	reqs, err := s.SessionRequests(ctx, sessID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "done", reqs[0].Response)
	assert.Equal(t, int64(1500), reqs[0].DurationMs)
	require.NotNil(t, reqs[0].Success)
	assert.True(t, *reqs[0].Success)
	assert.NotEmpty(t, reqs[0].CompletedAt)

	assert.ErrorIs(t, s.UpdateRequest(ctx, "req-missing", RequestOutcome{}), ErrNotFound)
}

func TestToolCallLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sessID, err := s.CreateSession(ctx)
	require.NoError(t, err)
	reqID, err := s.LogRequest(ctx, sessID, "developer-1", "", "p")
	require.NoError(t, err)

	tcID, err := s.LogToolCall(ctx, reqID, "developer-1", "writeFile", []string{"website/a.html", "<p>a|b</p>"})
	require.NoError(t, err)
	calls, err := s.RequestToolCalls(ctx, reqID)
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Success)
	assert.Equal(t, []string{"website/a.html", "<p>a|b</p>"}, calls[0].Arguments)

	require.NoError(t, s.UpdateToolCall(ctx, tcID, ToolOutcome{Success: false, Error: "BLOCKED: nope"}))
	assert.ErrorIs(t, s.UpdateToolCall(ctx, tcID, ToolOutcome{Success: true}), ErrAlreadyCompleted)
	assert.ErrorIs(t, s.UpdateToolCall(ctx, "tool-missing", ToolOutcome{}), ErrNotFound)

	calls, err = s.RequestToolCalls(ctx, reqID)
	require.NoError(t, err)
	require.NotNil(t, calls[0].Success)
	assert.False(t, *calls[0].Success)
	assert.Equal(t, "BLOCKED: nope", calls[0].Error)
}

func TestReferentialIntegrity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.LogRequest(ctx, "sess-unknown", "developer-1", "", "p")
	assert.Error(t, err)
	_, err = s.LogToolCall(ctx, "req-unknown", "developer-1", "gitStatus", nil)
	assert.Error(t, err)
	_, err = s.LogViolation(ctx, domain.Violation{RequestID: "req-unknown", AgentID: "a", InvariantType: "x", Operation: "y", Reason: "z", Blocked: true})
	assert.Error(t, err)
}

func TestEndSessionOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sessID, err := s.CreateSession(ctx)
	require.NoError(t, err)

	stats := SessionStats{AgentsUsed: []string{"developer-1", "qa-engineer-1"}, TasksCompleted: 2, TotalRequests: 5}
	require.NoError(t, s.EndSession(ctx, sessID, stats, domain.SessionCompleted))
	assert.ErrorIs(t, s.EndSession(ctx, sessID, stats, domain.SessionFailed), ErrAlreadyCompleted)
	assert.ErrorIs(t, s.EndSession(ctx, "sess-missing", stats, domain.SessionCompleted), ErrNotFound)

	sess, err := s.GetSession(ctx, sessID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, sess.Status)
	assert.Equal(t, "developer-1,qa-engineer-1", sess.AgentsUsed)
	assert.Equal(t, 2, sess.TasksCompleted)
	assert.Equal(t, 5, sess.TotalRequests)
	assert.NotEmpty(t, sess.EndedAt)

	_, err = s.GetSession(ctx, "sess-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionDetailAndStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	sessA, err := s.CreateSession(ctx)
	require.NoError(t, err)
	sessB, err := s.CreateSession(ctx)
	require.NoError(t, err)

	req1, err := s.LogRequest(ctx, sessA, "developer-1", "Developer 1", "one")
	require.NoError(t, err)
	req2, err := s.LogRequest(ctx, sessA, "qa-engineer-1", "QA 1", "two")
	require.NoError(t, err)
	reqB, err := s.LogRequest(ctx, sessB, "developer-2", "Developer 2", "other")
	require.NoError(t, err)
	require.NoError(t, s.UpdateRequest(ctx, req1, RequestOutcome{Success: true}))
	require.NoError(t, s.UpdateRequest(ctx, req2, RequestOutcome{Success: false, Error: "provider down"}))

	for _, tool := range []string{"readFile", "writeFile"} {
		_, err := s.LogToolCall(ctx, req1, "developer-1", tool, []string{"website/index.html"})
		require.NoError(t, err)
	}
	_, err = s.LogToolCall(ctx, reqB, "developer-2", "gitStatus", nil)
	require.NoError(t, err)

	_, err = s.LogViolation(ctx, domain.Violation{RequestID: req1, AgentID: "developer-1", InvariantType: "files.readOnlyPaths", Operation: "writeFile", Target: "src/a.js", Reason: "read-only", Blocked: true})
	require.NoError(t, err)
	_, err = s.LogViolation(ctx, domain.Violation{RequestID: reqB, AgentID: "developer-2", InvariantType: "git.protectedBranches", Operation: "gitMerge", Reason: "protected", Blocked: false})
	require.NoError(t, err)

	detail, err := s.SessionDetail(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, sessA, detail.Session.ID)
	require.Len(t, detail.Requests, 2)
	assert.Equal(t, req1, detail.Requests[0].ID)
	require.Len(t, detail.Requests[0].ToolCalls, 2)
	assert.Equal(t, "readFile", detail.Requests[0].ToolCalls[0].ToolName)
	assert.Equal(t, "writeFile", detail.Requests[0].ToolCalls[1].ToolName)
	assert.Empty(t, detail.Requests[1].ToolCalls)
	require.Len(t, detail.Violations, 1)
	assert.Equal(t, "src/a.js", detail.Violations[0].Target)

	_, err = s.SessionDetail(ctx, "sess-missing")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.CountSessionRequests(ctx, sessA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	recent, err := s.RecentSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, sessB, recent[0].ID)

	violations, err := s.RecentViolations(ctx, 1)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "git.protectedBranches", violations[0].InvariantType)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.AuditStats{
		TotalSessions:     2,
		TotalRequests:     3,
		FailedRequests:    1,
		TotalToolCalls:    3,
		TotalViolations:   2,
		BlockedViolations: 1,
	}, stats)
}
