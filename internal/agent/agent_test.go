package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/audit"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/policy"
	"crewline/internal/provider"
	"crewline/internal/provider/mock"
	"crewline/internal/repo"
	"crewline/internal/tools"
)

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeTools) Execute(_ context.Context, _ tools.Caller, name string, args []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return "", err
	}
	return "ok: " + strings.Join(args, ","), nil
}

type testEnv struct {
	audit   *audit.Store
	repo    repo.Repo
	tools   *fakeTools
	session string
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	env := &testEnv{
		audit: audit.New(conn),
		repo:  repo.Repo{DB: conn},
		tools: &fakeTools{fail: map[string]error{}},
		now:   time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	env.session, err = env.audit.CreateSession(context.Background())
	require.NoError(t, err)
	return env
}

func (e *testEnv) agent(p provider.Provider, maxRequests int, mutate ...func(*policy.Rules)) *Agent {
	rules := policy.DefaultRules()
	rules.Files.ScanSecrets = false
	for _, m := range mutate {
		m(&rules)
	}
	return New(config.AgentConfig{ID: "developer-1", Name: "Developer 1", PrimaryRole: domain.RoleDeveloper}, Deps{
		Auditor:     e.audit,
		Tools:       e.tools,
		Store:       e.repo,
		Provider:    p,
		Checker:     policy.NewChecker(rules, nil),
		MaxRequests: maxRequests,
		Now:         func() time.Time { return e.now },
	})
}

func TestThinkActAuditsEveryAction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.tools.fail["gitPush"] = errors.New("remote rejected")
	a := env.agent(mock.New(strings.Join([]string{
		"<tool:writeFile>website/index.html|<h1>hi</h1></tool>",
		"<tool:writeFile>src/index.js|boom</tool>",
		"<tool:gitPush></tool>",
		"<tool:gitCommit>[feat] add landing page</tool>",
	}, "\n")), 10)

	plan, err := a.Think(ctx, env.session, "build the landing page", map[string]any{"task": "landing"})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, 1, a.RequestsToday)

	out, err := a.Act(ctx, plan)
	require.NoError(t, err)
	assert.True(t, out.Success)
	require.Len(t, out.Actions, 4)

	assert.True(t, out.Actions[0].Success)
	assert.False(t, out.Actions[1].Success)
	assert.True(t, strings.HasPrefix(out.Actions[1].Error, "BLOCKED: "), out.Actions[1].Error)
	assert.False(t, out.Actions[2].Success)
	assert.Equal(t, "remote rejected", out.Actions[2].Error)
	assert.True(t, out.Actions[3].Success)

	// blocked calls never reach the executor
	assert.Equal(t, []string{"writeFile", "gitPush", "gitCommit"}, env.tools.calls)

	detail, err := env.audit.SessionDetail(ctx, env.session)
	require.NoError(t, err)
	require.Len(t, detail.Requests, 1)
	req := detail.Requests[0]
	require.NotNil(t, req.Success)
	assert.True(t, *req.Success)
	assert.Equal(t, "build the landing page", req.Prompt)
	require.Len(t, req.ToolCalls, 4)
	for _, tc := range req.ToolCalls {
		require.NotNil(t, tc.Success, tc.ToolName)
		assert.NotEmpty(t, tc.CompletedAt)
	}
	require.Len(t, detail.Violations, 1)
	v := detail.Violations[0]
	assert.Equal(t, policy.InvariantReadOnlyPaths, v.InvariantType)
	assert.Equal(t, "writeFile", v.Operation)
	assert.Equal(t, "src/index.js", v.Target)
	assert.Equal(t, req.ID, v.RequestID)
	assert.True(t, v.Blocked)
}

func TestThinkBackendFailureIsNoProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.agent(mock.NewFailing(errors.New("backend down")), 10)

	plan, err := a.Think(ctx, env.session, "anything", nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
	assert.Equal(t, 0, a.RequestsToday)

	out, err := a.Act(ctx, plan)
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "no plan provided", out.Error)

	reqs, err := env.audit.SessionRequests(ctx, env.session)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	require.NotNil(t, reqs[0].Success)
	assert.False(t, *reqs[0].Success)
	assert.Equal(t, "backend down", reqs[0].Error)
}

func TestQuotaStopsRequests(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := mock.New("done")
	a := env.agent(p, 2)

	for i := 0; i < 2; i++ {
		plan, err := a.Think(ctx, env.session, "work", nil)
		require.NoError(t, err)
		require.NotNil(t, plan)
	}
	assert.False(t, a.CanWork())
	assert.Equal(t, 0, a.RemainingRequests())

	plan, err := a.Think(ctx, env.session, "more", nil)
	require.NoError(t, err)
	assert.Nil(t, plan)
	assert.Len(t, p.Prompts(), 2)

	n, err := env.audit.CountSessionRequests(ctx, env.session)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	env.now = env.now.Add(24 * time.Hour)
	plan, err = a.Think(ctx, env.session, "next day", nil)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, 1, a.RequestsToday)
	assert.Equal(t, "2024-03-05", a.LastResetDate)
}

func TestActTruncatesToolCalls(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.agent(mock.New("<tool:gitStatus></tool><tool:gitBranch></tool><tool:gitLog>2</tool>"), 10,
		func(r *policy.Rules) { r.Execution.MaxToolCallsPerRequest = 2 })

	plan, err := a.Think(ctx, env.session, "look around", nil)
	require.NoError(t, err)
	out, err := a.Act(ctx, plan)
	require.NoError(t, err)
	assert.Len(t, out.Actions, 2)
	assert.Equal(t, []string{"gitStatus", "gitBranch"}, env.tools.calls)
}

func TestPromptCarriesPolicyAndPersona(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := mock.New("ok")
	a := env.agent(p, 10)

	_, err := a.Think(ctx, env.session, "the task prompt", map[string]string{"project": "website"})
	require.NoError(t, err)
	prompts := p.Prompts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "You are Developer 1")
	assert.Contains(t, prompts[0], "INVARIANT RULES")
	assert.Contains(t, prompts[0], `"project": "website"`)
	assert.True(t, strings.HasSuffix(prompts[0], "the task prompt"))
}

func TestStatePersistence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.agent(mock.New("ok"), 5)
	for i := 0; i < 3; i++ {
		_, err := a.Think(ctx, env.session, "work", nil)
		require.NoError(t, err)
	}

	same := env.agent(mock.New(), 5)
	require.NoError(t, same.LoadState(ctx))
	assert.Equal(t, 3, same.RequestsToday)
	assert.Equal(t, 2, same.RemainingRequests())
	assert.NotEmpty(t, same.LastActive)

	env.now = env.now.Add(24 * time.Hour)
	next := env.agent(mock.New(), 5)
	require.NoError(t, next.LoadState(ctx))
	assert.Equal(t, 0, next.RequestsToday)
	assert.Equal(t, "2024-03-05", next.LastResetDate)

	fresh := New(config.AgentConfig{ID: "qa-engineer-1", PrimaryRole: domain.RoleQA}, Deps{Store: env.repo, MaxRequests: 5, Now: func() time.Time { return env.now }})
	require.NoError(t, fresh.LoadState(ctx))
	assert.Equal(t, "qa-engineer-1", fresh.Name)
	assert.True(t, fresh.CanWork())
}

func TestSwitchRole(t *testing.T) {
	env := newTestEnv(t)
	a := env.agent(mock.New(), 1)
	assert.True(t, a.SwitchRole(domain.RoleQA))
	assert.Equal(t, domain.RoleQA, a.CurrentRole)
	assert.False(t, a.SwitchRole(domain.RoleFlex))
	assert.False(t, a.SwitchRole("astronaut"))
	assert.Equal(t, domain.RoleQA, a.CurrentRole)
	a.ResetRole()
	assert.Equal(t, domain.RoleDeveloper, a.CurrentRole)

	st := a.Status()
	assert.Equal(t, "developer-1", st.ID)
	assert.Equal(t, 1, st.RequestsRemaining)
	assert.True(t, st.CanWork)
}

func TestAdaptRole(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.agent(mock.New("The bottleneck is testing, I will act as QA.", "Nothing stands out."), 10)
	a.PrimaryRole, a.CurrentRole = domain.RoleFlex, domain.RoleFlex

	role, err := a.AdaptRole(ctx, env.session, map[string]int{"backlog": 3}, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleQA, role)

	role, err = a.AdaptRole(ctx, env.session, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleQA, role)
}

func TestDeriveStories(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	a := env.agent(mock.New("Here you go:\n```json\n{\"stories\":[{\"id\":\"s1\",\"title\":\"Search\",\"criteria\":\"finds recipes\",\"priority\":\"high\"},{\"title\":\"Jobs page\"}]}\n```"), 10)

	stories, err := a.DeriveStories(ctx, env.session, []string{"Add search", "Add jobs page"})
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, "s1", stories[0].ID)
	assert.Equal(t, domain.Criteria{"finds recipes"}, stories[0].Criteria)
	assert.True(t, strings.HasPrefix(stories[1].ID, "story-"))
}

func TestExtractStoriesTolerance(t *testing.T) {
	assert.Nil(t, ExtractStories("no json here"))
	assert.Nil(t, ExtractStories("{not json}"))
	assert.Empty(t, ExtractStories(`{"stories": []}`))
	got := ExtractStories(`{"stories":[{"id":"a","title":"A","criteria":["x","y"]}]}`)
	require.Len(t, got, 1)
	assert.Equal(t, domain.Criteria{"x", "y"}, got[0].Criteria)
}

func TestSelfImproveRotatesFocus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := mock.New("nothing to do")
	a := env.agent(p, 10)

	_, err := a.SelfImprove(ctx, env.session, "")
	require.NoError(t, err)
	_, err = a.SelfImprove(ctx, env.session, "security")
	require.NoError(t, err)
	prompts := p.Prompts()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "focus: "+FocusAreas[0])
	assert.Contains(t, prompts[1], "focus: security")
}
