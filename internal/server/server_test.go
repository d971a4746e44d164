package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/metrics"
	"crewline/internal/migrate"
	"crewline/internal/provider/mock"
	"crewline/internal/tools"
	crewlinesdk "crewline/sdk/go"
)

const testSecret = "test-secret"

type nopTools struct{}

func (nopTools) Execute(context.Context, tools.Caller, string, []string) (string, error) {
	return "ok", nil
}

type testServer struct {
	URL       string
	SessionID string
	APIKey    string
	client    *http.Client
	close     func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("website")
	cfg.Project.TaskSource = filepath.Join(workspace, "tasks.md")
	cfg.Quota.MaxRequestsPerDay = 5
	cfg.Policy.Execution.MinRequestIntervalMs = 0
	cfg.Agents = []config.AgentConfig{
		{ID: "product-owner", Name: "Product Owner", PrimaryRole: domain.RoleProduct},
		{ID: "developer-1", Name: "Developer 1", PrimaryRole: domain.RoleDeveloper},
	}
	if err := os.WriteFile(cfg.Project.TaskSource, []byte("## High Priority\n- Add a search box\n- Fix the footer\n"), 0o644); err != nil {
		t.Fatalf("write tasks: %v", err)
	}
	m := metrics.New()
	e := engine.New(conn, cfg, engine.Deps{
		Provider: mock.New("<tool:writeFile>src/index.js|hack</tool>"),
		Tools:    nopTools{},
		Metrics:  m,
	})
	e.Now = func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	progress, err := e.RunDay(context.Background())
	if err != nil {
		t.Fatalf("seed run: %v", err)
	}
	_, plain, err := e.Repo.CreateAPIKey(context.Background(), "ci", "pipeline")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}, Metrics: m})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:       "http://" + ln.Addr().String(),
		SessionID: progress.SessionID,
		APIKey:    plain,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := IssueToken(secret, "dashboard", []string{"viewer"}, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func bearer(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + mintToken(t, testSecret)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected unauthorized, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Basic abc"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid credentials, got %d %s", res.StatusCode, string(data))
	}

	forged := mintToken(t, "another-secret")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected forged token to be rejected, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.Subject != "dashboard" || len(me.Roles) != 1 || me.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": srv.APIKey})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key: %d %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.Subject != "ci" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{"X-Api-Key": "crw_nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected unknown key to be rejected, got %d %s", res.StatusCode, string(data))
	}
}

func TestIssueTokenRequiresSecretAndSubject(t *testing.T) {
	if _, err := IssueToken("", "x", nil, jwt.RegisteredClaims{}); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := IssueToken("s", " ", nil, jwt.RegisteredClaims{}); err == nil {
		t.Fatalf("expected error without subject")
	}
}

func TestStatusAndBoard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/status", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(data))
	}
	var report engine.StatusReport
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if len(report.Agents) != 2 || report.Totals.Capacity != 10 {
		t.Fatalf("unexpected report: %+v", report)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/board", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board: %d %s", res.StatusCode, string(data))
	}
	var b BoardResponse
	if err := json.Unmarshal(data, &b); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	total := b.Summary.Backlog + b.Summary.InProgress + b.Summary.InReview + b.Summary.Done
	if total != 2 {
		t.Fatalf("expected both tasks on the board, got %+v", b.Summary)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/progress/2024-01-01", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/progress/2023-12-31", nil, bearer(t))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected missing progress to 404, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/progress", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("progress list: %d %s", res.StatusCode, string(data))
	}
	var history progressList
	_ = json.Unmarshal(data, &history)
	if len(history.Items) != 1 || history.Items[0].Date != "2024-01-01" {
		t.Fatalf("unexpected history: %+v", history)
	}
}

func TestAuditEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/stats", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", res.StatusCode, string(data))
	}
	var stats StatsResponse
	_ = json.Unmarshal(data, &stats)
	if stats.TotalSessions != 1 || stats.TotalViolations == 0 || stats.BlockedViolations != stats.TotalViolations {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/sessions?limit=5", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sessions: %d %s", res.StatusCode, string(data))
	}
	var sessions sessionList
	_ = json.Unmarshal(data, &sessions)
	if len(sessions.Items) != 1 || sessions.Items[0].ID != srv.SessionID || sessions.Items[0].Status != "completed" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
	if len(sessions.Items[0].AgentsUsed) != 2 {
		t.Fatalf("expected roster in agents_used, got %v", sessions.Items[0].AgentsUsed)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/sessions/"+srv.SessionID, nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session detail: %d %s", res.StatusCode, string(data))
	}
	var detail SessionDetailResponse
	_ = json.Unmarshal(data, &detail)
	if len(detail.Requests) == 0 || len(detail.Violations) == 0 {
		t.Fatalf("expected requests and violations, got %+v", detail)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/sessions/nope", nil, bearer(t))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/violations?session_id="+srv.SessionID, nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("violations: %d %s", res.StatusCode, string(data))
	}
	var vs violationList
	_ = json.Unmarshal(data, &vs)
	if len(vs.Items) != len(detail.Violations) {
		t.Fatalf("expected %d violations, got %d", len(detail.Violations), len(vs.Items))
	}
	for _, v := range vs.Items {
		if !v.Blocked || v.InvariantType == "" {
			t.Fatalf("unexpected violation: %+v", v)
		}
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=3", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var first paginatedEvents
	_ = json.Unmarshal(data, &first)
	if len(first.Items) != 3 || first.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", first)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=3&cursor="+first.NextCursor, nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2: %d %s", res.StatusCode, string(data))
	}
	var second paginatedEvents
	_ = json.Unmarshal(data, &second)
	if len(second.Items) == 0 {
		t.Fatalf("expected a second page")
	}
	last := first.Items[len(first.Items)-1].ID
	if second.Items[0].ID != last-1 {
		t.Fatalf("expected page 2 to continue at %d, got %d", last-1, second.Items[0].ID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=session.completed", nil, bearer(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered events: %d %s", res.StatusCode, string(data))
	}
	var completed paginatedEvents
	_ = json.Unmarshal(data, &completed)
	if len(completed.Items) != 1 || completed.Items[0].Payload["status"] != "completed" {
		t.Fatalf("unexpected session.completed events: %+v", completed.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, bearer(t))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "bad_request" {
		t.Fatalf("expected bad cursor to 400, got %d %s", res.StatusCode, string(data))
	}
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "crewline_") {
		t.Fatalf("metrics: %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d %s", res.StatusCode, string(data))
	}
	var oas map[string]any
	if err := json.Unmarshal(data, &oas); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	paths, _ := oas["paths"].(map[string]any)
	if _, ok := paths["/v0/audit/sessions/{session_id}"]; !ok {
		t.Fatalf("openapi missing session detail path")
	}
}

func TestSDKClient(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	c := crewlinesdk.New(srv.URL, mintToken(t, testSecret))
	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(st.Agents) != 2 || st.Agents[0].ID != "product-owner" {
		t.Fatalf("unexpected status: %+v", st)
	}
	sessions, err := c.Sessions(ctx, 10)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("sessions: %v %+v", err, sessions)
	}
	detail, err := c.Session(ctx, sessions[0].ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if detail.Session.ID != srv.SessionID {
		t.Fatalf("unexpected session: %+v", detail.Session)
	}
	page, err := c.EventsPage(ctx, 2, "", srv.SessionID)
	if err != nil || len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("events page: %v %+v", err, page)
	}

	keyed := crewlinesdk.New(srv.URL, "")
	keyed.APIKey = srv.APIKey
	if _, err := keyed.AuditStats(ctx); err != nil {
		t.Fatalf("stats with api key: %v", err)
	}

	anon := crewlinesdk.New(srv.URL, "")
	_, err = anon.Board(ctx)
	apiErr, ok := err.(*crewlinesdk.APIError)
	if !ok || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 api error, got %v", err)
	}
}
