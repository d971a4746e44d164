package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"crewline/internal/agent"
	"crewline/internal/audit"
	"crewline/internal/board"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/knowledge"
	"crewline/internal/logging"
)

// Phase is the record of one run phase.
type Phase struct {
	Name          string `json:"name"`
	DurationMs    int64  `json:"durationMs"`
	TasksAdded    int    `json:"tasksAdded,omitempty"`
	StoriesAdded  int    `json:"storiesAdded,omitempty"`
	TasksWorkedOn int    `json:"tasksWorkedOn,omitempty"`
	// StopReason records why the work loop ended.
	StopReason string `json:"stopReason,omitempty"`
}

// Progress is the daily progress report. TotalRequests counts the audited
// requests of the run's session; QuotaUsed sums every agent's daily counter.
type Progress struct {
	Date           string            `json:"date"`
	SessionID      string            `json:"sessionId"`
	Status         string            `json:"status"`
	Phases         []Phase           `json:"phases"`
	TasksCompleted int               `json:"tasksCompleted"`
	TotalRequests  int               `json:"totalRequests"`
	QuotaUsed      int               `json:"quotaUsed"`
	TaskBoard      board.Summary     `json:"taskBoard"`
	KnowledgeBase  knowledge.Summary `json:"knowledgeBase"`
}

// Reasons the work loop ended.
const (
	StopIterationLimit      = "iteration-limit"
	StopQuotaExhausted      = "quota-exhausted"
	StopBacklogEmpty        = "backlog-empty"
	StopNoDeveloper         = "no-developer"
	StopConsecutiveFailures = "consecutive-failures"
)

type run struct {
	e         Engine
	log       *logging.Logger
	sessionID string
	agents    []*agent.Agent
	board     *board.Board
	kb        *knowledge.Base
	progress  Progress
}

// RunDay executes one Planning, Work and Close-out cycle inside an audit
// session. The session is closed exactly once: completed on success, failed
// with best-effort stats when any step returns an error.
func (e Engine) RunDay(ctx context.Context) (Progress, error) {
	if e.Config == nil {
		return Progress{}, errors.New("config not loaded")
	}
	if e.Deps.Provider == nil || e.Deps.Tools == nil {
		return Progress{}, errors.New("engine has no provider or tools")
	}
	sessionID, err := e.Audit.CreateSession(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("start session: %w", err)
	}
	ctx = logging.WithSessionID(ctx, sessionID)
	r := &run{
		e:         e,
		log:       e.logger(),
		sessionID: sessionID,
		progress:  Progress{Date: e.today(), SessionID: sessionID},
	}
	r.log.Info(ctx, "day started", zap.String("date", r.progress.Date))
	if err := r.event(ctx, events.SessionStarted, "session", sessionID, "", events.EventPayload{"date": r.progress.Date}); err != nil {
		return r.finish(ctx, err)
	}

	err = r.execute(ctx)
	return r.finish(ctx, err)
}

func (r *run) execute(ctx context.Context) error {
	if err := r.setup(ctx); err != nil {
		return err
	}
	if err := r.phase(ctx, "planning", r.planning); err != nil {
		return err
	}
	if err := r.phase(ctx, "work", r.work); err != nil {
		return err
	}
	if err := r.phase(ctx, "close-out", r.closeOut); err != nil {
		return err
	}
	return r.saveReports(ctx)
}

func (r *run) setup(ctx context.Context) error {
	agents, err := r.e.Agents(ctx)
	if err != nil {
		return err
	}
	today := r.e.today()
	for _, a := range agents {
		a.RollDay(today)
	}
	r.agents = agents

	if r.board, err = r.e.Board(ctx); err != nil {
		return err
	}
	cfg := r.e.Config.Knowledge
	r.kb = knowledge.New(r.e.Repo, knowledge.Limits{
		Decisions:  cfg.MaxDecisions,
		Learnings:  cfg.MaxLearnings,
		Activities: cfg.MaxActivities,
	})
	r.kb.SetClock(r.e.now)
	if err := r.kb.Load(ctx); err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}
	return nil
}

// phase runs fn bracketed by phase events and appends its record.
func (r *run) phase(ctx context.Context, name string, fn func(context.Context, *Phase) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.log.Info(ctx, "phase started", zap.String("phase", name))
	if err := r.event(ctx, events.PhaseStarted, "phase", name, "", nil); err != nil {
		return err
	}
	start := time.Now()
	p := Phase{Name: name}
	if err := fn(ctx, &p); err != nil {
		return fmt.Errorf("%s phase: %w", name, err)
	}
	p.DurationMs = time.Since(start).Milliseconds()
	r.progress.Phases = append(r.progress.Phases, p)
	return r.event(ctx, events.PhaseCompleted, "phase", name, "", events.EventPayload{"duration_ms": p.DurationMs})
}

func (r *run) planning(ctx context.Context, p *Phase) error {
	tasks, err := r.e.Deps.Tasks.Load(ctx)
	if err != nil {
		return fmt.Errorf("read task source: %w", err)
	}
	p.TasksAdded = r.board.AddToBacklog(tasks)

	if product := r.first(domain.RoleProduct); product != nil && product.CanWork() && len(tasks) > 0 {
		descriptions := make([]string, 0, len(tasks))
		for _, t := range tasks {
			descriptions = append(descriptions, t.Description)
		}
		stories, err := product.DeriveStories(ctx, r.sessionID, descriptions)
		if err != nil {
			return err
		}
		if n := r.board.AddStories(stories); n > 0 {
			p.StoriesAdded = n
			if err := r.event(ctx, events.StoriesAdded, "board", "stories", product.ID, events.EventPayload{"count": n}); err != nil {
				return err
			}
		}
	}

	if scrum := r.first(domain.RoleScrum); scrum != nil && scrum.CanWork() {
		summary, err := scrum.FacilitateStandup(ctx, r.sessionID, r.teamStatus())
		if err != nil {
			return err
		}
		if summary != "" {
			r.kb.AddActivity(scrum.ID, "standup", map[string]any{"summary": summary})
			r.kb.AddDecision(scrum.ID, "Standup plan for "+r.progress.Date, summary)
		}
	}
	return r.board.Save(ctx)
}

func (r *run) work(ctx context.Context, p *Phase) error {
	maxFailures := r.e.Config.Policy.Execution.MaxConsecutiveFailures
	failures := 0
	p.StopReason = StopIterationLimit
	for i := 0; i < r.e.Config.Workflow.MaxIterations; i++ {
		if !r.hasCapacity() {
			p.StopReason = StopQuotaExhausted
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		task, ok := r.board.NextTask()
		if !ok {
			r.log.Info(ctx, "backlog empty")
			p.StopReason = StopBacklogEmpty
			break
		}
		dev := r.availableDeveloper()
		if dev == nil {
			r.log.Info(ctx, "no developer has quota left")
			p.StopReason = StopNoDeveloper
			break
		}
		if _, ok := r.board.Assign(task.ID, dev.ID); !ok {
			break
		}
		if err := r.event(ctx, events.TaskAssigned, "task", task.ID, dev.ID, events.EventPayload{"description": task.Description}); err != nil {
			return err
		}

		out, err := dev.ImplementTask(ctx, r.sessionID, task, r.kb.Context())
		if err != nil {
			return err
		}
		r.learnFromBlocked(dev.ID, task.ID, out)
		if !out.Success {
			failures++
			r.log.Warn(ctx, "task made no progress", zap.String("task", task.ID), zap.String("agent", dev.ID), zap.Int("consecutive", failures))
			if maxFailures > 0 && failures >= maxFailures {
				r.log.Warn(ctx, "stopping work loop after consecutive failures", zap.Int("failures", failures))
				p.StopReason = StopConsecutiveFailures
				break
			}
			continue
		}
		failures = 0
		r.board.Complete(task.ID)
		p.TasksWorkedOn++
		r.kb.AddActivity(dev.ID, "completed-task", map[string]any{"taskId": task.ID})
		if err := r.event(ctx, events.TaskCompleted, "task", task.ID, dev.ID, events.EventPayload{"actions": len(out.Actions)}); err != nil {
			return err
		}
	}

	if last, ok := r.board.LastDone(); ok {
		for _, qa := range r.all(domain.RoleQA) {
			if !qa.CanWork() {
				continue
			}
			out, err := qa.PerformTesting(ctx, r.sessionID, last.Description)
			if err != nil {
				return err
			}
			if err := r.event(ctx, events.TaskReviewed, "task", last.ID, qa.ID, events.EventPayload{"success": out.Success}); err != nil {
				return err
			}
		}
	}

	for _, flex := range r.all(domain.RoleFlex) {
		if !flex.CanWork() {
			continue
		}
		before := flex.CurrentRole
		role, err := flex.AdaptRole(ctx, r.sessionID, r.teamStatus(), len(r.board.Backlog))
		if err != nil {
			return err
		}
		if role != before {
			r.kb.AddDecision(flex.ID, fmt.Sprintf("Switched to %s", role), fmt.Sprintf("%d tasks pending in backlog", len(r.board.Backlog)))
		}
		if next, ok := r.board.NextTask(); ok && flex.CanWork() {
			if _, err := flex.Contribute(ctx, r.sessionID, next); err != nil {
				return err
			}
		}
	}

	threshold := r.e.Config.Workflow.SelfImproveThreshold
	for _, dev := range r.all(domain.RoleDeveloper) {
		if dev.CanWork() && dev.RemainingRequests() > threshold {
			focus := agent.FocusAreas[dev.RequestsToday%len(agent.FocusAreas)]
			out, err := dev.SelfImprove(ctx, r.sessionID, focus)
			if err != nil {
				return err
			}
			if out.Success {
				r.kb.AddLearning(dev.ID, fmt.Sprintf("Self-improvement pass on %s: %d actions", focus, len(out.Actions)), "self-improvement")
			}
			r.learnFromBlocked(dev.ID, "", out)
		}
	}

	r.progress.TasksCompleted += p.TasksWorkedOn
	return r.board.Save(ctx)
}

func (r *run) closeOut(ctx context.Context, _ *Phase) error {
	r.progress.QuotaUsed = 0
	for _, a := range r.agents {
		r.progress.QuotaUsed += a.RequestsToday
	}
	r.kb.UpdateProjectState(map[string]any{
		"lastRunDate":    r.progress.Date,
		"lastSessionId":  r.sessionID,
		"tasksCompleted": r.progress.TasksCompleted,
		"openTasks":      len(r.board.Backlog) + len(r.board.InProgress) + len(r.board.InReview),
	})
	return r.kb.Save(ctx)
}

func (r *run) saveReports(ctx context.Context) error {
	r.progress.TaskBoard = r.board.Summary()
	r.progress.KnowledgeBase = r.kb.Summary()
	total, err := r.e.Audit.CountSessionRequests(ctx, r.sessionID)
	if err != nil {
		return err
	}
	r.progress.TotalRequests = total
	r.progress.Status = string(domain.SessionCompleted)
	if err := r.e.Repo.PutDocument(ctx, progressKind, r.progress.Date, r.progress); err != nil {
		return fmt.Errorf("save progress report: %w", err)
	}
	usage := make(map[string]agent.Status, len(r.agents))
	for _, a := range r.agents {
		usage[a.ID] = a.Status()
	}
	if err := r.e.Repo.PutDocument(ctx, usageKind, r.progress.Date, usage); err != nil {
		return fmt.Errorf("save usage report: %w", err)
	}
	return nil
}

// finish closes the session. Closing uses a context detached from
// cancellation so an interrupted run still records its end.
func (r *run) finish(ctx context.Context, runErr error) (Progress, error) {
	closeCtx := context.WithoutCancel(ctx)
	status := domain.SessionCompleted
	evtType := events.SessionCompleted
	if runErr != nil {
		status = domain.SessionFailed
		evtType = events.SessionFailed
		r.progress.Status = string(status)
		if n, err := r.e.Audit.CountSessionRequests(closeCtx, r.sessionID); err == nil {
			r.progress.TotalRequests = n
		}
	}

	ids := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		ids = append(ids, a.ID)
	}
	stats := audit.SessionStats{
		AgentsUsed:     ids,
		TasksCompleted: r.progress.TasksCompleted,
		TotalRequests:  r.progress.TotalRequests,
	}
	if err := r.e.Audit.EndSession(closeCtx, r.sessionID, stats, status); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("end session: %w", err))
	}

	payload := events.EventPayload{
		"date":            r.progress.Date,
		"status":          string(status),
		"tasks_completed": r.progress.TasksCompleted,
		"total_requests":  r.progress.TotalRequests,
		"quota_used":      r.progress.QuotaUsed,
		"agents_used":     ids,
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := r.event(closeCtx, evtType, "session", r.sessionID, "", payload); err != nil {
		r.log.Error(closeCtx, "record session end event", zap.Error(err))
	}
	r.e.Deps.Metrics.ObserveRun(string(status))

	if runErr != nil {
		r.log.Error(closeCtx, "day failed", zap.Error(runErr))
		return r.progress, runErr
	}
	r.log.Info(closeCtx, "day complete",
		zap.Int("tasks_completed", r.progress.TasksCompleted),
		zap.Int("total_requests", r.progress.TotalRequests))
	return r.progress, nil
}

func (r *run) event(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) error {
	if actorID == "" {
		actorID = "orchestrator"
	}
	if err := r.e.Events.Append(ctx, nil, evtType, r.sessionID, entityKind, entityID, actorID, payload); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// learnFromBlocked records each policy block as a learning so later prompts
// carry it in the knowledge context.
func (r *run) learnFromBlocked(agentID, taskID string, out agent.Outcome) {
	for _, a := range out.Actions {
		if !strings.HasPrefix(a.Error, "BLOCKED: ") {
			continue
		}
		origin := "policy"
		if taskID != "" {
			origin = "policy:" + taskID
		}
		r.kb.AddLearning(agentID, fmt.Sprintf("%s was blocked: %s", a.Tool, strings.TrimPrefix(a.Error, "BLOCKED: ")), origin)
	}
}

func (r *run) first(role domain.Role) *agent.Agent {
	for _, a := range r.agents {
		if a.PrimaryRole == role {
			return a
		}
	}
	return nil
}

func (r *run) all(role domain.Role) []*agent.Agent {
	var out []*agent.Agent
	for _, a := range r.agents {
		if a.PrimaryRole == role {
			out = append(out, a)
		}
	}
	return out
}

func (r *run) availableDeveloper() *agent.Agent {
	for _, a := range r.all(domain.RoleDeveloper) {
		if a.CanWork() {
			return a
		}
	}
	return nil
}

func (r *run) hasCapacity() bool {
	for _, a := range r.agents {
		if a.CanWork() {
			return true
		}
	}
	return false
}

type teamStatus struct {
	Agents    map[string]agent.Status `json:"agents"`
	TaskBoard board.Summary           `json:"taskBoard"`
}

func (r *run) teamStatus() teamStatus {
	st := teamStatus{Agents: make(map[string]agent.Status, len(r.agents)), TaskBoard: r.board.Summary()}
	for _, a := range r.agents {
		st.Agents[a.ID] = a.Status()
	}
	return st
}
