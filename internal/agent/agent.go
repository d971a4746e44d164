// Package agent is the runtime gateway between a roster member and the
// outside world. Each reasoning call is quota-checked and audited; every tool
// call it yields is audited, validated against policy and only then executed.
package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"crewline/internal/audit"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/logging"
	"crewline/internal/metrics"
	"crewline/internal/policy"
	"crewline/internal/provider"
	"crewline/internal/tools"
)

const dateLayout = "2006-01-02"

// Auditor records requests, tool calls and violations.
type Auditor interface {
	LogRequest(ctx context.Context, sessionID, agentID, agentName, prompt string) (string, error)
	UpdateRequest(ctx context.Context, id string, out audit.RequestOutcome) error
	LogToolCall(ctx context.Context, requestID, agentID, tool string, args []string) (string, error)
	UpdateToolCall(ctx context.Context, id string, out audit.ToolOutcome) error
	LogViolation(ctx context.Context, v domain.Violation) (string, error)
}

// Executor runs a validated tool call.
type Executor interface {
	Execute(ctx context.Context, caller tools.Caller, name string, args []string) (string, error)
}

// StateStore persists agent counters between runs.
type StateStore interface {
	GetDocument(ctx context.Context, kind, key string, v any) error
	PutDocument(ctx context.Context, kind, key string, v any) error
}

type Deps struct {
	Auditor     Auditor
	Tools       Executor
	Store       StateStore
	Provider    provider.Provider
	Checker     policy.Checker
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	MaxRequests int
	Now         func() time.Time
}

type Agent struct {
	ID            string
	Name          string
	PrimaryRole   domain.Role
	CurrentRole   domain.Role
	RequestsToday int
	LastResetDate string
	LastActive    string

	deps Deps
	log  *logging.Logger
}

// Plan is the raw reasoning output of one successful request.
type Plan struct {
	RequestID string
	Text      string
}

type ActionResult struct {
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome aggregates the results of acting on a plan. Success reports that the
// plan was acted on, not that every action succeeded.
type Outcome struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Actions []ActionResult `json:"actions,omitempty"`
}

type Status struct {
	ID                string      `json:"id"`
	Name              string      `json:"name"`
	PrimaryRole       domain.Role `json:"primaryRole"`
	CurrentRole       domain.Role `json:"currentRole"`
	RequestsUsed      int         `json:"requestsUsed"`
	RequestsRemaining int         `json:"requestsRemaining"`
	CanWork           bool        `json:"canWork"`
}

func New(cfg config.AgentConfig, deps Deps) *Agent {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}
	return &Agent{
		ID:          cfg.ID,
		Name:        name,
		PrimaryRole: cfg.PrimaryRole,
		CurrentRole: cfg.PrimaryRole,
		deps:        deps,
		log:         log.Named("agent").With(zap.String("agent.id", cfg.ID)),
	}
}

func (a *Agent) today() string {
	return a.deps.Now().Format(dateLayout)
}

// RollDay resets the daily counter when today differs from the last reset.
func (a *Agent) RollDay(today string) {
	if a.LastResetDate != today {
		a.RequestsToday = 0
		a.LastResetDate = today
	}
}

func (a *Agent) CanWork() bool {
	return a.RequestsToday < a.deps.MaxRequests
}

func (a *Agent) RemainingRequests() int {
	return max(a.deps.MaxRequests-a.RequestsToday, 0)
}

// SwitchRole moves the agent into role for subsequent prompts. Flex is not a
// role an agent can switch into.
func (a *Agent) SwitchRole(role domain.Role) bool {
	if !switchable[role] {
		return false
	}
	if role != a.CurrentRole {
		a.log.Info(context.Background(), "switching role",
			zap.String("from", string(a.CurrentRole)), zap.String("to", string(role)))
	}
	a.CurrentRole = role
	return true
}

func (a *Agent) ResetRole() {
	a.CurrentRole = a.PrimaryRole
}

func (a *Agent) Status() Status {
	return Status{
		ID:                a.ID,
		Name:              a.Name,
		PrimaryRole:       a.PrimaryRole,
		CurrentRole:       a.CurrentRole,
		RequestsUsed:      a.RequestsToday,
		RequestsRemaining: a.RemainingRequests(),
		CanWork:           a.CanWork(),
	}
}

// Think asks the reasoning backend for a plan. A nil plan with a nil error
// means no progress: the quota is spent or the backend failed. Errors are
// returned only when the audit trail or agent state cannot be written.
func (a *Agent) Think(ctx context.Context, sessionID, prompt string, info any) (*Plan, error) {
	a.RollDay(a.today())
	if !a.CanWork() {
		a.log.Warn(ctx, "daily limit reached", zap.Int("limit", a.deps.MaxRequests))
		return nil, nil
	}

	full := a.systemPrompt(info) + "\n\n" + a.deps.Checker.Rules.Prompt() + "\n\n" + prompt

	requestID, err := a.deps.Auditor.LogRequest(ctx, sessionID, a.ID, a.Name, prompt)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRequestID(ctx, requestID)
	a.log.Debug(ctx, "thinking", zap.String("prompt", preview(prompt)))

	start := time.Now()
	response, genErr := a.deps.Provider.Generate(ctx, full)
	elapsed := time.Since(start)
	a.deps.Metrics.ObserveRequest(a.ID, genErr == nil, elapsed)

	if genErr != nil {
		a.log.Error(ctx, "reasoning request failed", zap.Error(genErr))
		err := a.deps.Auditor.UpdateRequest(ctx, requestID, audit.RequestOutcome{
			Duration: elapsed,
			Success:  false,
			Error:    genErr.Error(),
		})
		return nil, err
	}

	if err := a.deps.Auditor.UpdateRequest(ctx, requestID, audit.RequestOutcome{
		Response: response,
		Duration: elapsed,
		Success:  true,
	}); err != nil {
		return nil, err
	}

	a.RequestsToday++
	a.LastActive = a.deps.Now().UTC().Format(time.RFC3339)
	a.deps.Metrics.SetQuotaRemaining(a.ID, a.RemainingRequests())
	if err := a.SaveState(ctx); err != nil {
		return nil, err
	}
	a.log.Debug(ctx, "request complete",
		zap.Int("used", a.RequestsToday), zap.Int("limit", a.deps.MaxRequests))
	return &Plan{RequestID: requestID, Text: response}, nil
}

// Act validates and executes the tool calls in plan. Blocked and failed
// actions are recorded in the outcome and do not stop the batch.
func (a *Agent) Act(ctx context.Context, plan *Plan) (Outcome, error) {
	if plan == nil {
		return Outcome{Success: false, Error: "no plan provided"}, nil
	}
	ctx = logging.WithRequestID(ctx, plan.RequestID)

	actions := ParseToolCalls(plan.Text)
	if limit := a.deps.Checker.Rules.Execution.MaxToolCallsPerRequest; limit > 0 && len(actions) > limit {
		a.log.Warn(ctx, "too many tool calls, truncating",
			zap.Int("requested", len(actions)), zap.Int("limit", limit))
		actions = actions[:limit]
	}

	caller := tools.Caller{ID: a.ID, Name: a.Name}
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		res, err := a.perform(ctx, plan.RequestID, caller, action)
		if err != nil {
			return Outcome{Success: true, Actions: results}, err
		}
		results = append(results, res)
	}
	return Outcome{Success: true, Actions: results}, nil
}

func (a *Agent) perform(ctx context.Context, requestID string, caller tools.Caller, action Action) (ActionResult, error) {
	start := time.Now()
	callID, err := a.deps.Auditor.LogToolCall(ctx, requestID, a.ID, action.Tool, action.Args)
	if err != nil {
		return ActionResult{}, err
	}

	verdict := a.deps.Checker.ValidateToolCall(action.Tool, action.Args)
	if !verdict.Valid {
		target := ""
		if len(action.Args) > 0 {
			target = action.Args[0]
		}
		a.log.Warn(ctx, "tool call blocked",
			zap.String("tool", action.Tool),
			zap.String("invariant", verdict.Invariant),
			zap.String("reason", verdict.Reason))
		if _, err := a.deps.Auditor.LogViolation(ctx, domain.Violation{
			RequestID:     requestID,
			AgentID:       a.ID,
			InvariantType: verdict.Invariant,
			Operation:     action.Tool,
			Target:        target,
			Reason:        verdict.Reason,
			Blocked:       true,
		}); err != nil {
			return ActionResult{}, err
		}
		if err := a.deps.Auditor.UpdateToolCall(ctx, callID, audit.ToolOutcome{
			Success:  false,
			Error:    verdict.Reason,
			Duration: time.Since(start),
		}); err != nil {
			return ActionResult{}, err
		}
		a.deps.Metrics.ObserveViolation(action.Tool, verdict.Invariant)
		return ActionResult{Tool: action.Tool, Error: "BLOCKED: " + verdict.Reason}, nil
	}

	a.log.Info(ctx, "executing tool", zap.String("tool", action.Tool), zap.String("target", preview(firstArg(action.Args))))
	out, execErr := a.deps.Tools.Execute(ctx, caller, action.Tool, action.Args)
	a.deps.Metrics.ObserveToolCall(action.Tool, execErr == nil)
	if execErr != nil {
		a.log.Error(ctx, "tool failed", zap.String("tool", action.Tool), zap.Error(execErr))
		if err := a.deps.Auditor.UpdateToolCall(ctx, callID, audit.ToolOutcome{
			Success:  false,
			Error:    execErr.Error(),
			Duration: time.Since(start),
		}); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Tool: action.Tool, Error: execErr.Error()}, nil
	}
	if err := a.deps.Auditor.UpdateToolCall(ctx, callID, audit.ToolOutcome{
		Result:   out,
		Success:  true,
		Duration: time.Since(start),
	}); err != nil {
		return ActionResult{}, err
	}
	return ActionResult{Tool: action.Tool, Success: true, Result: out}, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func preview(s string) string {
	const n = 60
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
