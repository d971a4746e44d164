package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"crewline/internal/agent"
	"crewline/internal/audit"
	"crewline/internal/board"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/intake"
	"crewline/internal/logging"
	"crewline/internal/metrics"
	"crewline/internal/policy"
	"crewline/internal/provider"
	"crewline/internal/repo"
)

const (
	dateLayout   = "2006-01-02"
	progressKind = "daily-progress"
	usageKind    = "agent-usage"
)

// TaskSource yields the tasks to merge into the backlog at the start of a run.
type TaskSource interface {
	Load(ctx context.Context) ([]domain.Task, error)
}

type TaskSourceFunc func(ctx context.Context) ([]domain.Task, error)

func (f TaskSourceFunc) Load(ctx context.Context) ([]domain.Task, error) { return f(ctx) }

// Deps are the collaborators the engine does not own.
type Deps struct {
	Provider provider.Provider
	Tools    agent.Executor
	Tasks    TaskSource
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   *audit.Store
	Events  events.Writer
	Config  *config.Config
	Checker policy.Checker
	Now     func() time.Time
	Deps    Deps
}

func New(db *sql.DB, cfg *config.Config, deps Deps) Engine {
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Tasks == nil {
		deps.Tasks = intake.File{Path: cfg.Project.TaskSource}
	}
	if deps.Provider != nil {
		interval := time.Duration(cfg.Policy.Execution.MinRequestIntervalMs) * time.Millisecond
		deps.Provider = provider.WithMinInterval(deps.Provider, interval)
	}
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Audit:   audit.New(db),
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Checker: policy.NewChecker(cfg.Policy, nil),
		Now:     time.Now,
		Deps:    deps,
	}
}

func (e Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	if e.Config == nil {
		return now()
	}
	return now().In(e.Config.Location())
}

func (e Engine) today() string {
	return e.now().Format(dateLayout)
}

func (e Engine) logger() *logging.Logger {
	if e.Deps.Logger == nil {
		return logging.Nop().Named("engine")
	}
	return e.Deps.Logger.Named("engine")
}

// Agents builds the roster from config and restores each member's persisted
// counters.
func (e Engine) Agents(ctx context.Context) ([]*agent.Agent, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	deps := agent.Deps{
		Auditor:     e.Audit,
		Tools:       e.Deps.Tools,
		Store:       e.Repo,
		Provider:    e.Deps.Provider,
		Checker:     e.Checker,
		Logger:      e.Deps.Logger,
		Metrics:     e.Deps.Metrics,
		MaxRequests: e.Config.Quota.MaxRequestsPerDay,
		Now:         e.now,
	}
	agents := make([]*agent.Agent, 0, len(e.Config.Agents))
	for _, ac := range e.Config.Agents {
		a := agent.New(ac, deps)
		if err := a.LoadState(ctx); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Board loads the persisted task board.
func (e Engine) Board(ctx context.Context) (*board.Board, error) {
	b := board.New(e.Repo)
	b.SetClock(e.now)
	if err := b.Load(ctx); err != nil {
		return nil, fmt.Errorf("load board: %w", err)
	}
	return b, nil
}

// Totals is the roster-wide quota picture.
type Totals struct {
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
	Capacity  int `json:"capacity"`
}

// StatusReport is a read-only snapshot of the roster and board.
type StatusReport struct {
	Date   string         `json:"date"`
	Agents []agent.Status `json:"agents"`
	Totals Totals         `json:"totals"`
	Board  board.Summary  `json:"board"`
}

func (e Engine) Status(ctx context.Context) (StatusReport, error) {
	agents, err := e.Agents(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	b, err := e.Board(ctx)
	if err != nil {
		return StatusReport{}, err
	}
	report := StatusReport{Date: e.today(), Board: b.Summary()}
	for _, a := range agents {
		st := a.Status()
		report.Agents = append(report.Agents, st)
		report.Totals.Used += st.RequestsUsed
		report.Totals.Remaining += st.RequestsRemaining
	}
	report.Totals.Capacity = len(agents) * e.Config.Quota.MaxRequestsPerDay
	return report, nil
}

// Progress loads the stored daily progress report for date.
func (e Engine) Progress(ctx context.Context, date string) (Progress, error) {
	var p Progress
	if err := e.Repo.GetDocument(ctx, progressKind, date, &p); err != nil {
		return Progress{}, err
	}
	return p, nil
}

// History returns the stored daily progress reports, newest first.
func (e Engine) History(ctx context.Context, limit int) ([]Progress, error) {
	docs, err := e.Repo.ListDocuments(ctx, progressKind, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(docs))
	for _, d := range docs {
		var p Progress
		if err := json.Unmarshal(d.Body, &p); err != nil {
			return nil, fmt.Errorf("decode progress %s: %w", d.Key, err)
		}
		out = append(out, p)
	}
	return out, nil
}
