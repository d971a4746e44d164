// Package knowledge keeps the team's shared memory between runs: bounded
// decision and learning logs, a per-run activity log, and a free-form project
// state document.
package knowledge

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"crewline/internal/repo"
)

const (
	documentKind    = "knowledge"
	keyProjectState = "project-state"
	keyDecisions    = "decisions"
	keyLearnings    = "learnings"
)

// Store is the document persistence the knowledge base needs.
type Store interface {
	GetDocument(ctx context.Context, kind, key string, v any) error
	PutDocument(ctx context.Context, kind, key string, v any) error
}

type Limits struct {
	Decisions  int
	Learnings  int
	Activities int
}

func DefaultLimits() Limits {
	return Limits{Decisions: 100, Learnings: 100, Activities: 50}
}

type Decision struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentId"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Learning struct {
	ID        string `json:"id"`
	AgentID   string `json:"agentId"`
	Learning  string `json:"learning"`
	Context   string `json:"context,omitempty"`
	Timestamp string `json:"timestamp"`
}

type Activity struct {
	AgentID   string         `json:"agentId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Context is the slice of shared memory handed to an agent's prompt.
type Context struct {
	ProjectState     map[string]any `json:"projectState"`
	RecentDecisions  []Decision     `json:"recentDecisions"`
	RecentLearnings  []Learning     `json:"recentLearnings"`
	RecentActivities []Activity     `json:"recentActivities"`
}

type Summary struct {
	Project        any    `json:"project"`
	TechStack      any    `json:"techStack"`
	FeaturesCount  int    `json:"featuresCount"`
	DecisionsCount int    `json:"decisionsCount"`
	LearningsCount int    `json:"learningsCount"`
	LastUpdated    string `json:"lastUpdated,omitempty"`
}

type Base struct {
	ProjectState map[string]any
	Decisions    []Decision
	Learnings    []Learning
	Activities   []Activity

	store  Store
	limits Limits
	now    func() time.Time
}

func New(store Store, limits Limits) *Base {
	d := DefaultLimits()
	if limits.Decisions <= 0 {
		limits.Decisions = d.Decisions
	}
	if limits.Learnings <= 0 {
		limits.Learnings = d.Learnings
	}
	if limits.Activities <= 0 {
		limits.Activities = d.Activities
	}
	return &Base{
		ProjectState: defaultProjectState(),
		store:        store,
		limits:       limits,
		now:          time.Now,
	}
}

func defaultProjectState() map[string]any {
	return map[string]any{
		"projectName": "website",
		"techStack":   []any{},
		"structure":   map[string]any{},
		"features":    []any{},
	}
}

// SetClock overrides the timestamp source.
func (b *Base) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Base) stamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

// Load restores the three persisted documents. Activities start empty.
func (b *Base) Load(ctx context.Context) error {
	state := defaultProjectState()
	if err := b.get(ctx, keyProjectState, &state); err != nil {
		return err
	}
	var decisions []Decision
	if err := b.get(ctx, keyDecisions, &decisions); err != nil {
		return err
	}
	var learnings []Learning
	if err := b.get(ctx, keyLearnings, &learnings); err != nil {
		return err
	}
	b.ProjectState = state
	b.Decisions = decisions
	b.Learnings = learnings
	b.Activities = nil
	return nil
}

func (b *Base) get(ctx context.Context, key string, v any) error {
	err := b.store.GetDocument(ctx, documentKind, key, v)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

func (b *Base) Save(ctx context.Context) error {
	b.ProjectState["lastUpdated"] = b.stamp()
	if err := b.store.PutDocument(ctx, documentKind, keyProjectState, b.ProjectState); err != nil {
		return err
	}
	if err := b.store.PutDocument(ctx, documentKind, keyDecisions, nonNil(b.Decisions)); err != nil {
		return err
	}
	return b.store.PutDocument(ctx, documentKind, keyLearnings, nonNil(b.Learnings))
}

// UpdateProjectState merges updates into the project state, replacing
// top-level keys.
func (b *Base) UpdateProjectState(updates map[string]any) {
	for k, v := range updates {
		b.ProjectState[k] = v
	}
}

func (b *Base) AddDecision(agentID, decision, rationale string) {
	b.Decisions = capped(append(b.Decisions, Decision{
		ID:        "dec-" + uuid.NewString(),
		AgentID:   agentID,
		Decision:  decision,
		Rationale: rationale,
		Timestamp: b.stamp(),
	}), b.limits.Decisions)
}

func (b *Base) AddLearning(agentID, learning, origin string) {
	b.Learnings = capped(append(b.Learnings, Learning{
		ID:        "learn-" + uuid.NewString(),
		AgentID:   agentID,
		Learning:  learning,
		Context:   origin,
		Timestamp: b.stamp(),
	}), b.limits.Learnings)
}

func (b *Base) AddActivity(agentID, action string, details map[string]any) {
	b.Activities = capped(append(b.Activities, Activity{
		AgentID:   agentID,
		Action:    action,
		Details:   details,
		Timestamp: b.stamp(),
	}), b.limits.Activities)
}

// Context returns the last 10 decisions, 10 learnings and 20 activities
// together with the project state.
func (b *Base) Context() Context {
	return Context{
		ProjectState:     b.ProjectState,
		RecentDecisions:  tail(b.Decisions, 10),
		RecentLearnings:  tail(b.Learnings, 10),
		RecentActivities: tail(b.Activities, 20),
	}
}

func (b *Base) Summary() Summary {
	s := Summary{
		Project:        b.ProjectState["projectName"],
		TechStack:      b.ProjectState["techStack"],
		DecisionsCount: len(b.Decisions),
		LearningsCount: len(b.Learnings),
	}
	if features, ok := b.ProjectState["features"].([]any); ok {
		s.FeaturesCount = len(features)
	}
	if ts, ok := b.ProjectState["lastUpdated"].(string); ok {
		s.LastUpdated = ts
	}
	return s
}

// capped drops the oldest entries beyond limit.
func capped[T any](items []T, limit int) []T {
	if len(items) <= limit {
		return items
	}
	return append([]T(nil), items[len(items)-limit:]...)
}

func tail[T any](items []T, n int) []T {
	if len(items) <= n {
		return nonNil(items)
	}
	return items[len(items)-n:]
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
