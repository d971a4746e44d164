// Package board holds the four-bucket task lifecycle and the story list.
//
// A task is in exactly one of Backlog, InProgress, InReview or Done. Moves are
// only made by the transition methods; a transition on an id that is not in
// the expected bucket is a no-op that reports false.
package board

import (
	"context"
	"errors"
	"sort"
	"time"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

const (
	documentKind = "task-board"
	documentKey  = "board"
)

// Store is the document persistence the board needs.
type Store interface {
	GetDocument(ctx context.Context, kind, key string, v any) error
	PutDocument(ctx context.Context, kind, key string, v any) error
}

type Board struct {
	Backlog     []domain.Task  `json:"backlog"`
	InProgress  []domain.Task  `json:"inProgress"`
	InReview    []domain.Task  `json:"inReview"`
	Done        []domain.Task  `json:"done"`
	Stories     []domain.Story `json:"stories"`
	LastUpdated string         `json:"lastUpdated,omitempty"`

	store Store
	now   func() time.Time
}

type Summary struct {
	Backlog    int `json:"backlog"`
	InProgress int `json:"inProgress"`
	InReview   int `json:"inReview"`
	Done       int `json:"done"`
	Stories    int `json:"stories"`
}

func New(store Store) *Board {
	return &Board{store: store, now: time.Now}
}

// SetClock overrides the timestamp source used by transitions.
func (b *Board) SetClock(now func() time.Time) {
	b.now = now
}

func (b *Board) stamp() string {
	if b.now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return b.now().UTC().Format(time.RFC3339)
}

// Load replaces the in-memory board with the stored one. A missing document
// leaves an empty board.
func (b *Board) Load(ctx context.Context) error {
	var stored Board
	err := b.store.GetDocument(ctx, documentKind, documentKey, &stored)
	if errors.Is(err, repo.ErrNotFound) {
		stored = Board{}
	} else if err != nil {
		return err
	}
	b.Backlog = stored.Backlog
	b.InProgress = stored.InProgress
	b.InReview = stored.InReview
	b.Done = stored.Done
	b.Stories = stored.Stories
	b.LastUpdated = stored.LastUpdated
	return nil
}

func (b *Board) Save(ctx context.Context) error {
	b.LastUpdated = b.stamp()
	return b.store.PutDocument(ctx, documentKind, documentKey, b)
}

// AddToBacklog appends tasks whose description is not already in the backlog.
func (b *Board) AddToBacklog(tasks []domain.Task) int {
	added := 0
	for _, t := range tasks {
		if b.backlogHasDescription(t.Description) {
			continue
		}
		if t.Status == "" {
			t.Status = domain.TaskPending
		}
		b.Backlog = append(b.Backlog, t)
		added++
	}
	return added
}

func (b *Board) backlogHasDescription(desc string) bool {
	for _, t := range b.Backlog {
		if t.Description == desc {
			return true
		}
	}
	return false
}

// AddStories appends stories whose id is not already present.
func (b *Board) AddStories(stories []domain.Story) int {
	seen := make(map[string]bool, len(b.Stories))
	for _, s := range b.Stories {
		seen[s.ID] = true
	}
	added := 0
	for _, s := range stories {
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		b.Stories = append(b.Stories, s)
		added++
	}
	return added
}

// NextTask returns the highest priority backlog task, first inserted among
// equals. The backlog is not modified.
func (b *Board) NextTask() (domain.Task, bool) {
	if len(b.Backlog) == 0 {
		return domain.Task{}, false
	}
	sorted := make([]domain.Task, len(b.Backlog))
	copy(sorted, b.Backlog)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority.Rank() < sorted[j].Priority.Rank()
	})
	return sorted[0], true
}

// Assign moves a backlog task to in-progress for agentID.
func (b *Board) Assign(taskID, agentID string) (domain.Task, bool) {
	t, ok := take(&b.Backlog, taskID)
	if !ok {
		return domain.Task{}, false
	}
	t.AssignedTo = agentID
	t.Status = domain.TaskInProgress
	t.StartedAt = b.stamp()
	b.InProgress = append(b.InProgress, t)
	return t, true
}

// SubmitForReview moves an in-progress task to in-review.
func (b *Board) SubmitForReview(taskID string) (domain.Task, bool) {
	t, ok := take(&b.InProgress, taskID)
	if !ok {
		return domain.Task{}, false
	}
	t.Status = domain.TaskInReview
	t.SubmittedAt = b.stamp()
	b.InReview = append(b.InReview, t)
	return t, true
}

// Complete moves a task to done, looking in in-review before in-progress.
func (b *Board) Complete(taskID string) (domain.Task, bool) {
	t, ok := take(&b.InReview, taskID)
	if !ok {
		t, ok = take(&b.InProgress, taskID)
	}
	if !ok {
		return domain.Task{}, false
	}
	t.Status = domain.TaskDone
	t.CompletedAt = b.stamp()
	b.Done = append(b.Done, t)
	return t, true
}

// LastDone returns the most recently completed task.
func (b *Board) LastDone() (domain.Task, bool) {
	if len(b.Done) == 0 {
		return domain.Task{}, false
	}
	return b.Done[len(b.Done)-1], true
}

func (b *Board) Summary() Summary {
	return Summary{
		Backlog:    len(b.Backlog),
		InProgress: len(b.InProgress),
		InReview:   len(b.InReview),
		Done:       len(b.Done),
		Stories:    len(b.Stories),
	}
}

func take(bucket *[]domain.Task, id string) (domain.Task, bool) {
	for i, t := range *bucket {
		if t.ID == id {
			*bucket = append((*bucket)[:i], (*bucket)[i+1:]...)
			return t, true
		}
	}
	return domain.Task{}, false
}
