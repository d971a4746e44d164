package board

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

type memStore map[string][]byte

func (m memStore) GetDocument(_ context.Context, kind, key string, v any) error {
	data, ok := m[kind+"/"+key]
	if !ok {
		return repo.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (m memStore) PutDocument(_ context.Context, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m[kind+"/"+key] = data
	return nil
}

func task(id, desc string, p domain.Priority) domain.Task {
	return domain.Task{ID: id, Description: desc, Priority: p, Status: domain.TaskPending}
}

func newBoard() *Board {
	b := New(memStore{})
	b.SetClock(func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) })
	return b
}

func TestAddToBacklogDedupesByDescription(t *testing.T) {
	b := newBoard()
	n := b.AddToBacklog([]domain.Task{task("task-1", "Add search", domain.PriorityHigh), task("task-2", "Add footer", domain.PriorityLow)})
	assert.Equal(t, 2, n)
	n = b.AddToBacklog([]domain.Task{task("task-9", "Add search", domain.PriorityLow), task("task-3", "Fix header", domain.PriorityNormal)})
	assert.Equal(t, 1, n)
	require.Len(t, b.Backlog, 3)
	assert.Equal(t, "task-1", b.Backlog[0].ID)
}

func TestNextTaskIsStableByPriority(t *testing.T) {
	b := newBoard()
	_, ok := b.NextTask()
	assert.False(t, ok)

	b.AddToBacklog([]domain.Task{
		task("a", "low one", domain.PriorityLow),
		task("b", "normal one", domain.PriorityNormal),
		task("c", "high one", domain.PriorityHigh),
		task("d", "high two", domain.PriorityHigh),
	})
	next, ok := b.NextTask()
	require.True(t, ok)
	assert.Equal(t, "c", next.ID)
	assert.Equal(t, "a", b.Backlog[0].ID, "backlog order is untouched")

	_, ok = b.Assign("c", "developer-1")
	require.True(t, ok)
	next, _ = b.NextTask()
	assert.Equal(t, "d", next.ID)
}

func TestLifecycle(t *testing.T) {
	b := newBoard()
	b.AddToBacklog([]domain.Task{task("task-1", "Add search", domain.PriorityHigh), task("task-2", "Add footer", domain.PriorityNormal)})

	assigned, ok := b.Assign("task-1", "developer-1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskInProgress, assigned.Status)
	assert.Equal(t, "developer-1", assigned.AssignedTo)
	assert.Equal(t, "2024-01-01T09:00:00Z", assigned.StartedAt)

	_, ok = b.Assign("task-1", "developer-2")
	assert.False(t, ok, "already assigned")

	reviewed, ok := b.SubmitForReview("task-1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskInReview, reviewed.Status)
	_, ok = b.SubmitForReview("task-1")
	assert.False(t, ok)

	done, ok := b.Complete("task-1")
	require.True(t, ok)
	assert.Equal(t, domain.TaskDone, done.Status)
	assert.NotEmpty(t, done.CompletedAt)

	_, ok = b.Assign("task-2", "developer-2")
	require.True(t, ok)
	_, ok = b.Complete("task-2")
	require.True(t, ok, "complete straight from in-progress")

	_, ok = b.Complete("task-2")
	assert.False(t, ok)
	_, ok = b.Complete("missing")
	assert.False(t, ok)

	last, ok := b.LastDone()
	require.True(t, ok)
	assert.Equal(t, "task-2", last.ID)
	assert.Equal(t, Summary{Done: 2}, b.Summary())
}

func TestEveryTaskInOneBucket(t *testing.T) {
	b := newBoard()
	for i, p := range []domain.Priority{domain.PriorityHigh, domain.PriorityLow, domain.PriorityNormal, domain.PriorityHigh} {
		id := string(rune('a' + i))
		b.AddToBacklog([]domain.Task{task(id, "task "+id, p)})
	}
	b.Assign("a", "dev")
	b.Assign("b", "dev")
	b.SubmitForReview("b")
	b.Complete("a")

	count := map[string]int{}
	for _, bucket := range [][]domain.Task{b.Backlog, b.InProgress, b.InReview, b.Done} {
		for _, tk := range bucket {
			count[tk.ID]++
		}
	}
	assert.Len(t, count, 4)
	for id, n := range count {
		assert.Equal(t, 1, n, id)
	}
}

func TestAddStoriesDedupesByID(t *testing.T) {
	b := newBoard()
	assert.Equal(t, 2, b.AddStories([]domain.Story{{ID: "story-1", Title: "Search"}, {ID: "story-2", Title: "Filter"}}))
	assert.Equal(t, 0, b.AddStories([]domain.Story{{ID: "story-1", Title: "Search again"}}))
	assert.Equal(t, "Search", b.Stories[0].Title)
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	store := memStore{}
	b := New(store)
	require.NoError(t, b.Load(ctx))
	assert.Empty(t, b.Backlog)

	b.AddToBacklog([]domain.Task{task("task-1", "Add search", domain.PriorityHigh)})
	b.AddStories([]domain.Story{{ID: "story-1", Title: "Search", Criteria: domain.Criteria{"works"}}})
	b.Assign("task-1", "developer-1")
	require.NoError(t, b.Save(ctx))

	loaded := New(store)
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, b.InProgress, loaded.InProgress)
	assert.Equal(t, b.Stories, loaded.Stories)
	assert.NotEmpty(t, loaded.LastUpdated)
}
