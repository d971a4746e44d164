// Package intake turns the human-written task source into backlog tasks.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"crewline/internal/domain"
)

// ParseMarkdown reads "- item" lines grouped under "high/normal/medium/low
// priority" headers. Items before any header are normal priority. Ids are
// task-1, task-2, ... in file order; the result is stably sorted by priority.
func ParseMarkdown(content string, now time.Time) []domain.Task {
	created := now.UTC().Format(time.RFC3339)
	priority := domain.PriorityNormal
	next := 1
	var tasks []domain.Task
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.Contains(lower, "high priority"):
			priority = domain.PriorityHigh
			continue
		case strings.Contains(lower, "normal priority"), strings.Contains(lower, "medium priority"):
			priority = domain.PriorityNormal
			continue
		case strings.Contains(lower, "low priority"):
			priority = domain.PriorityLow
			continue
		}
		if !strings.HasPrefix(trimmed, "-") || len(trimmed) <= 2 {
			continue
		}
		desc := strings.TrimSpace(trimmed[1:])
		if desc == "" || strings.HasPrefix(desc, "<!--") {
			continue
		}
		tasks = append(tasks, domain.Task{
			ID:          fmt.Sprintf("task-%d", next),
			Description: desc,
			Priority:    priority,
			Status:      domain.TaskPending,
			CreatedAt:   created,
		})
		next++
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Priority.Rank() < tasks[j].Priority.Rank()
	})
	return tasks
}

// File is a markdown task source on disk.
type File struct {
	Path string
	Now  func() time.Time
}

// Load parses the file. A missing file yields no tasks.
func (f File) Load(ctx context.Context) ([]domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task source: %w", err)
	}
	now := time.Now()
	if f.Now != nil {
		now = f.Now()
	}
	return ParseMarkdown(string(data), now), nil
}
