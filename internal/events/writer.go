package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Run event types.
const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	PhaseStarted     = "phase.started"
	PhaseCompleted   = "phase.completed"
	TaskAssigned     = "task.assigned"
	TaskCompleted    = "task.completed"
	TaskReviewed     = "task.reviewed"
	StoriesAdded     = "stories.added"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event. ex may be nil to write through w.DB.
func (w Writer) Append(ctx context.Context, ex Execer, evtType, sessionID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if ex == nil {
		ex = w.DB
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(sessionID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
