package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crewline/internal/config"
	"crewline/internal/domain"
)

// Repo is the JSON document store plus the run event log.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const (
	configKind = "config"
	configKey  = "crewline"
)

// Document is a stored JSON body with its identity.
type Document struct {
	Kind      string          `json:"kind"`
	Key       string          `json:"key"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt string          `json:"updated_at"`
}

// PutDocument stores v as the document (kind, key). Last write wins.
func (r Repo) PutDocument(ctx context.Context, kind, key string, v any) error {
	return putDocument(ctx, r.DB, nil, kind, key, v)
}

func (r Repo) PutDocumentTx(ctx context.Context, tx *sql.Tx, kind, key string, v any) error {
	return putDocument(ctx, nil, tx, kind, key, v)
}

func putDocument(ctx context.Context, db *sql.DB, tx *sql.Tx, kind, key string, v any) error {
	if kind == "" || key == "" {
		return fmt.Errorf("document kind and key are required")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", kind, key, err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO documents(kind,key,body_json,created_at,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(kind,key) DO UPDATE SET body_json=excluded.body_json, updated_at=excluded.updated_at`, kind, key, string(payload), now, now)
	return err
}

// GetDocument decodes the document (kind, key) into v.
func (r Repo) GetDocument(ctx context.Context, kind, key string, v any) error {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT body_json FROM documents WHERE kind=? AND key=?`, kind, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", kind, key, err)
	}
	return nil
}

// ListDocuments returns documents of a kind, most recently written first.
func (r Repo) ListDocuments(ctx context.Context, kind string, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT kind,key,body_json,updated_at FROM documents WHERE kind=? ORDER BY updated_at DESC, key DESC LIMIT ?`, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []Document{}
	for rows.Next() {
		var d Document
		var body string
		if err := rows.Scan(&d.Kind, &d.Key, &body, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.Body = json.RawMessage(body)
		res = append(res, d)
	}
	return res, rows.Err()
}

// UpsertConfig stores the validated config as the workspace fallback.
func (r Repo) UpsertConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.PutDocument(ctx, configKind, configKey, cfg)
}

// GetConfig returns the stored config or ErrNotFound.
func (r Repo) GetConfig(ctx context.Context) (*config.Config, error) {
	var cfg config.Config
	if err := r.GetDocument(ctx, configKind, configKey, &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

const eventColumns = `id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, sessionID, evtType, entityKind, entityID)
}

// LatestEventsFrom returns events newest first, below the cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, sessionID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id DESC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if sessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, sessionID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT %s FROM events %s ORDER BY id ASC LIMIT ?`, eventColumns, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
