// Package webhook forwards run events from the events table to configured
// HTTP endpoints.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/logging"
)

const (
	DefaultInterval = 2 * time.Second
	defaultTimeout  = 5 * time.Second
	defaultBatch    = 100
)

// EventSource is the slice of repo.Repo the dispatcher reads from.
type EventSource interface {
	EventsAfter(ctx context.Context, limit int, cursor int64, sessionID string) ([]domain.Event, error)
	LatestEventID(ctx context.Context) (int64, error)
}

// Dispatcher keeps one cursor per hook so each hook sees every matching event
// once, in order. A failed delivery leaves the cursor on the failed event and
// is retried on the next pass.
type Dispatcher struct {
	source  EventSource
	hooks   []config.WebhookConfig
	project string
	client  *http.Client
	log     *logging.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func New(source EventSource, cfg *config.Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	d := &Dispatcher{
		source:  source,
		client:  &http.Client{Timeout: defaultTimeout},
		log:     logger.Named("webhook"),
		cursors: make(map[int]int64),
	}
	if cfg != nil {
		d.hooks = cfg.Webhooks
		d.project = cfg.Project.Name
	}
	return d
}

// Enabled reports whether any hook would receive deliveries.
func (d *Dispatcher) Enabled() bool {
	for _, hook := range d.hooks {
		if active(hook) {
			return true
		}
	}
	return false
}

func active(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// Prime moves every hook cursor to the newest stored event so only events
// written afterwards are delivered.
func (d *Dispatcher) Prime(ctx context.Context) error {
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		return fmt.Errorf("webhook: init cursor: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.hooks {
		d.cursors[i] = cur
	}
	return nil
}

// Run delivers on every tick until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every active hook.
func (d *Dispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.hooks {
		if !active(hook) {
			continue
		}
		d.dispatchHook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchHook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	evts, err := d.source.EventsAfter(ctx, defaultBatch, cursor, "")
	if err != nil {
		d.log.Error(ctx, "fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn(ctx, "delivery failed", zap.String("url", hook.URL), zap.Int64("event_id", evt.ID), zap.Error(err))
			return
		}
		d.log.Debug(ctx, "delivered", zap.String("url", hook.URL), zap.String("type", evt.Type), zap.Int64("event_id", evt.ID))
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.source.LatestEventID(ctx)
	if err != nil {
		d.log.Error(ctx, "init cursor failed", zap.Error(err))
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// Delivery is the JSON body posted for each event.
type Delivery struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Project    string          `json:"project"`
	SessionID  string          `json:"session_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(Delivery{
		ID:         evt.ID,
		Type:       evt.Type,
		Project:    d.project,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Crewline-Event", evt.Type)
	req.Header.Set("X-Crewline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.SessionID != "" {
		req.Header.Set("X-Crewline-Session", evt.SessionID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Crewline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// An empty filter means session end events only; "*" subscribes to all.
type eventFilter struct {
	all bool
	set map[string]struct{}
}

var sessionEnd = []string{events.SessionCompleted, events.SessionFailed}

func newEventFilter(types []string) eventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		key := strings.TrimSpace(t)
		if key == "*" {
			return eventFilter{all: true}
		}
		if key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		for _, t := range sessionEnd {
			set[t] = struct{}{}
		}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
