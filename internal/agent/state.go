package agent

import (
	"context"
	"errors"
	"fmt"

	"crewline/internal/domain"
	"crewline/internal/repo"
)

const stateKind = "agent-state"

type state struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	PrimaryRole   domain.Role `json:"primaryRole"`
	CurrentRole   domain.Role `json:"currentRole"`
	LastResetDate string      `json:"lastResetDate,omitempty"`
	RequestsToday int         `json:"requestsToday"`
	LastActive    string      `json:"lastActive,omitempty"`
}

// LoadState restores the daily counters from the last saved state and rolls
// them over when the stored day is not today. A missing document is a fresh
// agent.
func (a *Agent) LoadState(ctx context.Context) error {
	var st state
	err := a.deps.Store.GetDocument(ctx, stateKind, a.ID, &st)
	if errors.Is(err, repo.ErrNotFound) {
		a.RollDay(a.today())
		return nil
	}
	if err != nil {
		return fmt.Errorf("load state for %s: %w", a.ID, err)
	}
	if st.LastResetDate != "" {
		a.LastResetDate = st.LastResetDate
		a.RequestsToday = st.RequestsToday
	}
	a.LastActive = st.LastActive
	a.RollDay(a.today())
	return nil
}

func (a *Agent) SaveState(ctx context.Context) error {
	err := a.deps.Store.PutDocument(ctx, stateKind, a.ID, state{
		ID:            a.ID,
		Name:          a.Name,
		PrimaryRole:   a.PrimaryRole,
		CurrentRole:   a.CurrentRole,
		LastResetDate: a.LastResetDate,
		RequestsToday: a.RequestsToday,
		LastActive:    a.LastActive,
	})
	if err != nil {
		return fmt.Errorf("save state for %s: %w", a.ID, err)
	}
	return nil
}
