// Package mock provides a scripted reasoning provider for tests and offline
// runs.
package mock

import (
	"context"
	"sync"
)

const defaultResponse = "Task acknowledged. Working on it."

// Provider returns scripted responses and records the prompts it was given.
type Provider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	err       error
	prompts   []string
}

// New creates a Provider that cycles through the given responses.
func New(responses ...string) *Provider {
	return &Provider{responses: responses}
}

// NewFailing creates a Provider whose every call fails with err.
func NewFailing(err error) *Provider {
	return &Provider{err: err}
}

func (m *Provider) Name() string { return "mock" }

// Generate returns the next scripted response, cycling through the queue.
func (m *Provider) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return defaultResponse, nil
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return resp, nil
}

// Prompts returns every prompt received so far.
func (m *Provider) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
