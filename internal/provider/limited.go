package provider

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limited spaces calls to the wrapped provider at least interval apart.
type Limited struct {
	Provider
	limiter *rate.Limiter
}

// WithMinInterval wraps p. A non-positive interval disables limiting.
func WithMinInterval(p Provider, interval time.Duration) Provider {
	if interval <= 0 {
		return p
	}
	return &Limited{Provider: p, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (l *Limited) Generate(ctx context.Context, prompt string) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return l.Provider.Generate(ctx, prompt)
}
