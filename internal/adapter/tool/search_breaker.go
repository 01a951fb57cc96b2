package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerBackend wraps a SearchBackend with circuit breaker protection so a
// dead search API fails fast instead of stalling every generation that
// reaches for it.
type BreakerBackend struct {
	inner   SearchBackend
	breaker *gobreaker.CircuitBreaker[*SearchResponse]
}

// NewBreakerBackend wraps inner with a circuit breaker.
func NewBreakerBackend(inner SearchBackend, logger *slog.Logger) *BreakerBackend {
	cb := gobreaker.NewCircuitBreaker[*SearchResponse](gobreaker.Settings{
		Name:        "search:" + inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &BreakerBackend{inner: inner, breaker: cb}
}

func (b *BreakerBackend) Search(ctx context.Context, query string) (*SearchResponse, error) {
	resp, err := b.breaker.Execute(func() (*SearchResponse, error) {
		return b.inner.Search(ctx, query)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("search backend %q circuit open: %w", b.inner.Name(), err)
		}
		return nil, err
	}
	return resp, nil
}

func (b *BreakerBackend) Available() bool { return b.inner.Available() }

func (b *BreakerBackend) Name() string { return b.inner.Name() }

var _ SearchBackend = (*BreakerBackend)(nil)
