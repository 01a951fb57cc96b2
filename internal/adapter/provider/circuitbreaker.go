package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerClient wraps a GenerationProvider with circuit breaker protection.
// When the provider fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching the API, preventing retry storms. The breaker
// protects request initiation only: events on an already-open stream do not
// trip it.
type BreakerClient struct {
	inner   domain.GenerationProvider
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewBreakerClient wraps inner with a circuit breaker.
// Zero-valued settings fall back to defaults.
func NewBreakerClient(inner domain.GenerationProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *BreakerClient {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "provider:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})

	return &BreakerClient{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

func (c *BreakerClient) execute(fn func() (any, error)) (any, error) {
	result, err := c.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider %q circuit open: %w", c.inner.Name(), err)
		}
		return nil, err
	}
	return result, nil
}

// CreateAssistant implements domain.GenerationProvider.
func (c *BreakerClient) CreateAssistant(ctx context.Context, spec domain.AssistantSpec) (string, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.CreateAssistant(ctx, spec)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// CreateThread implements domain.GenerationProvider.
func (c *BreakerClient) CreateThread(ctx context.Context) (*domain.Thread, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.CreateThread(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.Thread), nil
}

// AppendUserMessage implements domain.GenerationProvider.
func (c *BreakerClient) AppendUserMessage(ctx context.Context, threadID, text string) error {
	_, err := c.execute(func() (any, error) {
		return nil, c.inner.AppendUserMessage(ctx, threadID, text)
	})
	return err
}

// StartRun implements domain.GenerationProvider. Only stream initiation is
// protected; failures on the open stream surface as run events.
func (c *BreakerClient) StartRun(ctx context.Context, threadID, assistantID, instructions string) (<-chan domain.RunEvent, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.StartRun(ctx, threadID, assistantID, instructions)
	})
	if err != nil {
		return nil, err
	}
	return result.(<-chan domain.RunEvent), nil
}

// SubmitToolOutputs implements domain.GenerationProvider.
func (c *BreakerClient) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []domain.ToolOutput) (<-chan domain.RunEvent, error) {
	result, err := c.execute(func() (any, error) {
		return c.inner.SubmitToolOutputs(ctx, threadID, runID, outputs)
	})
	if err != nil {
		return nil, err
	}
	return result.(<-chan domain.RunEvent), nil
}

// CancelRun implements domain.GenerationProvider. Cancellation bypasses the
// breaker: it is best-effort cleanup and must stay available when the
// circuit is open.
func (c *BreakerClient) CancelRun(ctx context.Context, threadID, runID string) error {
	return c.inner.CancelRun(ctx, threadID, runID)
}

// Name implements domain.GenerationProvider.
func (c *BreakerClient) Name() string { return c.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (c *BreakerClient) State() gobreaker.State {
	return c.breaker.State()
}

var _ domain.GenerationProvider = (*BreakerClient)(nil)
