package chat

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"scribe-ai/internal/domain"
)

// Broadcaster sends generation status indicators over a conversation's side
// channel. Indicator traffic is advisory: send failures are logged and
// mid-generation updates are shed under load. Clears always go out so
// observers are never left with a stuck indicator.
type Broadcaster struct {
	side    domain.SideChannel
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewBroadcaster creates a broadcaster. perSec <= 0 disables shedding.
func NewBroadcaster(side domain.SideChannel, perSec float64, burst int, logger *slog.Logger) *Broadcaster {
	limit := rate.Inf
	if perSec > 0 {
		limit = rate.Limit(perSec)
	}
	if burst <= 0 {
		burst = 1
	}
	return &Broadcaster{
		side:    side,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Update implements domain.IndicatorSender.
func (b *Broadcaster) Update(ctx context.Context, conversationID, messageID string, state domain.IndicatorState) {
	if !b.limiter.Allow() {
		b.logger.Debug("indicator update shed", "conversation_id", conversationID, "state", state)
		return
	}

	err := b.side.SendEvent(ctx, conversationID, domain.ChannelEvent{
		Type:      domain.ChannelEventIndicatorUpdate,
		MessageID: messageID,
		State:     state,
	})
	if err != nil {
		b.logger.Warn("indicator update failed",
			"conversation_id", conversationID,
			"state", state,
			"error", err,
		)
	}
}

// Clear implements domain.IndicatorSender. Clears bypass the rate limiter.
func (b *Broadcaster) Clear(ctx context.Context, conversationID, messageID string) {
	err := b.side.SendEvent(ctx, conversationID, domain.ChannelEvent{
		Type:      domain.ChannelEventIndicatorClear,
		MessageID: messageID,
	})
	if err != nil {
		b.logger.Warn("indicator clear failed",
			"conversation_id", conversationID,
			"error", err,
		)
	}
}

var _ domain.IndicatorSender = (*Broadcaster)(nil)
