package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/logger"
)

func TestNewReaperRejectsBadSchedule(t *testing.T) {
	m := NewManager(OrchestratorDeps{Logger: logger.Nop()})
	_, err := NewReaper(m, "not a schedule", time.Hour, logger.Nop())
	require.Error(t, err)
}

func TestReaperSweepsIdleSessions(t *testing.T) {
	provider := &mockProvider{streams: []chan domain.RunEvent{
		eventStream(domain.RunEvent{Type: domain.RunEventCompleted}),
	}}
	m, bus, _ := newManagerFixture(t, provider)
	done := watchDone(t, bus)

	bus.Publish(context.Background(), inboundEvent("conv_1", "hi"))
	waitDone(t, done)
	require.Equal(t, 1, m.Sessions())

	r, err := NewReaper(m, "@every 50ms", 0, logger.Nop())
	require.NoError(t, err)
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return m.Sessions() == 0 },
		3*time.Second, 20*time.Millisecond)
}
