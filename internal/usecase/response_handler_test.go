package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/logger"
	"scribe-ai/internal/usecase/eventbus"
)

type handlerFixture struct {
	provider   *mockProvider
	store      *mockStore
	indicators *mockIndicators
	runner     *mockRunner
	bus        *eventbus.Bus
	messageID  string
	disposed   chan string
}

func newHandlerFixture(t *testing.T, toolOutputs map[string]string, streams ...chan domain.RunEvent) *handlerFixture {
	t.Helper()
	f := &handlerFixture{
		provider:   &mockProvider{streams: streams},
		store:      newMockStore(),
		indicators: &mockIndicators{},
		runner:     newMockRunner(toolOutputs),
		bus:        newTestBus(t),
		disposed:   make(chan string, 4),
	}
	msg, err := f.store.SendMessage(context.Background(), domain.ChannelMessage{
		ConversationID: "conv_1",
		AIGenerated:    true,
		Generating:     true,
	})
	require.NoError(t, err)
	f.messageID = msg.ID
	return f
}

// handler starts the run on the mock provider and binds a handler to it.
func (f *handlerFixture) handler(t *testing.T) *ResponseHandler {
	t.Helper()
	stream, err := f.provider.StartRun(context.Background(), "thread_1", "asst_1", "")
	require.NoError(t, err)
	return NewResponseHandler(HandlerDeps{
		Provider:   f.provider,
		Store:      f.store,
		Indicators: f.indicators,
		Tools:      f.runner,
		Bus:        f.bus,
		Logger:     logger.Nop(),
	}, "conv_1", f.messageID, "thread_1", stream, func(id string) { f.disposed <- id })
}

func (f *handlerFixture) waitDisposed(t *testing.T) {
	t.Helper()
	select {
	case <-f.disposed:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not disposed in time")
	}
}

func TestResponseHandlerStreamsToCompletion(t *testing.T) {
	f := newHandlerFixture(t, nil, eventStream(
		domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
		domain.RunEvent{Type: domain.RunEventMessageCreated},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Hel"},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "lo "},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "world"},
		domain.RunEvent{Type: domain.RunEventCompleted},
	))
	h := f.handler(t)
	h.Run(context.Background())

	msg := f.store.message(t, f.messageID)
	assert.Equal(t, "Hello world", msg.Text)
	assert.False(t, msg.Generating)
	assert.Equal(t, domain.StateCompleted, h.State())
	assert.Equal(t, 1, f.store.finalPersists(f.messageID))
	assert.True(t, f.indicators.sawState(domain.IndicatorGenerating))
	assert.False(t, f.indicators.sawState(domain.IndicatorError))
	assert.Equal(t, 1, f.indicators.clearCount())
	f.waitDisposed(t)
}

func TestResponseHandlerPartialPersistCadence(t *testing.T) {
	cases := []struct {
		chunks int
		want   int
	}{
		{0, 0},
		{1, 1},
		{7, 4},
		{8, 4},
		{15, 4},
		{30, 5},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("chunks_%d", tc.chunks), func(t *testing.T) {
			events := []domain.RunEvent{{Type: domain.RunEventStepCreated, RunID: "run_1"}}
			for i := 0; i < tc.chunks; i++ {
				events = append(events, domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "x"})
			}
			events = append(events, domain.RunEvent{Type: domain.RunEventCompleted})

			f := newHandlerFixture(t, nil, eventStream(events...))
			h := f.handler(t)
			h.Run(context.Background())

			assert.Equal(t, tc.want, f.store.partialPersists(f.messageID))
			assert.Equal(t, 1, f.store.finalPersists(f.messageID))
		})
	}
}

func TestResponseHandlerToolRoundTrip(t *testing.T) {
	call := domain.ToolCall{ID: "call_1", Name: "web_search", Arguments: json.RawMessage(`{"query":"weather"}`)}
	f := newHandlerFixture(t,
		map[string]string{"web_search": `{"answer":"sunny"}`},
		eventStream(
			domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
			domain.RunEvent{Type: domain.RunEventRequiresAction, RunID: "run_1", ToolCalls: []domain.ToolCall{call}},
		),
		eventStream(
			domain.RunEvent{Type: domain.RunEventMessageCreated},
			domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "It's sunny."},
			domain.RunEvent{Type: domain.RunEventCompleted},
		),
	)
	h := f.handler(t)
	h.Run(context.Background())

	subs := f.provider.submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1)
	assert.Equal(t, "call_1", subs[0][0].ToolCallID)
	assert.Equal(t, `{"answer":"sunny"}`, subs[0][0].Output)

	msg := f.store.message(t, f.messageID)
	assert.Equal(t, "It's sunny.", msg.Text)
	assert.False(t, msg.Generating)
	assert.Equal(t, domain.StateCompleted, h.State())
	assert.True(t, f.indicators.sawState(domain.IndicatorExternalSources))
	assert.False(t, f.indicators.sawState(domain.IndicatorError))
}

func TestResponseHandlerSkipsUnrecognizedCalls(t *testing.T) {
	calls := []domain.ToolCall{
		{ID: "call_1", Name: "get_time", Arguments: json.RawMessage(`{}`)},
		{ID: "call_2", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)},
	}
	f := newHandlerFixture(t,
		map[string]string{"web_search": `{"results":[]}`},
		eventStream(
			domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
			domain.RunEvent{Type: domain.RunEventRequiresAction, RunID: "run_1", ToolCalls: calls},
		),
		eventStream(domain.RunEvent{Type: domain.RunEventCompleted}),
	)
	h := f.handler(t)
	h.Run(context.Background())

	subs := f.provider.submissions()
	require.Len(t, subs, 1)
	require.Len(t, subs[0], 1)
	assert.Equal(t, "call_2", subs[0][0].ToolCallID)
}

func TestResponseHandlerAllCallsUnrecognized(t *testing.T) {
	f := newHandlerFixture(t, nil, eventStream(
		domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Checking."},
		domain.RunEvent{Type: domain.RunEventRequiresAction, RunID: "run_1", ToolCalls: []domain.ToolCall{
			{ID: "call_1", Name: "get_time", Arguments: json.RawMessage(`{}`)},
		}},
	))
	h := f.handler(t)
	h.Run(context.Background())

	assert.Empty(t, f.provider.submissions())
	assert.Equal(t, domain.StateCompleted, h.State())
	msg := f.store.message(t, f.messageID)
	assert.Equal(t, "Checking.", msg.Text)
	assert.False(t, msg.Generating)
	assert.Equal(t, 1, f.indicators.clearCount())
	f.waitDisposed(t)
}

func TestResponseHandlerDeadlineSettlesSilentStream(t *testing.T) {
	// An open stream that never emits anything. The context deadline is
	// the only thing that can end this generation.
	stream := make(chan domain.RunEvent)
	f := newHandlerFixture(t, nil, stream)
	done := watchDone(t, f.bus)
	h := f.handler(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	h.Run(ctx)

	p := waitDone(t, done)
	assert.Equal(t, domain.StateError, p.State)
	assert.Equal(t, domain.StateError, h.State())
	msg := f.store.message(t, f.messageID)
	assert.Contains(t, msg.Text, "deadline")
	assert.False(t, msg.Generating)
	assert.True(t, f.indicators.sawState(domain.IndicatorError))
	assert.Equal(t, 1, f.indicators.clearCount())
	f.waitDisposed(t)
}

func TestResponseHandlerResumesGeneratingAfterTools(t *testing.T) {
	call := domain.ToolCall{ID: "call_1", Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)}
	continuation := make(chan domain.RunEvent, 8)
	f := newHandlerFixture(t,
		map[string]string{"web_search": `{"results":[]}`},
		eventStream(
			domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
			domain.RunEvent{Type: domain.RunEventRequiresAction, RunID: "run_1", ToolCalls: []domain.ToolCall{call}},
		),
		continuation,
	)
	h := f.handler(t)

	runDone := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(runDone)
	}()

	continuation <- domain.RunEvent{Type: domain.RunEventMessageCreated}
	continuation <- domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Found it."}

	// Content is flowing again, so the handler must have left AWAITING_TOOLS.
	require.Eventually(t, func() bool { return h.State() == domain.StateGenerating },
		2*time.Second, 5*time.Millisecond)

	continuation <- domain.RunEvent{Type: domain.RunEventCompleted}
	close(continuation)
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not finish")
	}
	assert.Equal(t, domain.StateCompleted, h.State())
	assert.Equal(t, "Found it.", f.store.message(t, f.messageID).Text)
}

func TestResponseHandlerProviderFailure(t *testing.T) {
	f := newHandlerFixture(t, nil, eventStream(
		domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "par"},
		domain.RunEvent{Type: domain.RunEventFailed, Err: fmt.Errorf("%w: run failed: boom", domain.ErrProviderError)},
	))
	h := f.handler(t)
	h.Run(context.Background())

	assert.Equal(t, domain.StateError, h.State())
	msg := f.store.message(t, f.messageID)
	assert.Contains(t, msg.Text, "boom")
	assert.False(t, msg.Generating)
	assert.True(t, f.indicators.sawState(domain.IndicatorError))
	assert.Equal(t, 1, f.indicators.clearCount())
	f.waitDisposed(t)
}

func TestResponseHandlerCancelStopsRun(t *testing.T) {
	stream := make(chan domain.RunEvent, 8)
	f := newHandlerFixture(t, nil, stream)
	h := f.handler(t)

	runDone := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(runDone)
	}()

	stream <- domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"}
	stream <- domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Hel"}
	require.Eventually(t, func() bool { return h.currentRunID() == "run_1" },
		2*time.Second, 5*time.Millisecond)

	f.bus.Publish(context.Background(), domain.NewEvent(domain.EventGenerationCancel,
		domain.GenerationCancelPayload{MessageID: f.messageID}))
	f.waitDisposed(t)

	// A late completion must lose the race and change nothing.
	stream <- domain.RunEvent{Type: domain.RunEventCompleted}
	close(stream)
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not exit after cancel")
	}

	assert.Equal(t, []string{"run_1"}, f.provider.cancels())
	assert.Equal(t, domain.StateCancelled, h.State())
	msg := f.store.message(t, f.messageID)
	assert.False(t, msg.Generating)
	assert.Equal(t, 1, f.indicators.clearCount())
	assert.Empty(t, f.disposed, "dispose effects must run once")
}

func TestResponseHandlerCancelIgnoresOtherMessages(t *testing.T) {
	stream := make(chan domain.RunEvent, 8)
	f := newHandlerFixture(t, nil, stream)
	h := f.handler(t)

	runDone := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(runDone)
	}()

	f.bus.Publish(context.Background(), domain.NewEvent(domain.EventGenerationCancel,
		domain.GenerationCancelPayload{MessageID: "someone-else"}))

	stream <- domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"}
	stream <- domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Hi"}
	stream <- domain.RunEvent{Type: domain.RunEventCompleted}
	close(stream)
	select {
	case <-runDone:
	case <-time.After(3 * time.Second):
		t.Fatal("run loop did not finish")
	}

	assert.Empty(t, f.provider.cancels())
	assert.Equal(t, domain.StateCompleted, h.State())
}

func TestResponseHandlerCancelAfterCompletionIsNoOp(t *testing.T) {
	f := newHandlerFixture(t, nil, eventStream(
		domain.RunEvent{Type: domain.RunEventStepCreated, RunID: "run_1"},
		domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: "Done."},
		domain.RunEvent{Type: domain.RunEventCompleted},
	))
	h := f.handler(t)
	h.Run(context.Background())
	require.Equal(t, domain.StateCompleted, h.State())

	h.handleCancel(context.Background())

	assert.Empty(t, f.provider.cancels())
	assert.Equal(t, domain.StateCompleted, h.State())
	assert.Equal(t, 1, f.indicators.clearCount())
}

func TestResponseHandlerDisposeIdempotent(t *testing.T) {
	f := newHandlerFixture(t, nil, eventStream())
	done := watchDone(t, f.bus)
	h := f.handler(t)

	h.Dispose(context.Background())
	h.Dispose(context.Background())

	p := waitDone(t, done)
	assert.Equal(t, f.messageID, p.MessageID)
	assert.Equal(t, domain.StateCancelled, p.State)
	assert.Equal(t, domain.StateCancelled, h.State())

	// The placeholder never saw a final persist, so disposal must have
	// reconciled the generating flag.
	msg := f.store.message(t, f.messageID)
	assert.False(t, msg.Generating)

	assert.Equal(t, 1, f.indicators.clearCount())
	require.Len(t, f.disposed, 1)
}
