package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/logger"
	"scribe-ai/internal/usecase/eventbus"
)

// mockProvider implements domain.GenerationProvider. Streams are handed
// out in order: the first to StartRun, subsequent ones to each
// SubmitToolOutputs call.
type mockProvider struct {
	mu        sync.Mutex
	streams   []chan domain.RunEvent
	idx       int
	appended   []string
	submitted  [][]domain.ToolOutput
	cancelled  []string
	assistants int

	assistantErr error
	startErr     error
	submitErr    error
	cancelErr    error
}

func (m *mockProvider) CreateAssistant(_ context.Context, _ domain.AssistantSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assistantErr != nil {
		return "", m.assistantErr
	}
	m.assistants++
	return "asst_1", nil
}

func (m *mockProvider) CreateThread(_ context.Context) (*domain.Thread, error) {
	return &domain.Thread{ID: "thread_1"}, nil
}

func (m *mockProvider) AppendUserMessage(_ context.Context, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended = append(m.appended, text)
	return nil
}

func (m *mockProvider) StartRun(_ context.Context, _, _, _ string) (<-chan domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.nextStream(), nil
}

func (m *mockProvider) SubmitToolOutputs(_ context.Context, _, _ string, outputs []domain.ToolOutput) (<-chan domain.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	m.submitted = append(m.submitted, outputs)
	return m.nextStream(), nil
}

func (m *mockProvider) CancelRun(_ context.Context, _, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, runID)
	return m.cancelErr
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) assistantCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assistants
}

func (m *mockProvider) nextStream() <-chan domain.RunEvent {
	if m.idx >= len(m.streams) {
		ch := make(chan domain.RunEvent)
		close(ch)
		return ch
	}
	ch := m.streams[m.idx]
	m.idx++
	return ch
}

func (m *mockProvider) submissions() [][]domain.ToolOutput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]domain.ToolOutput, len(m.submitted))
	copy(out, m.submitted)
	return out
}

func (m *mockProvider) cancels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

func (m *mockProvider) appendedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.appended))
	copy(out, m.appended)
	return out
}

// eventStream builds a pre-filled stream that closes after its events.
func eventStream(events ...domain.RunEvent) chan domain.RunEvent {
	ch := make(chan domain.RunEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

// mockStore implements domain.TranscriptStore in memory and records
// every partial update in order.
type mockStore struct {
	mu       sync.Mutex
	nextID   int
	messages map[string]*domain.ChannelMessage
	updates  []recordedUpdate
}

type recordedUpdate struct {
	messageID string
	update    domain.TranscriptUpdate
}

func newMockStore() *mockStore {
	return &mockStore{messages: make(map[string]*domain.ChannelMessage)}
}

func (s *mockStore) SendMessage(_ context.Context, msg domain.ChannelMessage) (*domain.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = fmt.Sprintf("msg_%d", s.nextID)
	stored := msg
	s.messages[msg.ID] = &stored
	out := msg
	return &out, nil
}

func (s *mockStore) PartialUpdateMessage(_ context.Context, messageID string, update domain.TranscriptUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if update.SetText != nil {
		msg.Text = *update.SetText
	}
	msg.Generating = update.Generating
	s.updates = append(s.updates, recordedUpdate{messageID: messageID, update: update})
	return nil
}

func (s *mockStore) GetMessage(_ context.Context, messageID string) (*domain.ChannelMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	out := *msg
	return &out, nil
}

func (s *mockStore) message(t *testing.T, messageID string) domain.ChannelMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		t.Fatalf("message %s not found in store", messageID)
	}
	return *msg
}

// partialPersists counts updates that wrote text with generating still set.
func (s *mockStore) partialPersists(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.messageID == messageID && u.update.SetText != nil && u.update.Generating {
			n++
		}
	}
	return n
}

// finalPersists counts updates that wrote text with generating cleared.
func (s *mockStore) finalPersists(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.updates {
		if u.messageID == messageID && u.update.SetText != nil && !u.update.Generating {
			n++
		}
	}
	return n
}

// mockIndicators records indicator traffic per message.
type mockIndicators struct {
	mu      sync.Mutex
	updates []domain.IndicatorState
	clears  int
}

func (m *mockIndicators) Update(_ context.Context, _, _ string, state domain.IndicatorState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, state)
}

func (m *mockIndicators) Clear(_ context.Context, _, _ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
}

func (m *mockIndicators) states() []domain.IndicatorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.IndicatorState, len(m.updates))
	copy(out, m.updates)
	return out
}

func (m *mockIndicators) sawState(state domain.IndicatorState) bool {
	for _, s := range m.states() {
		if s == state {
			return true
		}
	}
	return false
}

func (m *mockIndicators) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

// mockRunner recognizes only the tool names it was given.
type mockRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	calls   []domain.ToolCall
}

func newMockRunner(outputs map[string]string) *mockRunner {
	if outputs == nil {
		outputs = make(map[string]string)
	}
	return &mockRunner{outputs: outputs}
}

func (r *mockRunner) Execute(_ context.Context, call domain.ToolCall) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	out, ok := r.outputs[call.Name]
	if !ok {
		return "", false
	}
	return out, true
}

func (r *mockRunner) Schemas() []domain.ToolSchema {
	return []domain.ToolSchema{{Name: "web_search", Description: "search the web", Parameters: json.RawMessage(`{"type":"object"}`)}}
}

// newTestBus returns a quiet bus cleaned up with the test.
func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New(logger.Nop())
	t.Cleanup(bus.Close)
	return bus
}

// watchDone delivers generation.done payloads published on the bus.
func watchDone(t *testing.T, bus *eventbus.Bus) <-chan domain.GenerationDonePayload {
	t.Helper()
	ch := make(chan domain.GenerationDonePayload, 8)
	unsub := bus.Subscribe(domain.EventGenerationDone, func(_ context.Context, ev domain.Event) {
		var p domain.GenerationDonePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		ch <- p
	})
	t.Cleanup(unsub)
	return ch
}

func waitDone(t *testing.T, ch <-chan domain.GenerationDonePayload) domain.GenerationDonePayload {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for generation to finish")
		return domain.GenerationDonePayload{}
	}
}
