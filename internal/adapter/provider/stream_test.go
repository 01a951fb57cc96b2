package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"scribe-ai/internal/domain"
)

func collect(ch <-chan domain.RunEvent) []domain.RunEvent {
	var events []domain.RunEvent
	for e := range ch {
		events = append(events, e)
	}
	return events
}

func TestParseRunStreamTextDeltas(t *testing.T) {
	raw := strings.Join([]string{
		"event: thread.run.step.created",
		`data: {"id":"step_1","run_id":"run_1"}`,
		"",
		"event: thread.message.created",
		`data: {"id":"msg_1","run_id":"run_1"}`,
		"",
		"event: thread.message.delta",
		`data: {"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":"Hel"}}]}}`,
		"",
		"event: thread.message.delta",
		`data: {"id":"msg_1","delta":{"content":[{"index":0,"type":"text","text":{"value":"lo"}}]}}`,
		"",
		"event: thread.run.completed",
		`data: {"id":"run_1","status":"completed"}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	ch := parseRunStream(context.Background(), io.NopCloser(strings.NewReader(raw)), slog.Default())
	events := collect(ch)

	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(events), events)
	}
	if events[0].Type != domain.RunEventStepCreated || events[0].RunID != "run_1" {
		t.Errorf("event[0] = %+v, want step created for run_1", events[0])
	}
	if events[1].Type != domain.RunEventMessageCreated {
		t.Errorf("event[1].Type = %s, want message created", events[1].Type)
	}
	if events[2].TextDelta != "Hel" || events[3].TextDelta != "lo" {
		t.Errorf("deltas = %q, %q, want Hel, lo", events[2].TextDelta, events[3].TextDelta)
	}
	if events[4].Type != domain.RunEventCompleted {
		t.Errorf("event[4].Type = %s, want completed", events[4].Type)
	}
}

func TestParseRunStreamRequiresAction(t *testing.T) {
	raw := strings.Join([]string{
		"event: thread.run.requires_action",
		`data: {"id":"run_9","status":"requires_action","required_action":{"type":"submit_tool_outputs","submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"web_search","arguments":"{\"query\":\"weather\"}"}}]}}}`,
		"",
	}, "\n")

	ch := parseRunStream(context.Background(), io.NopCloser(strings.NewReader(raw)), slog.Default())
	events := collect(ch)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != domain.RunEventRequiresAction {
		t.Fatalf("Type = %s, want requires action", e.Type)
	}
	if e.RunID != "run_9" {
		t.Errorf("RunID = %q, want run_9", e.RunID)
	}
	if len(e.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(e.ToolCalls))
	}
	if e.ToolCalls[0].Name != "web_search" || e.ToolCalls[0].ID != "call_1" {
		t.Errorf("tool call = %+v", e.ToolCalls[0])
	}
	if !strings.Contains(string(e.ToolCalls[0].Arguments), "weather") {
		t.Errorf("arguments = %s", e.ToolCalls[0].Arguments)
	}
}

func TestParseRunStreamFailed(t *testing.T) {
	raw := strings.Join([]string{
		"event: thread.run.failed",
		`data: {"id":"run_2","status":"failed","last_error":{"code":"server_error","message":"boom"}}`,
		"",
	}, "\n")

	ch := parseRunStream(context.Background(), io.NopCloser(strings.NewReader(raw)), slog.Default())
	events := collect(ch)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.RunEventFailed {
		t.Fatalf("Type = %s, want failed", events[0].Type)
	}
	if !errors.Is(events[0].Err, domain.ErrProviderError) {
		t.Errorf("Err = %v, want wrapped provider error", events[0].Err)
	}
	if !strings.Contains(events[0].Err.Error(), "boom") {
		t.Errorf("Err = %v, want message to mention boom", events[0].Err)
	}
}

func TestParseRunStreamSkipsUnknownEvents(t *testing.T) {
	raw := strings.Join([]string{
		": keepalive",
		"event: thread.run.created",
		`data: {"id":"run_3","status":"queued"}`,
		"",
		"event: thread.run.step.delta",
		`data: {"id":"step_1"}`,
		"",
		"event: thread.run.completed",
		`data: {"id":"run_3","status":"completed"}`,
		"",
	}, "\n")

	ch := parseRunStream(context.Background(), io.NopCloser(strings.NewReader(raw)), slog.Default())
	events := collect(ch)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d: %+v", len(events), events)
	}
	if events[0].Type != domain.RunEventCompleted {
		t.Errorf("Type = %s, want completed", events[0].Type)
	}
}

func TestParseRunStreamEmptyDeltaDropped(t *testing.T) {
	raw := strings.Join([]string{
		"event: thread.message.delta",
		`data: {"id":"msg_1","delta":{"content":[{"index":0,"type":"image_file"}]}}`,
		"",
		"event: thread.run.completed",
		`data: {"id":"run_1","status":"completed"}`,
		"",
	}, "\n")

	ch := parseRunStream(context.Background(), io.NopCloser(strings.NewReader(raw)), slog.Default())
	events := collect(ch)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

type errorReadCloser struct{}

func (errorReadCloser) Read([]byte) (int, error) { return 0, errors.New("simulated read error") }
func (errorReadCloser) Close() error             { return nil }

func TestParseRunStreamReadErrorSurfacesFailure(t *testing.T) {
	ch := parseRunStream(context.Background(), errorReadCloser{}, slog.Default())
	events := collect(ch)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != domain.RunEventFailed {
		t.Errorf("Type = %s, want failed", events[0].Type)
	}
}

func TestParseRunStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := "event: thread.run.completed\ndata: {\"id\":\"run_1\"}\n\n"
	ch := parseRunStream(ctx, io.NopCloser(strings.NewReader(raw)), slog.Default())

	// Channel must close without blocking.
	for range ch {
	}
}
