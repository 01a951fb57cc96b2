package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"scribe-ai/internal/domain"
)

// maxStreamLine bounds a single SSE line. Deltas are small; run payloads
// with tool calls can reach tens of kilobytes.
const maxStreamLine = 1024 * 1024

// parseRunStream reads Assistants SSE events from body and converts them
// into domain.RunEvents. The returned channel is closed when the stream
// ends, a terminal event arrives, or ctx is cancelled.
func parseRunStream(ctx context.Context, body io.ReadCloser, logger *slog.Logger) <-chan domain.RunEvent {
	ch := make(chan domain.RunEvent, 16)
	go func() {
		defer close(ch)
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

		var eventName string
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()

			// Blank lines separate events; comments start with ':'.
			if len(line) == 0 || line[0] == ':' {
				continue
			}

			if bytes.HasPrefix(line, []byte("event: ")) {
				eventName = string(bytes.TrimPrefix(line, []byte("event: ")))
				continue
			}

			if !bytes.HasPrefix(line, []byte("data: ")) {
				continue
			}
			data := bytes.TrimPrefix(line, []byte("data: "))

			if bytes.Equal(data, []byte("[DONE]")) {
				return
			}

			event, terminal, err := parseRunEvent(eventName, data)
			if err != nil {
				logger.Debug("skipping unparseable stream event", "event", eventName, "error", err)
				continue
			}
			if event == nil {
				continue
			}

			select {
			case ch <- *event:
			case <-ctx.Done():
				return
			}

			if terminal {
				return
			}
		}
		// A scanner error means the stream died mid-run. Surface it as a
		// failure so consumers do not wait forever.
		if err := scanner.Err(); err != nil {
			select {
			case ch <- domain.RunEvent{Type: domain.RunEventFailed, Err: fmt.Errorf("stream read: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return ch
}

// parseRunEvent maps one named SSE payload to a domain.RunEvent. A nil
// event with nil error means the payload is not interesting.
func parseRunEvent(eventName string, data []byte) (*domain.RunEvent, bool, error) {
	switch eventName {
	case "thread.run.step.created":
		var step runStepObject
		if err := json.Unmarshal(data, &step); err != nil {
			return nil, false, err
		}
		return &domain.RunEvent{Type: domain.RunEventStepCreated, RunID: step.RunID}, false, nil

	case "thread.message.created":
		var msg messageObject
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, false, err
		}
		return &domain.RunEvent{Type: domain.RunEventMessageCreated, RunID: msg.RunID}, false, nil

	case "thread.message.delta":
		var delta messageDeltaObject
		if err := json.Unmarshal(data, &delta); err != nil {
			return nil, false, err
		}
		var text string
		for _, c := range delta.Delta.Content {
			if c.Type == "text" && c.Text != nil {
				text += c.Text.Value
			}
		}
		if text == "" {
			return nil, false, nil
		}
		return &domain.RunEvent{Type: domain.RunEventTextDelta, TextDelta: text}, false, nil

	case "thread.run.requires_action":
		var run runObject
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, false, err
		}
		event := &domain.RunEvent{Type: domain.RunEventRequiresAction, RunID: run.ID}
		if run.RequiredAction != nil && run.RequiredAction.SubmitToolOutputs != nil {
			event.ToolCalls = toDomainToolCalls(run.RequiredAction.SubmitToolOutputs.ToolCalls)
		}
		// The provider pauses the run here; the stream ends until tool
		// outputs are submitted on a fresh request.
		return event, true, nil

	case "thread.run.completed":
		var run runObject
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, false, err
		}
		return &domain.RunEvent{Type: domain.RunEventCompleted, RunID: run.ID}, true, nil

	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired":
		var run runObject
		if err := json.Unmarshal(data, &run); err != nil {
			return nil, false, err
		}
		runErr := fmt.Errorf("%w: run %s", domain.ErrProviderError, run.Status)
		if run.LastError != nil {
			runErr = fmt.Errorf("%w: %s", domain.ErrProviderError, run.LastError.Message)
		}
		return &domain.RunEvent{Type: domain.RunEventFailed, RunID: run.ID, Err: runErr}, true, nil

	default:
		return nil, false, nil
	}
}
