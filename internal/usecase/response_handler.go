package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/tracer"
)

// HandlerDeps holds injected dependencies for a response handler.
type HandlerDeps struct {
	Provider   domain.GenerationProvider
	Store      domain.TranscriptStore
	Indicators domain.IndicatorSender
	Tools      domain.ToolRunner
	Bus        domain.EventBus
	Logger     *slog.Logger
}

// ResponseHandler drives one streamed generation into one transcript
// message. It consumes run events, accumulates text, persists throttled
// partial snapshots, round-trips tool calls, and settles the message
// exactly once on completion, failure, or cancellation.
type ResponseHandler struct {
	deps HandlerDeps

	conversationID string
	messageID      string
	threadID       string
	stream         <-chan domain.RunEvent
	onDispose      func(messageID string)
	unsubCancel    func()

	mu         sync.Mutex
	done       bool
	state      domain.GenerationState
	runID      string
	text       strings.Builder
	chunkCount int
	pending    sync.WaitGroup
}

// NewResponseHandler binds a generation stream to a transcript message and
// subscribes for cancellation requests targeting that message. onDispose is
// invoked exactly once, after all other disposal effects.
func NewResponseHandler(deps HandlerDeps, conversationID, messageID, threadID string, stream <-chan domain.RunEvent, onDispose func(messageID string)) *ResponseHandler {
	h := &ResponseHandler{
		deps:           deps,
		conversationID: conversationID,
		messageID:      messageID,
		threadID:       threadID,
		stream:         stream,
		onDispose:      onDispose,
		state:          domain.StatePending,
	}
	h.unsubCancel = deps.Bus.Subscribe(domain.EventGenerationCancel, func(ctx context.Context, ev domain.Event) {
		var p domain.GenerationCancelPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		if p.MessageID != h.messageID {
			return
		}
		h.handleCancel(context.WithoutCancel(ctx))
	})
	return h
}

// Run consumes the generation until a terminal event. Tool round-trips
// swap in the continuation stream, so one call covers the whole
// generation regardless of how many times the provider pauses for tools.
// Run returns after terminal effects have been applied.
func (h *ResponseHandler) Run(ctx context.Context) {
	ctx, span := tracer.StartSpan(ctx, "handler.run",
		trace.WithAttributes(
			tracer.StringAttr("conversation.id", h.conversationID),
			tracer.StringAttr("message.id", h.messageID),
		),
	)
	defer span.End()

	stream := h.stream
	for stream != nil {
		next, err := h.consume(ctx, stream)
		if err != nil {
			tracer.RecordError(span, err)
			h.fail(context.WithoutCancel(ctx), err)
			return
		}
		stream = next
	}
	if h.isDone() {
		tracer.SetOK(span)
		return
	}
	if ctx.Err() != nil {
		err := fmt.Errorf("%w: generation deadline exceeded", domain.ErrTimeout)
		tracer.RecordError(span, err)
		h.fail(context.WithoutCancel(ctx), err)
		return
	}
	// Stream ended without a terminal event. Settle the message without
	// inventing an outcome the provider never reported.
	h.deps.Logger.Warn("generation stream ended without terminal event",
		"conversation_id", h.conversationID, "message_id", h.messageID)
	h.Dispose(context.WithoutCancel(ctx))
}

// consume drains one stream. It returns a non-nil continuation stream
// when the run paused for tools and was resumed, nil when the stream is
// exhausted, the context expired, or the generation reached a terminal
// state. A context watch keeps a silent stream from blocking past the
// generation deadline.
func (h *ResponseHandler) consume(ctx context.Context, stream <-chan domain.RunEvent) (<-chan domain.RunEvent, error) {
	for {
		var ev domain.RunEvent
		var ok bool
		select {
		case <-ctx.Done():
			return nil, nil
		case ev, ok = <-stream:
		}
		if !ok {
			return nil, nil
		}
		if h.isDone() {
			return nil, nil
		}
		switch ev.Type {
		case domain.RunEventStepCreated:
			h.noteRunID(ev.RunID)
			h.transitionGenerating()

		case domain.RunEventMessageCreated:
			h.noteRunID(ev.RunID)
			h.transitionGenerating()
			h.deps.Indicators.Update(ctx, h.conversationID, h.messageID, domain.IndicatorGenerating)

		case domain.RunEventTextDelta:
			h.transitionGenerating()
			if snapshot, persist := h.appendDelta(ev.TextDelta); persist {
				h.persistPartial(ctx, snapshot)
			}

		case domain.RunEventRequiresAction:
			h.noteRunID(ev.RunID)
			h.setState(domain.StateAwaitingTools)
			h.deps.Indicators.Update(ctx, h.conversationID, h.messageID, domain.IndicatorExternalSources)
			outputs := h.executeTools(ctx, ev.ToolCalls)
			if len(outputs) == 0 {
				h.deps.Logger.Warn("no recognized tool calls in action request",
					"message_id", h.messageID, "calls", len(ev.ToolCalls))
				h.complete(context.WithoutCancel(ctx))
				return nil, nil
			}
			next, err := h.deps.Provider.SubmitToolOutputs(ctx, h.threadID, h.currentRunID(), outputs)
			if err != nil {
				return nil, err
			}
			return next, nil

		case domain.RunEventCompleted:
			h.complete(context.WithoutCancel(ctx))
			return nil, nil

		case domain.RunEventFailed:
			err := ev.Err
			if err == nil {
				err = domain.ErrProviderError
			}
			return nil, err
		}
	}
}

// executeTools runs each recognized call and collects its output.
// Unrecognized names contribute nothing.
func (h *ResponseHandler) executeTools(ctx context.Context, calls []domain.ToolCall) []domain.ToolOutput {
	outputs := make([]domain.ToolOutput, 0, len(calls))
	for _, call := range calls {
		ctx, span := tracer.StartSpan(ctx, "handler.execute_tool",
			trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
		)
		output, recognized := h.deps.Tools.Execute(ctx, call)
		span.End()
		if !recognized {
			h.deps.Logger.Warn("skipping unrecognized tool call",
				"tool", call.Name, "tool_call_id", call.ID)
			continue
		}
		outputs = append(outputs, domain.ToolOutput{ToolCallID: call.ID, Output: output})
	}
	return outputs
}

// appendDelta accumulates a text chunk and reports whether this chunk
// crosses a persistence boundary, returning the full snapshot when it does.
// Early chunks persist densely so observers see text appear quickly, then
// the cadence backs off to one snapshot per fifteen chunks.
func (h *ResponseHandler) appendDelta(delta string) (snapshot string, persist bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.text.WriteString(delta)
	n := h.chunkCount
	h.chunkCount++
	if n%15 == 0 || (n < 8 && n%2 == 0) {
		return h.text.String(), true
	}
	return "", false
}

// persistPartial writes a snapshot without blocking the stream. Failures
// are logged and dropped; the awaited final persist supersedes any
// partial that was lost or applied out of order.
func (h *ResponseHandler) persistPartial(ctx context.Context, snapshot string) {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return
	}
	h.pending.Add(1)
	h.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	go func() {
		defer h.pending.Done()
		if err := h.deps.Store.PartialUpdateMessage(ctx, h.messageID, domain.Text(snapshot, true)); err != nil {
			h.deps.Logger.Warn("partial transcript persist failed",
				"message_id", h.messageID, "error", err)
		}
	}()
}

// complete settles the message with the accumulated text.
func (h *ResponseHandler) complete(ctx context.Context) {
	if !h.markDone(domain.StateCompleted) {
		return
	}
	h.pending.Wait()
	if err := h.deps.Store.PartialUpdateMessage(ctx, h.messageID, domain.Text(h.accumulated(), false)); err != nil {
		h.deps.Logger.Error("final transcript persist failed",
			"message_id", h.messageID, "error", err)
	}
	h.cleanup(ctx)
}

// fail settles the message with the error text so observers see why the
// response stopped.
func (h *ResponseHandler) fail(ctx context.Context, cause error) {
	if !h.markDone(domain.StateError) {
		return
	}
	h.deps.Logger.Error("generation failed",
		"conversation_id", h.conversationID, "message_id", h.messageID,
		"code", domain.ErrorCodeOf(cause), "error", cause)
	h.pending.Wait()
	if err := h.deps.Store.PartialUpdateMessage(ctx, h.messageID, domain.Text(cause.Error(), false)); err != nil {
		h.deps.Logger.Error("error transcript persist failed",
			"message_id", h.messageID, "error", err)
	}
	h.deps.Indicators.Update(ctx, h.conversationID, h.messageID, domain.IndicatorError)
	h.cleanup(ctx)
}

// handleCancel aborts the generation on an observer's request. The
// upstream cancel is best effort; the transcript and indicators are
// settled regardless.
func (h *ResponseHandler) handleCancel(ctx context.Context) {
	if !h.markDone(domain.StateCancelled) {
		return
	}
	if runID := h.currentRunID(); runID != "" {
		if err := h.deps.Provider.CancelRun(ctx, h.threadID, runID); err != nil {
			h.deps.Logger.Warn("upstream run cancel failed",
				"run_id", runID, "error", err)
		}
	} else {
		h.deps.Logger.Warn("cancel requested before run id was known",
			"message_id", h.messageID)
	}
	h.pending.Wait()
	if err := h.deps.Store.PartialUpdateMessage(ctx, h.messageID, domain.Text(h.accumulated(), false)); err != nil {
		h.deps.Logger.Warn("cancel transcript persist failed",
			"message_id", h.messageID, "error", err)
	}
	h.cleanup(ctx)
}

// Dispose tears the handler down, for example when the whole conversation
// session is being detached. Safe to call any number of times; only the
// first terminal transition, from any path, has effect.
func (h *ResponseHandler) Dispose(ctx context.Context) {
	if !h.markDone(domain.StateCancelled) {
		return
	}
	h.pending.Wait()
	h.cleanup(ctx)
}

// cleanup applies the disposal effects shared by every terminal path.
// Runs exactly once, guarded by markDone.
func (h *ResponseHandler) cleanup(ctx context.Context) {
	h.unsubCancel()
	h.reconcile(ctx)
	h.deps.Indicators.Clear(ctx, h.conversationID, h.messageID)
	if h.onDispose != nil {
		h.onDispose(h.messageID)
	}
	h.deps.Bus.Publish(ctx, domain.NewEvent(domain.EventGenerationDone, domain.GenerationDonePayload{
		ConversationID: h.conversationID,
		MessageID:      h.messageID,
		State:          h.State(),
	}))
}

// reconcile force-clears the generating flag if the message is still
// marked as streaming, covering terminal paths that skipped their own
// final persist.
func (h *ResponseHandler) reconcile(ctx context.Context) {
	msg, err := h.deps.Store.GetMessage(ctx, h.messageID)
	if err != nil {
		if !errors.Is(err, domain.ErrMessageNotFound) {
			h.deps.Logger.Warn("transcript reconcile fetch failed",
				"message_id", h.messageID, "error", err)
		}
		return
	}
	if !msg.Generating {
		return
	}
	if err := h.deps.Store.PartialUpdateMessage(ctx, h.messageID, domain.ClearGenerating()); err != nil {
		h.deps.Logger.Warn("transcript reconcile update failed",
			"message_id", h.messageID, "error", err)
	}
}

// markDone claims the single terminal transition, recording the state the
// winning path is settling into.
func (h *ResponseHandler) markDone(terminal domain.GenerationState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return false
	}
	h.done = true
	h.state = terminal
	return true
}

func (h *ResponseHandler) isDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// State returns the handler's current lifecycle state.
func (h *ResponseHandler) State() domain.GenerationState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// MessageID returns the transcript message this handler is filling.
func (h *ResponseHandler) MessageID() string { return h.messageID }

// transitionGenerating promotes the handler into GENERATING from the
// states where content can start flowing: the initial PENDING state and
// AWAITING_TOOLS once a continuation stream resumes after tool outputs.
func (h *ResponseHandler) transitionGenerating() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == domain.StatePending || h.state == domain.StateAwaitingTools {
		h.state = domain.StateGenerating
	}
}

func (h *ResponseHandler) setState(state domain.GenerationState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		h.state = state
	}
}

func (h *ResponseHandler) noteRunID(runID string) {
	if runID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runID = runID
}

func (h *ResponseHandler) currentRunID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runID
}

func (h *ResponseHandler) accumulated() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.text.String()
}
