package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"scribe-ai/internal/domain"
	"scribe-ai/internal/infra/tracer"
)

// assistantSenderID marks transcript entries authored by the assistant.
const assistantSenderID = "ai-writing-assistant"

// AssistantProfile configures the assistant persona an orchestrator
// registers with the provider.
type AssistantProfile struct {
	Name         string
	Model        string
	SystemPrompt string
	Temperature  float64
	// GenerationTimeout bounds a single generation end to end, tool
	// round-trips included. Zero means no deadline.
	GenerationTimeout time.Duration
}

// OrchestratorDeps holds injected dependencies for an orchestrator.
type OrchestratorDeps struct {
	Provider   domain.GenerationProvider
	Store      domain.TranscriptStore
	Indicators domain.IndicatorSender
	Tools      domain.ToolRunner
	Bus        domain.EventBus
	Logger     *slog.Logger
	Profile    AssistantProfile
}

// Orchestrator owns the assistant's presence in one conversation: the
// provider-side assistant and thread, the inbound-message subscription,
// and the response handlers for in-flight generations.
type Orchestrator struct {
	deps           OrchestratorDeps
	conversationID string

	assistantID   string
	threadID      string
	unsubMessages func()

	// startMu serializes history append and run creation so concurrent
	// inbound messages cannot interleave their thread writes.
	startMu sync.Mutex

	mu           sync.Mutex
	attached     bool
	detached     bool
	handlers     map[string]*ResponseHandler
	lastActivity time.Time
}

// NewOrchestrator creates an orchestrator for one conversation. Call
// Attach before delivering messages.
func NewOrchestrator(conversationID string, deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		deps:           deps,
		conversationID: conversationID,
		handlers:       make(map[string]*ResponseHandler),
		lastActivity:   time.Now(),
	}
}

// ConversationID returns the conversation this orchestrator serves.
func (o *Orchestrator) ConversationID() string { return o.conversationID }

// Attach registers the assistant persona and a fresh thread with the
// provider, then subscribes for inbound messages on the conversation.
// Attaching an already attached orchestrator is a no-op.
func (o *Orchestrator) Attach(ctx context.Context) error {
	o.mu.Lock()
	if o.detached {
		o.mu.Unlock()
		return domain.NewDomainError("Orchestrator.Attach", domain.ErrDetached, o.conversationID)
	}
	if o.attached {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	ctx, span := tracer.StartSpan(ctx, "orchestrator.attach",
		trace.WithAttributes(tracer.StringAttr("conversation.id", o.conversationID)),
	)
	defer span.End()

	spec := domain.AssistantSpec{
		Name:         o.deps.Profile.Name,
		Model:        o.deps.Profile.Model,
		Instructions: instructionsBase(o.deps.Profile.SystemPrompt),
		Temperature:  o.deps.Profile.Temperature,
		Tools:        o.deps.Tools.Schemas(),
	}
	assistantID, err := o.deps.Provider.CreateAssistant(ctx, spec)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Orchestrator.Attach", err)
	}
	thread, err := o.deps.Provider.CreateThread(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.WrapOp("Orchestrator.Attach", err)
	}

	o.mu.Lock()
	o.assistantID = assistantID
	o.threadID = thread.ID
	o.attached = true
	o.lastActivity = time.Now()
	o.mu.Unlock()

	o.unsubMessages = o.deps.Bus.Subscribe(domain.EventMessageReceived, func(ctx context.Context, ev domain.Event) {
		var p domain.MessageReceivedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		if p.ConversationID != o.conversationID {
			return
		}
		o.DeliverMessage(ctx, p)
	})

	o.deps.Logger.Info("orchestrator attached",
		"conversation_id", o.conversationID,
		"assistant_id", assistantID, "thread_id", thread.ID,
		"provider", o.deps.Provider.Name())
	tracer.SetOK(span)
	return nil
}

// DeliverMessage starts a generation in response to one inbound message.
// Assistant-authored and empty messages are ignored so the assistant
// never responds to itself. The call returns once the run is started;
// the response streams in the background.
func (o *Orchestrator) DeliverMessage(ctx context.Context, msg domain.MessageReceivedPayload) {
	if msg.AIGenerated || strings.TrimSpace(msg.Text) == "" {
		return
	}
	o.mu.Lock()
	if o.detached || !o.attached {
		o.mu.Unlock()
		return
	}
	o.lastActivity = time.Now()
	o.mu.Unlock()

	if domain.ConversationIDFromContext(ctx) == "" {
		ctx = domain.ContextWithConversationID(ctx, o.conversationID)
	}
	ctx, span := tracer.StartSpan(ctx, "orchestrator.handle_message",
		trace.WithAttributes(
			tracer.StringAttr("conversation.id", o.conversationID),
			tracer.StringAttr("message.id", msg.MessageID),
		),
	)
	defer span.End()

	o.startMu.Lock()
	defer o.startMu.Unlock()

	if err := o.deps.Provider.AppendUserMessage(ctx, o.threadID, msg.Text); err != nil {
		tracer.RecordError(span, err)
		o.deps.Logger.Error("failed to append user message to thread",
			"conversation_id", o.conversationID, "error", err)
		return
	}

	placeholder, err := o.deps.Store.SendMessage(ctx, domain.ChannelMessage{
		ConversationID: o.conversationID,
		SenderID:       assistantSenderID,
		AIGenerated:    true,
		Generating:     true,
	})
	if err != nil {
		tracer.RecordError(span, err)
		o.deps.Logger.Error("failed to create response placeholder",
			"conversation_id", o.conversationID, "error", err)
		return
	}
	o.deps.Indicators.Update(ctx, o.conversationID, placeholder.ID, domain.IndicatorThinking)

	// The generation deadline goes on the context the run streams over, so
	// expiry tears down the provider stream and the handler settles through
	// its timeout path even when the provider has gone silent.
	runCtx := context.WithoutCancel(ctx)
	cancel := context.CancelFunc(func() {})
	if o.deps.Profile.GenerationTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, o.deps.Profile.GenerationTimeout)
	}

	instructions := ComposeInstructions(o.deps.Profile.SystemPrompt, msg.Custom)
	stream, err := o.deps.Provider.StartRun(runCtx, o.threadID, o.assistantID, instructions)
	if err != nil {
		cancel()
		tracer.RecordError(span, err)
		o.deps.Logger.Error("failed to start run",
			"conversation_id", o.conversationID, "error", err)
		o.settleFailedStart(ctx, placeholder.ID, err)
		return
	}

	h := NewResponseHandler(HandlerDeps{
		Provider:   o.deps.Provider,
		Store:      o.deps.Store,
		Indicators: o.deps.Indicators,
		Tools:      o.deps.Tools,
		Bus:        o.deps.Bus,
		Logger:     o.deps.Logger,
	}, o.conversationID, placeholder.ID, o.threadID, stream, o.removeHandler)

	o.mu.Lock()
	o.handlers[placeholder.ID] = h
	o.mu.Unlock()

	go func() {
		defer cancel()
		h.Run(runCtx)
	}()
	tracer.SetOK(span)
}

// settleFailedStart finalizes a placeholder whose run never started, so
// observers are not left watching a permanently generating message.
func (o *Orchestrator) settleFailedStart(ctx context.Context, messageID string, cause error) {
	if err := o.deps.Store.PartialUpdateMessage(ctx, messageID, domain.Text(cause.Error(), false)); err != nil {
		o.deps.Logger.Warn("failed to settle placeholder after start failure",
			"message_id", messageID, "error", err)
	}
	o.deps.Indicators.Update(ctx, o.conversationID, messageID, domain.IndicatorError)
	o.deps.Indicators.Clear(ctx, o.conversationID, messageID)
}

func (o *Orchestrator) removeHandler(messageID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.handlers, messageID)
	o.lastActivity = time.Now()
}

// Detach unsubscribes from inbound messages and disposes every in-flight
// handler. Idempotent; later calls are no-ops.
func (o *Orchestrator) Detach(ctx context.Context) {
	o.mu.Lock()
	if o.detached {
		o.mu.Unlock()
		return
	}
	o.detached = true
	unsub := o.unsubMessages
	o.unsubMessages = nil
	handlers := make([]*ResponseHandler, 0, len(o.handlers))
	for _, h := range o.handlers {
		handlers = append(handlers, h)
	}
	o.handlers = make(map[string]*ResponseHandler)
	o.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, h := range handlers {
		h.Dispose(ctx)
	}
	o.deps.Logger.Info("orchestrator detached",
		"conversation_id", o.conversationID, "disposed_handlers", len(handlers))
}

// ActiveGenerations reports how many responses are currently streaming.
func (o *Orchestrator) ActiveGenerations() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handlers)
}

// LastActivity reports when the conversation last saw a message or a
// generation finishing.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastActivity
}

func instructionsBase(prompt string) string {
	if strings.TrimSpace(prompt) == "" {
		return DefaultSystemPrompt
	}
	return prompt
}
