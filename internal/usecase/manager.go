package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"scribe-ai/internal/domain"
)

// Manager routes inbound messages to per-conversation orchestrators,
// creating and attaching one the first time a conversation is seen.
type Manager struct {
	deps OrchestratorDeps

	mu       sync.Mutex
	sessions map[string]*Orchestrator
	unsub    func()
	closed   bool
}

// NewManager creates a manager. Call Start to begin routing.
func NewManager(deps OrchestratorDeps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*Orchestrator),
	}
}

// Start subscribes the manager to inbound-message events.
func (m *Manager) Start() {
	m.unsub = m.deps.Bus.Subscribe(domain.EventMessageReceived, m.onMessage)
}

func (m *Manager) onMessage(ctx context.Context, ev domain.Event) {
	var p domain.MessageReceivedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		m.deps.Logger.Warn("dropping malformed message event", "error", err)
		return
	}
	if p.ConversationID == "" || p.AIGenerated || strings.TrimSpace(p.Text) == "" {
		return
	}
	ctx = domain.ContextWithConversationID(ctx, p.ConversationID)
	o, created, err := m.session(ctx, p.ConversationID)
	if err != nil {
		m.deps.Logger.Error("failed to attach conversation session",
			"conversation_id", p.ConversationID,
			"code", domain.ErrorCodeOf(err), "error", err)
		return
	}
	// An existing session receives the event through its own
	// subscription. A fresh one subscribed after this event was
	// published, so hand it the triggering message directly.
	if created {
		o.DeliverMessage(ctx, p)
	}
}

// session returns the orchestrator for a conversation, attaching a new
// one when none exists. The second return reports whether it was created
// by this call.
func (m *Manager) session(ctx context.Context, conversationID string) (*Orchestrator, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, domain.NewDomainError("Manager.session", domain.ErrDetached, "manager closed")
	}
	if o, ok := m.sessions[conversationID]; ok {
		return o, false, nil
	}
	o := NewOrchestrator(conversationID, m.deps)
	if err := o.Attach(ctx); err != nil {
		return nil, false, err
	}
	m.sessions[conversationID] = o
	return o, true, nil
}

// Sessions reports how many conversations currently have an attached
// orchestrator.
func (m *Manager) Sessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DisposeIdle detaches sessions with no in-flight generation and no
// activity for at least idleAfter. Returns how many were detached.
func (m *Manager) DisposeIdle(ctx context.Context, idleAfter time.Duration) int {
	cutoff := time.Now().Add(-idleAfter)

	m.mu.Lock()
	idle := make([]*Orchestrator, 0)
	for id, o := range m.sessions {
		if o.ActiveGenerations() == 0 && o.LastActivity().Before(cutoff) {
			idle = append(idle, o)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, o := range idle {
		o.Detach(ctx)
	}
	return len(idle)
}

// Close stops routing and detaches every session. Idempotent.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsub
	m.unsub = nil
	all := make([]*Orchestrator, 0, len(m.sessions))
	for _, o := range m.sessions {
		all = append(all, o)
	}
	m.sessions = make(map[string]*Orchestrator)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, o := range all {
		o.Detach(ctx)
	}
}
