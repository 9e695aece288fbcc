package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	stdsync "sync"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Enqueuer queues an outgoing message and returns its optimistic local copy.
type Enqueuer interface {
	Enqueue(ctx context.Context, conversationID, senderID, body, imageRef string) (store.Message, error)
}

// Conversation describes one open conversation.
type Conversation struct {
	Handle         string
	ConversationID string
	PeerID         string
	State          status.State
	Degraded       bool
	Cursor         Cursor
}

// Manager owns the open conversations of a process and addresses them by
// handle.
type Manager struct {
	cfg    Config
	deps   Deps
	sender Enqueuer
	logger *zap.Logger

	mu      stdsync.Mutex
	engines map[string]*entry
	closed  bool
}

type entry struct {
	engine *Engine
	peer   string
}

// NewManager creates a manager. sender may be nil, in which case SendMessage fails.
func NewManager(cfg Config, deps Deps, sender Enqueuer) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		cfg:     cfg,
		deps:    deps,
		sender:  sender,
		logger:  deps.Logger.Named("sync"),
		engines: make(map[string]*entry),
	}
}

// OpenConversation starts an engine for conversationID and returns its handle.
// The conversation is Loading until the first page is available.
func (m *Manager) OpenConversation(ctx context.Context, conversationID, peerID string) (string, error) {
	if conversationID == "" || conversationID == presence.NoConversation {
		return "", fmt.Errorf("%w: %q", ErrInvalidConversation, conversationID)
	}
	handle := uuid.NewString()
	deps := m.deps
	deps.Logger = m.logger
	e := NewEngine(handle, conversationID, peerID, m.cfg, deps)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.engines[handle] = &entry{engine: e, peer: peerID}
	m.mu.Unlock()

	if err := e.Open(ctx); err != nil {
		m.remove(handle)
		return "", fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	m.logger.Info("conversation opened",
		zap.String("conversation_id", conversationID),
		zap.String("peer_id", peerID),
		zap.String("handle", handle))
	return handle, nil
}

func (m *Manager) engine(handle string) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.engines[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return en.engine, nil
}

func (m *Manager) remove(handle string) *Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	en, ok := m.engines[handle]
	if !ok {
		return nil
	}
	delete(m.engines, handle)
	return en.engine
}

// WaitLive blocks until the conversation is Live.
func (m *Manager) WaitLive(ctx context.Context, handle string) error {
	e, err := m.engine(handle)
	if err != nil {
		return err
	}
	return e.WaitLive(ctx)
}

// SubscribeMessages registers fn for the conversation's message list.
func (m *Manager) SubscribeMessages(handle string, fn func([]store.Message)) (func(), error) {
	e, err := m.engine(handle)
	if err != nil {
		return nil, err
	}
	return e.SubscribeMessages(fn), nil
}

// SubscribePresence registers fn for the peer's presence status.
func (m *Manager) SubscribePresence(handle string, fn func(presence.Status)) (func(), error) {
	e, err := m.engine(handle)
	if err != nil {
		return nil, err
	}
	return e.SubscribePresence(fn), nil
}

// LoadOlder extends the conversation's loaded window by one page.
func (m *Manager) LoadOlder(ctx context.Context, handle string) error {
	e, err := m.engine(handle)
	if err != nil {
		return err
	}
	return e.LoadOlder(ctx)
}

// SendMessage queues body for delivery and shows it as pending right away.
func (m *Manager) SendMessage(ctx context.Context, handle, body, imageRef string) (store.Message, error) {
	e, err := m.engine(handle)
	if err != nil {
		return store.Message{}, err
	}
	if m.sender == nil {
		return store.Message{}, errors.New("sending is not configured")
	}
	if body == "" && imageRef == "" {
		return store.Message{}, errors.New("empty message")
	}
	msg, err := m.sender.Enqueue(ctx, e.ConversationID(), m.cfg.SelfUserID, body, imageRef)
	if err != nil {
		return store.Message{}, fmt.Errorf("queue message: %w", err)
	}
	if err := e.AddPending(ctx, msg); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Warn("pending copy not shown", zap.String("handle", handle), zap.Error(err))
	}
	return msg, nil
}

// SetTyping publishes the local user's typing flag.
func (m *Manager) SetTyping(ctx context.Context, handle string, typing bool) error {
	e, err := m.engine(handle)
	if err != nil {
		return err
	}
	return e.SetTyping(ctx, typing)
}

// Describe returns the current view of one conversation.
func (m *Manager) Describe(handle string) (Conversation, error) {
	m.mu.Lock()
	en, ok := m.engines[handle]
	m.mu.Unlock()
	if !ok {
		return Conversation{}, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	return describe(en), nil
}

// Conversations lists the open conversations ordered by conversation id.
func (m *Manager) Conversations() []Conversation {
	m.mu.Lock()
	out := make([]Conversation, 0, len(m.engines))
	for _, en := range m.engines {
		out = append(out, describe(en))
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConversationID != out[j].ConversationID {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].Handle < out[j].Handle
	})
	return out
}

func describe(en *entry) Conversation {
	e := en.engine
	return Conversation{
		Handle:         e.Handle(),
		ConversationID: e.ConversationID(),
		PeerID:         en.peer,
		State:          e.State(),
		Degraded:       e.Degraded(),
		Cursor:         e.Cursor(),
	}
}

// CloseConversation closes the conversation and forgets its handle.
func (m *Manager) CloseConversation(handle string) error {
	e := m.remove(handle)
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	if err := e.Close(); err != nil {
		return err
	}
	m.logger.Info("conversation closed", zap.String("handle", handle), zap.String("conversation_id", e.ConversationID()))
	return nil
}

// Shutdown closes every open conversation and waits for their store writes.
// Further opens fail with ErrClosed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	engines := make([]*Engine, 0, len(m.engines))
	for h, en := range m.engines {
		engines = append(engines, en.engine)
		delete(m.engines, h)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, e := range engines {
			_ = e.Close()
			e.Wait()
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
