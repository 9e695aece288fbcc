package feed

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process feed. It serves the "memory" remote driver for
// local runs and stands in for the remote in tests.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	messages  map[string]map[string]RawMessage
	watchers  map[string]map[string]*outlet[ChangeEvent]
	presence  map[string]PresenceDocument
	observers map[string]map[string]*outlet[PresenceDocument]
	initial   int
}

// NewMemory creates an empty in-process feed. initialLimit bounds how many of
// the newest messages a fresh subscription receives; 0 means all.
func NewMemory(initialLimit int) *Memory {
	return &Memory{
		now:       time.Now,
		messages:  make(map[string]map[string]RawMessage),
		watchers:  make(map[string]map[string]*outlet[ChangeEvent]),
		presence:  make(map[string]PresenceDocument),
		observers: make(map[string]map[string]*outlet[PresenceDocument]),
		initial:   initialLimit,
	}
}

// Subscribe streams Added events for the newest stored messages followed by
// live changes.
func (m *Memory) Subscribe(ctx context.Context, conversationID string) (*ChangeSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var o *outlet[ChangeEvent]
	sub := newSubscription[ChangeEvent](64, func() {
		m.mu.Lock()
		delete(m.watchers[conversationID], o.sub.ID)
		m.mu.Unlock()
		o.close()
	})
	o = newOutlet(ctx, sub)

	docs := m.newestLocked(conversationID, 0, m.initial)
	for i := len(docs) - 1; i >= 0; i-- {
		o.push(Added(docs[i]))
	}
	if m.watchers[conversationID] == nil {
		m.watchers[conversationID] = make(map[string]*outlet[ChangeEvent])
	}
	m.watchers[conversationID][sub.ID] = o
	return sub, nil
}

// SubscribePresence streams the current presence document of userID, if any,
// followed by every replacement.
func (m *Memory) SubscribePresence(ctx context.Context, userID string) (*PresenceSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var o *outlet[PresenceDocument]
	sub := newSubscription[PresenceDocument](16, func() {
		m.mu.Lock()
		delete(m.observers[userID], o.sub.ID)
		m.mu.Unlock()
		o.close()
	})
	o = newOutlet(ctx, sub)

	if doc, ok := m.presence[userID]; ok {
		o.push(doc)
	}
	if m.observers[userID] == nil {
		m.observers[userID] = make(map[string]*outlet[PresenceDocument])
	}
	m.observers[userID][sub.ID] = o
	return sub, nil
}

// Append stores a message. The server timestamp is assigned on first write;
// appending an existing id is a no-op.
func (m *Memory) Append(_ context.Context, msg RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.messages[msg.ConversationID]
	if conv == nil {
		conv = make(map[string]RawMessage)
		m.messages[msg.ConversationID] = conv
	}
	if _, ok := conv[msg.ID]; ok {
		return nil
	}
	if msg.TimeStamp.IsZero() {
		msg.TimeStamp = m.now()
	}
	conv[msg.ID] = msg
	for _, o := range m.watchers[msg.ConversationID] {
		o.push(Added(msg))
	}
	return nil
}

// MarkSeen sets the remote seen flag and emits Modified for each id that changed.
func (m *Memory) MarkSeen(_ context.Context, conversationID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.messages[conversationID]
	for _, id := range ids {
		msg, ok := conv[id]
		if !ok || msg.Seen {
			continue
		}
		msg.Seen = true
		conv[id] = msg
		for _, o := range m.watchers[conversationID] {
			o.push(Modified(id, true))
		}
	}
	return nil
}

// FetchOlder returns up to limit messages created at or before beforeMillis,
// newest first.
func (m *Memory) FetchOlder(_ context.Context, conversationID string, beforeMillis int64, limit int) ([]RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestLocked(conversationID, beforeMillis, limit), nil
}

// SetPresence replaces the presence document of doc.UserID.
func (m *Memory) SetPresence(_ context.Context, doc PresenceDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishPresenceLocked(doc)
	return nil
}

func (m *Memory) publishPresenceLocked(doc PresenceDocument) {
	m.presence[doc.UserID] = doc
	for _, o := range m.observers[doc.UserID] {
		o.push(doc)
	}
}

// SetHere records which conversation userID has open.
func (m *Memory) SetHere(ctx context.Context, userID, conversationID string) error {
	return m.updatePresence(ctx, userID, func(d *PresenceDocument) {
		d.HereConversationID = conversationID
		d.HereTimestamp = m.now().UnixMilli()
		d.LastTimeSeen = d.HereTimestamp
	})
}

// SetTyping records whether userID is typing.
func (m *Memory) SetTyping(ctx context.Context, userID string, typing bool) error {
	return m.updatePresence(ctx, userID, func(d *PresenceDocument) { d.Typing = typing })
}

// updatePresence applies fn to the stored document and publishes the result
// in one critical section, so concurrent partial updates never overwrite
// each other.
func (m *Memory) updatePresence(_ context.Context, userID string, fn func(*PresenceDocument)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.presence[userID]
	doc.UserID = userID
	fn(&doc)
	m.publishPresenceLocked(doc)
	return nil
}

// Disconnect ends every live change subscription of conversationID as a
// transport failure would.
func (m *Memory) Disconnect(conversationID string) {
	m.mu.Lock()
	outs := m.watchers[conversationID]
	delete(m.watchers, conversationID)
	m.mu.Unlock()
	for _, o := range outs {
		o.close()
	}
}

func (m *Memory) newestLocked(conversationID string, beforeMillis int64, limit int) []RawMessage {
	var out []RawMessage
	for _, msg := range m.messages[conversationID] {
		if beforeMillis > 0 && msg.TimeStamp.UnixMilli() > beforeMillis {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].TimeStamp.UnixMilli(), out[j].TimeStamp.UnixMilli()
		if a != b {
			return a > b
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// outlet forwards pushed values to a subscription in order without ever
// blocking the pusher.
type outlet[T any] struct {
	sub *Subscription[T]

	mu     sync.Mutex
	queue  []T
	closed bool
	wake   chan struct{}
}

func newOutlet[T any](ctx context.Context, sub *Subscription[T]) *outlet[T] {
	o := &outlet[T]{sub: sub, wake: make(chan struct{}, 1)}
	go o.run(ctx)
	return o
}

func (o *outlet[T]) push(v T) {
	o.mu.Lock()
	if !o.closed {
		o.queue = append(o.queue, v)
	}
	o.mu.Unlock()
	o.signal()
}

func (o *outlet[T]) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outlet[T]) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outlet[T]) run(ctx context.Context) {
	defer close(o.sub.ch)
	for {
		o.mu.Lock()
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, v := range batch {
			if !o.sub.send(ctx, v) {
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-o.wake:
		case <-o.sub.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
