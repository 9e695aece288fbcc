package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is a volatile message cache with the same contract as DB.
// A conversation falls back to it when the durable store is corrupt, so the
// session keeps working from the remote feed alone.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]map[string]Message
}

// NewMemory creates an empty volatile store.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]map[string]Message)}
}

// Ready always reports true.
func (s *Memory) Ready() bool { return true }

// Initialize is a no-op.
func (s *Memory) Initialize(context.Context) error { return nil }

// Insert applies the same upsert rules as DB.Insert.
func (s *Memory) Insert(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.convs[m.ConversationID]
	if !ok {
		rows = make(map[string]Message)
		s.convs[m.ConversationID] = rows
	}
	cur, exists := rows[m.ID]
	switch {
	case !exists:
		rows[m.ID] = *m
	case cur.Pending && !m.Pending:
		next := *m
		next.Seen = cur.Seen || m.Seen
		rows[m.ID] = next
	default:
		cur.Seen = cur.Seen || m.Seen
		rows[m.ID] = cur
	}
	return nil
}

// Query returns messages newest first, with the same keyset semantics as DB.Query.
func (s *Memory) Query(_ context.Context, conversationID string, limit int, beforeID string) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.convs[conversationID]

	var anchor *Message
	if beforeID != "" {
		a, ok := rows[beforeID]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownCursor, beforeID)
		}
		anchor = &a
	}

	all := make([]Message, 0, len(rows))
	for _, m := range rows {
		if anchor != nil && !m.Before(*anchor) {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[j].Before(all[i]) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Get returns a single message, or nil if it is not stored.
func (s *Memory) Get(_ context.Context, conversationID, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.convs[conversationID][id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// UnseenSent mirrors DB.UnseenSent.
func (s *Memory) UnseenSent(_ context.Context, conversationID, self string, cutoff *int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var match []Message
	for _, m := range s.convs[conversationID] {
		if m.SenderID != self || m.Seen || m.Pending {
			continue
		}
		if cutoff != nil && m.CreatedAt > *cutoff {
			continue
		}
		match = append(match, m)
	}
	sort.Slice(match, func(i, j int) bool { return match[i].Before(match[j]) })
	ids := make([]string, len(match))
	for i, m := range match {
		ids[i] = m.ID
	}
	return ids, nil
}

// MarkSeen flips seen to true for the given ids.
func (s *Memory) MarkSeen(_ context.Context, conversationID string, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.convs[conversationID]
	var changed int64
	for _, id := range ids {
		m, ok := rows[id]
		if !ok || m.Seen {
			continue
		}
		m.Seen = true
		rows[id] = m
		changed++
	}
	return changed, nil
}

// Count returns the number of cached messages in a conversation.
func (s *Memory) Count(_ context.Context, conversationID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.convs[conversationID])), nil
}
