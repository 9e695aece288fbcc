package api

import (
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"google.golang.org/protobuf/types/known/structpb"
)

// Wire field names are snake_case; numbers travel as JSON numbers, which is
// exact for unix milliseconds.

// Message is a message as seen by API clients.
type Message struct {
	ID        string
	SenderID  string
	Body      string
	ImageRef  string
	CreatedAt int64
	Seen      bool
	Pending   bool
	Ad        bool
	Premium   bool
	Moderated bool
}

// Cursor mirrors sync.Cursor.
type Cursor struct {
	OldestLoadedID string
	HasMoreOlder   bool
}

// Conversation mirrors sync.Conversation.
type Conversation struct {
	Handle         string
	ConversationID string
	PeerID         string
	State          string
	Degraded       bool
	Cursor         Cursor
}

// DaemonStatus is the response of GetStatus.
type DaemonStatus struct {
	Profile       string
	SelfUserID    string
	UptimeMs      int64
	Conversations int
	Degraded      int
	DroppedEvents int64
}

// Envelope is one event of a Watch stream.
type Envelope struct {
	EventID          string
	Profile          string
	Kind             string
	OccurredAtUnixMs int64
	Payload          map[string]any
}

func messageValue(m store.Message) map[string]any {
	return map[string]any{
		"id":         m.ID,
		"sender_id":  m.SenderID,
		"body":       m.Body,
		"image_ref":  m.ImageRef,
		"created_at": m.CreatedAt,
		"seen":       m.Seen,
		"pending":    m.Pending,
		"ad":         m.Flags.Has(store.FlagAd),
		"premium":    m.Flags.Has(store.FlagPremiumSender),
		"moderated":  m.Flags.Has(store.FlagModerated),
	}
}

func messagesValue(msgs []store.Message) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageValue(m)
	}
	return out
}

func messageFromValue(v *structpb.Value) Message {
	s := v.GetStructValue()
	return Message{
		ID:        stringField(s, "id"),
		SenderID:  stringField(s, "sender_id"),
		Body:      stringField(s, "body"),
		ImageRef:  stringField(s, "image_ref"),
		CreatedAt: int64Field(s, "created_at"),
		Seen:      boolField(s, "seen"),
		Pending:   boolField(s, "pending"),
		Ad:        boolField(s, "ad"),
		Premium:   boolField(s, "premium"),
		Moderated: boolField(s, "moderated"),
	}
}

// MessagesOf decodes the messages payload of a conversation.messages envelope.
func MessagesOf(e Envelope) []Message {
	list, _ := e.Payload["messages"].([]any)
	out := make([]Message, 0, len(list))
	for _, item := range list {
		v, err := structpb.NewValue(item)
		if err != nil {
			continue
		}
		out = append(out, messageFromValue(v))
	}
	return out
}

func cursorValue(c intsync.Cursor) map[string]any {
	return map[string]any{
		"oldest_loaded_id": c.OldestLoadedID,
		"has_more_older":   c.HasMoreOlder,
	}
}

func cursorFromStruct(s *structpb.Struct) Cursor {
	return Cursor{
		OldestLoadedID: stringField(s, "oldest_loaded_id"),
		HasMoreOlder:   boolField(s, "has_more_older"),
	}
}

func conversationValue(c intsync.Conversation) map[string]any {
	return map[string]any{
		"handle":          c.Handle,
		"conversation_id": c.ConversationID,
		"peer_id":         c.PeerID,
		"state":           string(c.State),
		"degraded":        c.Degraded,
		"cursor":          cursorValue(c.Cursor),
	}
}

func conversationFromStruct(s *structpb.Struct) Conversation {
	return Conversation{
		Handle:         stringField(s, "handle"),
		ConversationID: stringField(s, "conversation_id"),
		PeerID:         stringField(s, "peer_id"),
		State:          stringField(s, "state"),
		Degraded:       boolField(s, "degraded"),
		Cursor:         cursorFromStruct(s.GetFields()["cursor"].GetStructValue()),
	}
}

func statusValue(st presence.Status) map[string]any {
	a := presence.AppearanceOf(st.Kind)
	return map[string]any{
		"kind":         string(st.Kind),
		"last_seen_at": st.LastSeenAt,
		"label":        st.String(),
		"color":        a.Color,
		"icon":         a.Icon,
	}
}

func envelopeFromStruct(s *structpb.Struct) Envelope {
	return Envelope{
		EventID:          stringField(s, "event_id"),
		Profile:          stringField(s, "profile"),
		Kind:             stringField(s, "kind"),
		OccurredAtUnixMs: int64Field(s, "occurred_at_unix_ms"),
		Payload:          s.GetFields()["payload"].GetStructValue().AsMap(),
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func int64Field(s *structpb.Struct, key string) int64 {
	return int64(s.GetFields()[key].GetNumberValue())
}

// PresenceOf decodes the payload of a presence.status envelope.
func PresenceOf(e Envelope) presence.Status {
	kind, _ := e.Payload["kind"].(string)
	lastSeen, _ := e.Payload["last_seen_at"].(float64)
	return presence.Status{Kind: presence.Kind(kind), LastSeenAt: int64(lastSeen)}
}
