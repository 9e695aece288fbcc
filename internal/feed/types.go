// Package feed adapts the remote real-time message and presence documents into
// ordered change events.
package feed

import (
	"time"

	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
)

// RawMessage is a message document as stored remotely. Field names are shared
// with the other clients and must not change.
type RawMessage struct {
	ID             string    `bson:"_id" json:"id"`
	ConversationID string    `bson:"conversation_id" json:"conversation_id"`
	Text           string    `bson:"message_text_content" json:"message_text_content"`
	UserID         string    `bson:"message_userId" json:"message_userId"`
	TimeStamp      time.Time `bson:"message_time_stamp" json:"message_time_stamp"`
	Seen           bool      `bson:"message_seen" json:"message_seen"`
	Image          string    `bson:"message_image,omitempty" json:"message_image,omitempty"`
	AdAvailable    bool      `bson:"message_ad_available" json:"message_ad_available"`
	Premium        bool      `bson:"message_premium" json:"message_premium"`
	Flagged        bool      `bson:"message_flagged" json:"message_flagged"`
}

// ToMessage converts the document into a store row.
func (r RawMessage) ToMessage() store.Message {
	var flags store.Flags
	if r.AdAvailable {
		flags |= store.FlagAd
	}
	if r.Premium {
		flags |= store.FlagPremiumSender
	}
	if r.Flagged {
		flags |= store.FlagModerated
	}
	var created int64
	if !r.TimeStamp.IsZero() {
		created = r.TimeStamp.UnixMilli()
	}
	return store.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.UserID,
		Body:           r.Text,
		ImageRef:       r.Image,
		CreatedAt:      created,
		Seen:           r.Seen,
		Flags:          flags,
	}
}

// EventKind tags a ChangeEvent.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventModified
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventModified:
		return "modified"
	default:
		return "unknown"
	}
}

// ChangeEvent is one remote change. Added carries the whole document;
// Modified carries only the message id and its remote seen flag.
type ChangeEvent struct {
	Kind    EventKind
	Message RawMessage
	ID      string
	Seen    bool
}

// Added builds an Added event.
func Added(m RawMessage) ChangeEvent {
	return ChangeEvent{Kind: EventAdded, Message: m, ID: m.ID, Seen: m.Seen}
}

// Modified builds a Modified event.
func Modified(id string, seen bool) ChangeEvent {
	return ChangeEvent{Kind: EventModified, ID: id, Seen: seen}
}

// PresenceDocument is the per-user presence document.
type PresenceDocument struct {
	UserID             string `json:"user_id"`
	Online             bool   `json:"is_user_online"`
	Typing             bool   `json:"other_user_typing"`
	HereConversationID string `json:"current_chat_uid_for_here"`
	HereTimestamp      int64  `json:"here_timestamp"`
	LastTimeSeen       int64  `json:"last_time_seen"`
	PlayingGames       bool   `json:"playing_games"`
	OnCall             bool   `json:"on_call"`
	OnVideo            bool   `json:"on_video"`
	OnLive             bool   `json:"on_live"`
	Privileged         bool   `json:"is_privileged"`
}

// Snapshot converts the document into a presence snapshot. When several
// activity flags are set, call wins over video, live and game in that order.
func (d PresenceDocument) Snapshot() presence.Snapshot {
	act := presence.ActivityNone
	switch {
	case d.OnCall:
		act = presence.ActivityCall
	case d.OnVideo:
		act = presence.ActivityVideo
	case d.OnLive:
		act = presence.ActivityLive
	case d.PlayingGames:
		act = presence.ActivityGame
	}
	here := d.HereConversationID
	if here == "" {
		here = presence.NoConversation
	}
	return presence.Snapshot{
		Online:             d.Online,
		Typing:             d.Typing,
		HereConversationID: here,
		Activity:           act,
		LastSeenAt:         d.LastTimeSeen,
		PeerPrivileged:     d.Privileged,
	}
}
