package presence

import "strconv"

// Kind is the discrete presence status shown for a peer.
type Kind string

const (
	KindCall              Kind = "call"
	KindVideo             Kind = "video"
	KindLive              Kind = "live"
	KindGame              Kind = "game"
	KindTyping            Kind = "typing"
	KindInChat            Kind = "in_chat"
	KindChattingElsewhere Kind = "chatting_elsewhere"
	KindOnline            Kind = "online"
	KindLastSeen          Kind = "last_seen"
)

// Status is the reduced presence of a peer. LastSeenAt is set only for KindLastSeen.
type Status struct {
	Kind       Kind
	LastSeenAt int64
}

func (s Status) String() string {
	if s.Kind == KindLastSeen {
		return "last_seen(" + strconv.FormatInt(s.LastSeenAt, 10) + ")"
	}
	return string(s.Kind)
}

var activityKinds = map[Activity]Kind{
	ActivityCall:  KindCall,
	ActivityVideo: KindVideo,
	ActivityLive:  KindLive,
	ActivityGame:  KindGame,
}

// Reduce maps a snapshot to the status shown in conversationID.
// Rules are evaluated in order and the first match wins:
//
//  1. online, peer not privileged, special activity -> that activity
//  2. peer has this conversation open -> typing or in_chat
//  3. typing elsewhere, peer not privileged -> chatting_elsewhere
//  4. online -> online
//  5. otherwise -> last_seen
func Reduce(s Snapshot, conversationID string) Status {
	if s.Online && !s.PeerPrivileged {
		if k, ok := activityKinds[s.Activity]; ok {
			return Status{Kind: k}
		}
	}
	if s.IsHere(conversationID) {
		if s.Typing {
			return Status{Kind: KindTyping}
		}
		return Status{Kind: KindInChat}
	}
	if s.Typing && !s.PeerPrivileged {
		return Status{Kind: KindChattingElsewhere}
	}
	if s.Online {
		return Status{Kind: KindOnline}
	}
	return Status{Kind: KindLastSeen, LastSeenAt: s.LastSeenAt}
}
