// Package presence reduces a peer's presence signals to one display status.
package presence

// NoConversation is the HereConversationID of a peer not viewing any conversation.
const NoConversation = "none"

// Activity is a special activity that outranks ordinary presence.
type Activity uint8

const (
	ActivityNone Activity = iota
	ActivityCall
	ActivityVideo
	ActivityLive
	ActivityGame
)

var activityNames = [...]string{"none", "call", "video", "live", "game"}

func (a Activity) String() string {
	if int(a) < len(activityNames) {
		return activityNames[a]
	}
	return "unknown"
}

// Snapshot is the whole presence state of one peer at a point in time.
// It is replaced on every update, never patched.
type Snapshot struct {
	Online             bool
	Typing             bool
	HereConversationID string
	Activity           Activity
	LastSeenAt         int64 // unix ms
	PeerPrivileged     bool
}

// Offline is the snapshot assumed before the first presence document arrives.
func Offline() Snapshot {
	return Snapshot{HereConversationID: NoConversation}
}

// IsHere reports whether the peer has conversationID open.
func (s Snapshot) IsHere(conversationID string) bool {
	return s.HereConversationID != "" && s.HereConversationID != NoConversation &&
		s.HereConversationID == conversationID
}
