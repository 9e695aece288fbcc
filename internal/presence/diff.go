package presence

// Transition describes what changed between two snapshots, from the point of
// view of one conversation.
type Transition struct {
	EnteredHere      bool
	LeftHere         bool
	LastSeenAdvanced bool
}

// Diff compares prev and next for conversationID.
func Diff(prev, next Snapshot, conversationID string) Transition {
	wasHere := prev.IsHere(conversationID)
	isHere := next.IsHere(conversationID)
	return Transition{
		EnteredHere:      !wasHere && isHere,
		LeftHere:         wasHere && !isHere,
		LastSeenAdvanced: next.LastSeenAt > prev.LastSeenAt,
	}
}
