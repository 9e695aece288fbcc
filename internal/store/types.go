package store

// Flags is the immutable per-message attribute bitset.
type Flags uint8

const (
	FlagAd Flags = 1 << iota
	FlagPremiumSender
	FlagModerated
)

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Message represents a cached conversation message.
// Every field except Seen is write-once for a given ID.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Body           string
	ImageRef       string
	CreatedAt      int64 // server timestamp, unix ms
	Seen           bool
	Flags          Flags
	// Pending marks an optimistic local copy of an outgoing message
	// that the remote has not echoed back yet.
	Pending bool
}

// Before reports whether m sorts after o in the newest-first page order,
// i.e. m is older. Ties on CreatedAt are broken by ID.
func (m Message) Before(o Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	SenderID       string
	Body           string
	ImageRef       string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	CreatedAt      int64
}
