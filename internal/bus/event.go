package bus

import "time"

// Event kinds published by the engine and the outbox.
const (
	KindMessages     = "conversation.messages"
	KindDegraded     = "conversation.degraded"
	KindStateChanged = "conversation.state_changed"
	KindPresence     = "presence.status"
	KindUpserted     = "message.upserted"
	KindSendAck      = "message.send_ack"
	KindSendFailed   = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
