package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/feed"
	"github.com/matheus3301/chatsync/internal/store"
	"go.uber.org/zap"
)

// Appender writes a message to the remote feed. Appending the same id twice
// must not create a second message.
type Appender interface {
	Append(ctx context.Context, msg feed.RawMessage) error
}

// Store is the durable side of the outbox.
type Store interface {
	QueueOutbox(ctx context.Context, e *store.OutboxEntry) error
	PendingOutbox(ctx context.Context) ([]store.OutboxEntry, error)
	MarkOutboxSending(ctx context.Context, clientMsgID string) error
	MarkOutboxSent(ctx context.Context, clientMsgID string) error
	MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error
	Insert(ctx context.Context, m *store.Message) error
}

// SendAck is the payload of bus.KindSendAck.
type SendAck struct {
	ClientMsgID    string
	ConversationID string
}

// SendFailure is the payload of bus.KindSendFailed.
type SendFailure struct {
	ClientMsgID    string
	ConversationID string
	Error          string
}

// Sender drains the outbox and appends messages to the remote feed.
type Sender struct {
	db       Store
	remote   Appender
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSender creates a new outbox sender.
func NewSender(db Store, remote Appender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		db:       db,
		remote:   remote,
		bus:      b,
		logger:   logger.Named("outbox"),
		interval: 500 * time.Millisecond,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue records an outgoing message and its optimistic local copy. The
// returned message is the pending row the UI should show until the remote
// echo replaces it.
func (s *Sender) Enqueue(ctx context.Context, conversationID, senderID, body, imageRef string) (store.Message, error) {
	id := uuid.NewString()
	if err := s.db.QueueOutbox(ctx, &store.OutboxEntry{
		ClientMsgID:    id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ImageRef:       imageRef,
	}); err != nil {
		return store.Message{}, err
	}

	// Optimistic insert: show the message in the UI immediately.
	msg := store.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Body:           body,
		ImageRef:       imageRef,
		CreatedAt:      time.Now().UnixMilli(),
		Pending:        true,
	}
	if err := s.db.Insert(ctx, &msg); err != nil {
		s.logger.Warn("optimistic insert failed", zap.Error(err), zap.String("client_msg_id", id))
	}
	s.bus.Emit(bus.KindUpserted, map[string]string{"conversation_id": conversationID, "message_id": id})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return msg, nil
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.wake:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		log := s.logger.With(zap.String("client_msg_id", entry.ClientMsgID), zap.String("conversation_id", entry.ConversationID))
		if err := s.db.MarkOutboxSending(ctx, entry.ClientMsgID); err != nil {
			log.Error("failed to mark sending", zap.Error(err))
			continue
		}

		err := s.remote.Append(ctx, feed.RawMessage{
			ID:             entry.ClientMsgID,
			ConversationID: entry.ConversationID,
			UserID:         entry.SenderID,
			Text:           entry.Body,
			Image:          entry.ImageRef,
		})
		if err != nil {
			log.Error("failed to send message", zap.Error(err))
			if merr := s.db.MarkOutboxFailed(ctx, entry.ClientMsgID, err.Error()); merr != nil {
				log.Error("failed to mark failed", zap.Error(merr))
			}
			s.bus.Emit(bus.KindSendFailed, SendFailure{
				ClientMsgID:    entry.ClientMsgID,
				ConversationID: entry.ConversationID,
				Error:          err.Error(),
			})
			continue
		}

		if err := s.db.MarkOutboxSent(ctx, entry.ClientMsgID); err != nil {
			log.Error("failed to mark sent", zap.Error(err))
		}
		log.Info("message sent")
		s.bus.Emit(bus.KindSendAck, SendAck{ClientMsgID: entry.ClientMsgID, ConversationID: entry.ConversationID})
	}
}
