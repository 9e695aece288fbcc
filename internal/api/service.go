package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service implements ConversationServer on top of a sync.Manager.
type Service struct {
	manager    *intsync.Manager
	bus        *bus.Bus
	profile    string
	selfUserID string
	startedAt  time.Time
	logger     *zap.Logger
}

// NewService creates a new conversation service.
func NewService(profile, selfUserID string, manager *intsync.Manager, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		manager:    manager,
		bus:        b,
		profile:    profile,
		selfUserID: selfUserID,
		startedAt:  time.Now(),
		logger:     logger.Named("api"),
	}
}

func (s *Service) Open(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv := stringField(req, "conversation_id")
	if conv == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	handle, err := s.manager.OpenConversation(ctx, conv, stringField(req, "peer_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	if boolField(req, "wait_live") {
		if err := s.manager.WaitLive(ctx, handle); err != nil {
			return nil, toStatus(err)
		}
	}
	return structpb.NewStruct(map[string]any{"handle": handle})
}

func (s *Service) Close(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.manager.CloseConversation(stringField(req, "handle")); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) LoadOlder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	handle := stringField(req, "handle")
	if err := s.manager.LoadOlder(ctx, handle); err != nil {
		return nil, toStatus(err)
	}
	conv, err := s.manager.Describe(handle)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(cursorValue(conv.Cursor))
}

func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	body, image := stringField(req, "body"), stringField(req, "image_ref")
	if body == "" && image == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "body or image_ref is required")
	}
	msg, err := s.manager.SendMessage(ctx, stringField(req, "handle"), body, image)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"message": messageValue(msg)})
}

func (s *Service) SetTyping(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.manager.SetTyping(ctx, stringField(req, "handle"), boolField(req, "typing")); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) List(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.manager.Conversations()
	list := make([]any, len(convs))
	for i, c := range convs {
		list[i] = conversationValue(c)
	}
	return structpb.NewStruct(map[string]any{"conversations": list})
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	convs := s.manager.Conversations()
	degraded := 0
	for _, c := range convs {
		if c.Degraded {
			degraded++
		}
	}
	return structpb.NewStruct(map[string]any{
		"profile":        s.profile,
		"self_user_id":   s.selfUserID,
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"conversations":  len(convs),
		"degraded":       degraded,
		"dropped_events": int64(s.bus.Dropped()),
	})
}

// Watch streams the message list, the peer status, lifecycle changes and
// send results of one conversation. It ends when the conversation closes.
func (s *Service) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	handle := stringField(req, "handle")
	conv, err := s.manager.Describe(handle)
	if err != nil {
		return toStatus(err)
	}
	ctx := stream.Context()
	out := make(chan *structpb.Struct, 64)

	emit := func(kind string, occurred time.Time, payload map[string]any) {
		env, err := s.envelope(kind, occurred, payload)
		if err != nil {
			s.logger.Warn("drop unencodable event", zap.String("kind", kind), zap.Error(err))
			return
		}
		select {
		case out <- env:
		case <-ctx.Done():
		}
	}

	unsubMsgs, err := s.manager.SubscribeMessages(handle, func(msgs []store.Message) {
		emit(bus.KindMessages, time.Now(), map[string]any{"messages": messagesValue(msgs)})
	})
	if err != nil {
		return toStatus(err)
	}
	defer unsubMsgs()
	unsubPres, err := s.manager.SubscribePresence(handle, func(st presence.Status) {
		emit(bus.KindPresence, time.Now(), statusValue(st))
	})
	if err != nil {
		return toStatus(err)
	}
	defer unsubPres()

	events, unsubBus := s.bus.Subscribe("", 256)
	defer unsubBus()

	for {
		select {
		case env := <-out:
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case evt := <-events:
			payload, closed, ok := busPayload(evt, conv)
			if !ok {
				continue
			}
			env, err := s.envelope(evt.Kind, evt.Timestamp, payload)
			if err != nil {
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
			if closed {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// busPayload selects the bus events that belong to conv. closed reports that
// the conversation has reached its terminal state.
func busPayload(evt bus.Event, conv intsync.Conversation) (payload map[string]any, closed, ok bool) {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		if p.Handle != conv.Handle {
			return nil, false, false
		}
		return map[string]any{"from": string(p.From), "to": string(p.To)}, p.To == status.Closed, true
	case intsync.DegradedEvent:
		if p.Handle != conv.Handle {
			return nil, false, false
		}
		return map[string]any{"reason": p.Reason}, false, true
	case outbox.SendAck:
		if p.ConversationID != conv.ConversationID {
			return nil, false, false
		}
		return map[string]any{"client_msg_id": p.ClientMsgID}, false, true
	case outbox.SendFailure:
		if p.ConversationID != conv.ConversationID {
			return nil, false, false
		}
		return map[string]any{"client_msg_id": p.ClientMsgID, "error": p.Error}, false, true
	}
	return nil, false, false
}

func (s *Service) envelope(kind string, occurred time.Time, payload map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event_id":            uuid.NewString(),
		"profile":             s.profile,
		"kind":                kind,
		"occurred_at_unix_ms": occurred.UnixMilli(),
		"payload":             payload,
	})
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, intsync.ErrUnknownHandle):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, intsync.ErrInvalidConversation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, intsync.ErrNotReady):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, intsync.ErrClosed):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
