package api

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a daemon's conversation service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the daemon listening on socketPath.
func Dial(socketPath string) (*Client, *grpc.ClientConn, error) {
	conn, err := grpc.NewClient("unix://"+socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, err
	}
	return NewClient(conn), conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open opens a conversation and returns its handle. With waitLive the call
// returns once the first page is loaded.
func (c *Client) Open(ctx context.Context, conversationID, peerID string, waitLive bool) (string, error) {
	out, err := c.invoke(ctx, MethodOpen, map[string]any{
		"conversation_id": conversationID,
		"peer_id":         peerID,
		"wait_live":       waitLive,
	})
	if err != nil {
		return "", err
	}
	return stringField(out, "handle"), nil
}

// Close closes the conversation behind handle.
func (c *Client) Close(ctx context.Context, handle string) error {
	_, err := c.invoke(ctx, MethodClose, map[string]any{"handle": handle})
	return err
}

// LoadOlder loads one more page and returns the updated cursor.
func (c *Client) LoadOlder(ctx context.Context, handle string) (Cursor, error) {
	out, err := c.invoke(ctx, MethodLoadOlder, map[string]any{"handle": handle})
	if err != nil {
		return Cursor{}, err
	}
	return cursorFromStruct(out), nil
}

// SendMessage queues a message and returns its pending copy.
func (c *Client) SendMessage(ctx context.Context, handle, body, imageRef string) (Message, error) {
	out, err := c.invoke(ctx, MethodSend, map[string]any{
		"handle":    handle,
		"body":      body,
		"image_ref": imageRef,
	})
	if err != nil {
		return Message{}, err
	}
	return messageFromValue(out.GetFields()["message"]), nil
}

// SetTyping sets the local user's typing flag in the conversation.
func (c *Client) SetTyping(ctx context.Context, handle string, typing bool) error {
	_, err := c.invoke(ctx, MethodSetTyping, map[string]any{"handle": handle, "typing": typing})
	return err
}

// List returns the open conversations.
func (c *Client) List(ctx context.Context) ([]Conversation, error) {
	out, err := c.invoke(ctx, MethodList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var convs []Conversation
	for _, v := range out.GetFields()["conversations"].GetListValue().GetValues() {
		convs = append(convs, conversationFromStruct(v.GetStructValue()))
	}
	return convs, nil
}

// Status returns daemon-wide information.
func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	out, err := c.invoke(ctx, MethodStatus, map[string]any{})
	if err != nil {
		return DaemonStatus{}, err
	}
	return DaemonStatus{
		Profile:       stringField(out, "profile"),
		SelfUserID:    stringField(out, "self_user_id"),
		UptimeMs:      int64Field(out, "uptime_ms"),
		Conversations: int(int64Field(out, "conversations")),
		Degraded:      int(int64Field(out, "degraded")),
		DroppedEvents: int64Field(out, "dropped_events"),
	}, nil
}

// Watch streams the events of handle to fn until ctx ends or the
// conversation closes.
func (c *Client) Watch(ctx context.Context, handle string, fn func(Envelope)) error {
	in, err := structpb.NewStruct(map[string]any{"handle": handle})
	if err != nil {
		return err
	}
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], MethodWatch)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		fn(envelopeFromStruct(out))
	}
}
