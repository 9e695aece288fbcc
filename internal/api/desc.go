// Package api exposes the conversation manager over gRPC on the daemon's Unix
// socket. Requests and responses are google.protobuf.Struct values so the
// service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "chatsync.v1.ConversationService"

// Full method names.
const (
	MethodOpen      = "/" + ServiceName + "/Open"
	MethodClose     = "/" + ServiceName + "/Close"
	MethodLoadOlder = "/" + ServiceName + "/LoadOlder"
	MethodSend      = "/" + ServiceName + "/SendMessage"
	MethodSetTyping = "/" + ServiceName + "/SetTyping"
	MethodList      = "/" + ServiceName + "/List"
	MethodStatus    = "/" + ServiceName + "/GetStatus"
	MethodWatch     = "/" + ServiceName + "/Watch"
)

// ConversationServer is the server side of ServiceDesc.
type ConversationServer interface {
	Open(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Close(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

func unary(name string, call func(ConversationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ConversationServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the conversation service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Open", ConversationServer.Open),
		unary("Close", ConversationServer.Close),
		unary("LoadOlder", ConversationServer.LoadOlder),
		unary("SendMessage", ConversationServer.SendMessage),
		unary("SetTyping", ConversationServer.SetTyping),
		unary("List", ConversationServer.List),
		unary("GetStatus", ConversationServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{{
		StreamName: "Watch",
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(structpb.Struct)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ConversationServer).Watch(in, stream)
		},
		ServerStreams: true,
	}},
	Metadata: "chatsync/v1/conversation.proto",
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&ServiceDesc, srv)
}
