// Package api exposes the engine over gRPC. Messages are well-known types
// (structpb.Struct, emptypb.Empty), so the service is declared by hand
// instead of generated.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Control"

// Method names.
const (
	MethodStatus      = "Status"
	MethodConnect     = "Connect"
	MethodDisconnect  = "Disconnect"
	MethodListChats   = "ListChats"
	MethodOpenChat    = "OpenChat"
	MethodTranscript  = "Transcript"
	MethodLoadOlder   = "LoadOlder"
	MethodSearch      = "Search"
	MethodSend        = "Send"
	MethodRetry       = "Retry"
	MethodCancelSend  = "CancelSend"
	MethodEdit        = "Edit"
	MethodDelete      = "Delete"
	MethodReact       = "React"
	MethodMarkVisible = "MarkVisible"
	MethodSetTyping   = "SetTyping"
	MethodStartCall   = "StartCall"
	MethodAcceptCall  = "AcceptCall"
	MethodDeclineCall = "DeclineCall"
	MethodEndCall     = "EndCall"
	MethodWatch       = "Watch"
)

// FullMethod returns the wire path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ControlServer is the server API for the control service.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Transcript(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	LoadOlder(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelSend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkVisible(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AcceptCall(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	DeclineCall(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	EndCall(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*structpb.Struct, WatchServer) error
}

// WatchServer is the server side of the Watch stream.
type WatchServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type watchServer struct {
	grpc.ServerStream
}

func (w *watchServer) Send(m *structpb.Struct) error {
	return w.ServerStream.SendMsg(m)
}

// unary adapts a typed method to a grpc.MethodDesc.
func unary[Req any, PReq interface {
	*Req
	proto.Message
}](name string, call func(ControlServer, context.Context, PReq) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := PReq(new(Req))
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(PReq))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ControlServer).Watch(in, &watchServer{stream})
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, ControlServer.Status),
		unary(MethodConnect, ControlServer.Connect),
		unary(MethodDisconnect, ControlServer.Disconnect),
		unary(MethodListChats, ControlServer.ListChats),
		unary(MethodOpenChat, ControlServer.OpenChat),
		unary(MethodTranscript, ControlServer.Transcript),
		unary(MethodLoadOlder, ControlServer.LoadOlder),
		unary(MethodSearch, ControlServer.Search),
		unary(MethodSend, ControlServer.Send),
		unary(MethodRetry, ControlServer.Retry),
		unary(MethodCancelSend, ControlServer.CancelSend),
		unary(MethodEdit, ControlServer.Edit),
		unary(MethodDelete, ControlServer.Delete),
		unary(MethodReact, ControlServer.React),
		unary(MethodMarkVisible, ControlServer.MarkVisible),
		unary(MethodSetTyping, ControlServer.SetTyping),
		unary(MethodStartCall, ControlServer.StartCall),
		unary(MethodAcceptCall, ControlServer.AcceptCall),
		unary(MethodDeclineCall, ControlServer.DeclineCall),
		unary(MethodEndCall, ControlServer.EndCall),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}
