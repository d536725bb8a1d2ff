package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a daemon.
type Client struct {
	conn grpc.ClientConnInterface
	cc   *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection if the client owns it.
func (c *Client) Close() error {
	if c.cc == nil {
		return nil
	}
	return c.cc.Close()
}

// Call invokes a unary method. A nil args sends an empty message, which is
// what the argument-less methods expect.
func (c *Client) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	var in proto.Message = &emptypb.Empty{}
	if args != nil {
		s, err := structpb.NewStruct(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s request: %w", method, err)
		}
		in = s
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams events until ctx is done or the stream fails. fn is
// called for every event; returning an error stops the stream.
func (c *Client) Watch(ctx context.Context, namespaces []string, fn func(map[string]any) error) error {
	list := make([]any, 0, len(namespaces))
	for _, ns := range namespaces {
		list = append(list, ns)
	}
	in, err := structpb.NewStruct(map[string]any{"namespaces": list})
	if err != nil {
		return err
	}

	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatch))
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
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
