package grpcmesh

import (
	"context"
	"fmt"

	"github.com/xiaonanln/shieldmesh/transport"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a peer-side client of the mesh service
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a client on an established connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Subscription is an open session
type Subscription struct {
	stream grpc.ClientStream
}

// Subscribe opens a session of peerID
func (c *Client) Subscribe(ctx context.Context, peerID string, metadata map[string]string) (*Subscription, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod)
	if err != nil {
		return nil, err
	}

	md := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"peer_id":  peerID,
		"metadata": md,
	})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, fmt.Errorf("failed to send subscribe request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &Subscription{stream: stream}, nil
}

// Recv blocks for the next frame
func (s *Subscription) Recv() (transport.Frame, error) {
	msg := new(structpb.Struct)
	if err := s.stream.RecvMsg(msg); err != nil {
		return transport.Frame{}, err
	}
	return structToFrame(msg)
}

// Publish sends frame on behalf of the peer's connection connID
func (c *Client) Publish(ctx context.Context, peerID, connID string, frame transport.Frame) error {
	req, err := frameToStruct(frame)
	if err != nil {
		return err
	}
	req.Fields["peer_id"] = structpb.NewStringValue(peerID)
	req.Fields["connection_id"] = structpb.NewStringValue(connID)
	return c.cc.Invoke(ctx, publishMethod, req, new(structpb.Struct))
}
