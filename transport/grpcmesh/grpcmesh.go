// Package grpcmesh serves mesh peers over a gRPC server stream. The service is
// described by hand with structpb messages, so peers need no generated stubs.
package grpcmesh

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xiaonanln/shieldmesh/transport"
	"github.com/xiaonanln/shieldmesh/util/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// TransportName labels gRPC stream connections
const TransportName = "grpc"

// Options configures a Server
type Options struct {
	// SendBuffer is the per-connection outbound queue size
	SendBuffer int
}

// Server implements the mesh service
type Server struct {
	router *transport.Router
	hooks  transport.Hooks
	opts   Options
	health *health.Server
	logger *logger.Logger
}

// New creates a Server
func New(router *transport.Router, hooks transport.Hooks, opts Options) *Server {
	return &Server{
		router: router,
		hooks:  hooks,
		opts:   opts,
		health: health.NewServer(),
		logger: logger.NewLogger("GrpcMesh"),
	}
}

// Register registers the mesh service, the health service and reflection on g
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(g, s.health)
	reflection.Register(g)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Shutdown reports NOT_SERVING to health checks
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Subscribe streams frames to one peer session until the peer goes away or the
// session is closed
func (s *Server) Subscribe(req *structpb.Struct, stream grpc.ServerStream) error {
	peerID := req.GetFields()["peer_id"].GetStringValue()
	if peerID == "" {
		return status.Error(codes.InvalidArgument, "peer_id is required")
	}
	metadata := make(map[string]string)
	for k, v := range req.GetFields()["metadata"].GetStructValue().GetFields() {
		if sv, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			metadata[k] = sv.StringValue
		}
	}

	id := uuid.NewString()
	c := &conn{id: id, peerID: peerID, outbox: transport.NewOutbox(id, s.opts.SendBuffer)}

	s.router.Register(c)
	if err := s.hooks.OnConnect(c, metadata); err != nil {
		s.router.Unregister(id)
		s.logger.Infof("Refused gRPC session of peer %s: %v", peerID, err)
		return status.Error(codes.ResourceExhausted, err.Error())
	}
	defer func() {
		s.router.Unregister(id)
		c.outbox.Close()
		s.hooks.OnDisconnect(c)
		s.logger.Infof("Peer %s disconnected from gRPC stream (connection %s)", peerID, id)
	}()

	welcome, _ := transport.NewFrame(transport.EventWelcome, transport.Welcome{ConnectionID: id, PeerID: peerID})
	c.Send(welcome)
	s.logger.Infof("Peer %s connected over gRPC stream (connection %s)", peerID, id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-c.outbox.Frames():
			if !ok {
				return nil
			}
			msg, err := frameToStruct(frame)
			if err != nil {
				s.logger.Warnf("Dropping %s frame for %s: %v", frame.Event, peerID, err)
				continue
			}
			if err := stream.SendMsg(msg); err != nil {
				return fmt.Errorf("failed to send frame to peer %s: %w", peerID, err)
			}
		}
	}
}

// Publish hands one frame from a subscribed peer to the hooks
func (s *Server) Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	connID := fields["connection_id"].GetStringValue()
	c, ok := s.router.Conn(connID)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "unknown connection %q", connID)
	}
	if c.PeerID() != fields["peer_id"].GetStringValue() {
		return nil, status.Errorf(codes.PermissionDenied, "connection %s does not belong to peer %q", connID, fields["peer_id"].GetStringValue())
	}
	frame, err := structToFrame(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.hooks.OnFrame(c, frame)
	return &structpb.Struct{}, nil
}

type conn struct {
	id     string
	peerID string
	outbox *transport.Outbox
}

func (c *conn) ID() string        { return c.id }
func (c *conn) PeerID() string    { return c.peerID }
func (c *conn) Transport() string { return TransportName }

func (c *conn) Send(frame transport.Frame) error {
	return c.outbox.Push(frame)
}

func (c *conn) Close() error {
	c.outbox.Close()
	return nil
}

func frameToStruct(frame transport.Frame) (*structpb.Struct, error) {
	msg := &structpb.Struct{Fields: map[string]*structpb.Value{
		"event": structpb.NewStringValue(frame.Event),
	}}
	if len(frame.Data) > 0 {
		data := &structpb.Value{}
		if err := protojson.Unmarshal(frame.Data, data); err != nil {
			return nil, fmt.Errorf("invalid frame data: %w", err)
		}
		msg.Fields["data"] = data
	}
	return msg, nil
}

func structToFrame(msg *structpb.Struct) (transport.Frame, error) {
	frame := transport.Frame{Event: msg.GetFields()["event"].GetStringValue()}
	if frame.Event == "" {
		return transport.Frame{}, fmt.Errorf("frame has no event")
	}
	if data, ok := msg.GetFields()["data"]; ok {
		raw, err := protojson.Marshal(data)
		if err != nil {
			return transport.Frame{}, err
		}
		frame.Data = raw
	}
	return frame, nil
}
