package grpcmesh

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the mesh service
const ServiceName = "shieldmesh.v1.Mesh"

const (
	subscribeMethod = "/" + ServiceName + "/Subscribe"
	publishMethod   = "/" + ServiceName + "/Publish"
)

// meshServer is the server API of the mesh service.
//
// Subscribe opens a session: the request carries peer_id and metadata, and the
// response stream carries one {event, data} struct per frame sent to the peer.
// Publish delivers one {peer_id, connection_id, event, data} frame from the peer.
type meshServer interface {
	Subscribe(req *structpb.Struct, stream grpc.ServerStream) error
	Publish(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    publishHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Subscribe",
			Handler:       subscribeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "shieldmesh/mesh.proto",
}

func publishHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Publish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: publishMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(meshServer).Publish(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(meshServer).Subscribe(in, stream)
}
