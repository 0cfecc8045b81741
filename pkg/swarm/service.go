package swarm

import (
	"context"

	"google.golang.org/grpc"
)

const (
	serviceName     = "hyperg.Swarm"
	replicateMethod = "/hyperg.Swarm/Replicate"
	announceMethod  = "/hyperg.Swarm/Announce"
	lookupMethod    = "/hyperg.Swarm/Lookup"

	// topicHeader carries the hex discovery key of a Replicate stream.
	topicHeader = "hyperg-topic"
)

// AnnounceRequest registers or withdraws the caller as a provider.
type AnnounceRequest struct {
	Topic []byte `cbor:"topic"`
	Port  int    `cbor:"port"`
	Leave bool   `cbor:"leave,omitempty"`
}

type AnnounceResponse struct{}

// LookupRequest asks a tracker for providers of a topic.
type LookupRequest struct {
	Topic []byte `cbor:"topic"`
}

// LookupResponse lists known providers. SelfPort is set when the tracker's
// own node provides the topic; its host is the one the caller dialled.
type LookupResponse struct {
	Peers    []PeerRecord `cbor:"peers"`
	SelfPort int          `cbor:"self,omitempty"`
}

// PeerRecord is a provider address.
type PeerRecord struct {
	Host string `cbor:"host"`
	Port int    `cbor:"port"`
}

// swarmService is implemented by GRPCTransport.
type swarmService interface {
	Replicate(stream grpc.ServerStream) error
	Announce(ctx context.Context, req *AnnounceRequest) (*AnnounceResponse, error)
	Lookup(ctx context.Context, req *LookupRequest) (*LookupResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*swarmService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Announce", Handler: announceHandler},
		{MethodName: "Lookup", Handler: lookupHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Replicate",
			Handler:       replicateHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "hyperg/swarm",
}

func replicateHandler(srv any, stream grpc.ServerStream) error {
	return srv.(swarmService).Replicate(stream)
}

func announceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AnnounceRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(swarmService).Announce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: announceMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(swarmService).Announce(ctx, req.(*AnnounceRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func lookupHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(swarmService).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: lookupMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(swarmService).Lookup(ctx, req.(*LookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}
