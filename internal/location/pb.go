package location

import (
	"context"

	"google.golang.org/grpc"
)

// LocationUpdate is one streamed write. Remove deletes the key and ignores
// the coordinates.
type LocationUpdate struct {
	Key    string  `json:"key"`
	Lat    float64 `json:"lat"`
	Lng    float64 `json:"lng"`
	Remove bool    `json:"remove,omitempty"`
}

// Ack summarizes a finished stream.
type Ack struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

const (
	serviceName          = "location.Location"
	streamLocationMethod = "/" + serviceName + "/StreamLocation"
)

// LocationServer defines the gRPC contract.
type LocationServer interface {
	StreamLocation(Location_StreamLocationServer) error
}

var locationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LocationServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "StreamLocation",
		Handler:       _Location_StreamLocation_Handler,
		ClientStreams: true,
	}},
}

// RegisterLocationServer registers service implementation.
func RegisterLocationServer(s grpc.ServiceRegistrar, srv LocationServer) {
	s.RegisterService(&locationServiceDesc, srv)
}

// Location_StreamLocationServer is the server side of the client stream.
type Location_StreamLocationServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*LocationUpdate, error)
}

func _Location_StreamLocation_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(LocationServer).StreamLocation(&locationStreamServer{ServerStream: stream})
}

type locationStreamServer struct {
	grpc.ServerStream
}

func (s *locationStreamServer) SendAndClose(ack *Ack) error {
	return s.ServerStream.SendMsg(ack)
}

func (s *locationStreamServer) Recv() (*LocationUpdate, error) {
	msg := new(LocationUpdate)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// LocationClient is the client API of the location service.
type LocationClient interface {
	StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error)
}

// Location_StreamLocationClient is the client side of the stream.
type Location_StreamLocationClient interface {
	grpc.ClientStream
	Send(*LocationUpdate) error
	CloseAndRecv() (*Ack, error)
}

type locationClient struct {
	cc grpc.ClientConnInterface
}

// NewLocationClient returns a client that encodes messages with the JSON codec.
func NewLocationClient(cc grpc.ClientConnInterface) LocationClient {
	return &locationClient{cc: cc}
}

func (c *locationClient) StreamLocation(ctx context.Context, opts ...grpc.CallOption) (Location_StreamLocationClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &locationServiceDesc.Streams[0], streamLocationMethod, opts...)
	if err != nil {
		return nil, err
	}
	return &locationStreamClient{ClientStream: stream}, nil
}

type locationStreamClient struct {
	grpc.ClientStream
}

func (c *locationStreamClient) Send(m *LocationUpdate) error {
	return c.ClientStream.SendMsg(m)
}

func (c *locationStreamClient) CloseAndRecv() (*Ack, error) {
	if err := c.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(Ack)
	if err := c.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}
