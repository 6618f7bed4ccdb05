package location

import "google.golang.org/grpc"

// ProviderUpdate is a streamed availability report from a provider app.
type ProviderUpdate struct {
	ProviderId   string
	ServiceType  string
	Name         string
	Rating       float64
	Lat          float64
	Lng          float64
	Active       bool
	Verified     bool
	Available    bool
	VehicleType  string
	VehicleMake  string
	VehicleModel string
	Gone         bool
	Ts           int64
}

// Ack is returned by the stream.
type Ack struct{}

// AvailabilityServer defines the gRPC contract.
type AvailabilityServer interface {
	StreamAvailability(Availability_StreamAvailabilityServer) error
}

// RegisterAvailabilityServer registers the service implementation.
func RegisterAvailabilityServer(s *grpc.Server, srv AvailabilityServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "providers.Availability",
		HandlerType: (*AvailabilityServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "StreamAvailability",
			Handler:       _Availability_StreamAvailability_Handler,
			ServerStreams: true,
			ClientStreams: true,
		}},
	}, srv)
}

// Availability_StreamAvailabilityServer defines the bidi stream interface.
type Availability_StreamAvailabilityServer interface {
	grpc.ServerStream
	SendAndClose(*Ack) error
	Recv() (*ProviderUpdate, error)
}

func _Availability_StreamAvailability_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AvailabilityServer).StreamAvailability(&availabilityStreamServer{ServerStream: stream})
}

type availabilityStreamServer struct {
	grpc.ServerStream
}

func (s *availabilityStreamServer) SendAndClose(*Ack) error { return nil }

func (s *availabilityStreamServer) Recv() (*ProviderUpdate, error) {
	msg := new(ProviderUpdate)
	if err := s.ServerStream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return msg, nil
}
