package location

import (
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rydo/internal/booking/domain"
	"github.com/example/rydo/internal/booking/geo"
)

// Server ingests provider availability updates into the geo index.
type Server struct {
	index  geo.Index
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(index geo.Index, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{index: index, logger: logger}
}

// StreamAvailability applies each update to the index. Malformed updates are
// skipped so one misbehaving client cannot stall the stream.
func (s *Server) StreamAvailability(stream Availability_StreamAvailabilityServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		providerID, err := uuid.Parse(msg.ProviderId)
		if err != nil {
			continue
		}
		ctx := stream.Context()
		if msg.Gone {
			if err := s.index.Remove(ctx, providerID); err != nil {
				s.logger.Warn("provider remove failed", zap.String("provider_id", msg.ProviderId), zap.Error(err))
			}
			continue
		}
		provider := domain.ProviderAvailability{
			ID:          providerID,
			Name:        msg.Name,
			Rating:      msg.Rating,
			ServiceType: domain.ServiceType(msg.ServiceType),
			Location:    domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng},
			Active:      msg.Active,
			Verified:    msg.Verified,
			Available:   msg.Available,
		}
		if msg.VehicleType != "" {
			provider.Vehicle = &domain.Vehicle{Type: msg.VehicleType, Make: msg.VehicleMake, Model: msg.VehicleModel}
		}
		if err := s.index.Upsert(ctx, provider); err != nil {
			s.logger.Warn("provider upsert failed", zap.String("provider_id", msg.ProviderId), zap.Error(err))
		}
	}
}
