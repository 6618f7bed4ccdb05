package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/rydo/internal/booking/domain"
)

const (
	// DefaultRadiusKm applies when the caller does not override the radius.
	DefaultRadiusKm = 3.0
	// DefaultLimit caps the candidate list when the caller does not override it.
	DefaultLimit = 10

	earthRadiusKm = 6371.0
)

// Index answers "which eligible providers are within radius of point",
// sorted ascending by distance. Pure query, safe for concurrent use.
type Index interface {
	Nearby(ctx context.Context, serviceType domain.ServiceType, point domain.GeoPoint, radiusKm float64, limit int) ([]domain.Candidate, error)
	Provider(ctx context.Context, providerID uuid.UUID) (domain.ProviderAvailability, bool, error)
	Upsert(ctx context.Context, provider domain.ProviderAvailability) error
	Remove(ctx context.Context, providerID uuid.UUID) error
}

// DistanceKm is the great-circle distance between two points in kilometers,
// haversine with asin, matching the SQL variant used elsewhere in the system.
func DistanceKm(a, b domain.GeoPoint) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	h := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// MemoryIndex is an in-memory Index for tests and single-node runs.
type MemoryIndex struct {
	mu        sync.RWMutex
	providers map[uuid.UUID]domain.ProviderAvailability
}

// NewMemoryIndex constructs an empty memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{providers: make(map[uuid.UUID]domain.ProviderAvailability)}
}

// Upsert stores the provider's current availability snapshot.
func (m *MemoryIndex) Upsert(_ context.Context, provider domain.ProviderAvailability) error {
	if err := provider.Location.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[provider.ID] = provider
	return nil
}

// Provider returns the stored availability snapshot for a single provider.
func (m *MemoryIndex) Provider(_ context.Context, providerID uuid.UUID) (domain.ProviderAvailability, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	provider, ok := m.providers[providerID]
	return provider, ok, nil
}

// Remove drops the provider from the index.
func (m *MemoryIndex) Remove(_ context.Context, providerID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.providers, providerID)
	return nil
}

// Nearby returns eligible providers within radiusKm of point, closest first.
// An empty result is not an error.
func (m *MemoryIndex) Nearby(_ context.Context, serviceType domain.ServiceType, point domain.GeoPoint, radiusKm float64, limit int) ([]domain.Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	candidates := make([]domain.Candidate, 0, limit)
	for _, provider := range m.providers {
		if !provider.Eligible(serviceType) {
			continue
		}
		dist := DistanceKm(point, provider.Location)
		if dist > radiusKm {
			continue
		}
		candidates = append(candidates, domain.Candidate{
			ProviderID: provider.ID,
			DistanceKm: dist,
			Name:       provider.Name,
			Rating:     provider.Rating,
			Vehicle:    provider.Vehicle,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].DistanceKm < candidates[j].DistanceKm })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}
