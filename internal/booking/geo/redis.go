package geo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/rydo/internal/booking/domain"
)

const defaultGeoPrefix = "providers"

// Ineligible members are filtered after the radius query, so fetch a few
// extra entries per requested candidate.
const overfetch = 4

var serviceTypes = []domain.ServiceType{domain.ServiceDriver, domain.ServiceCaretaker, domain.ServiceShuttle}

// RedisIndex implements Index with Redis GEO commands, one sorted set per
// service type plus a metadata hash per provider for the eligibility flags.
type RedisIndex struct {
	client redis.Cmdable
	prefix string
}

// NewRedisIndex constructs a Redis-backed index.
func NewRedisIndex(client redis.Cmdable, prefix string) *RedisIndex {
	if prefix == "" {
		prefix = defaultGeoPrefix
	}
	return &RedisIndex{client: client, prefix: prefix}
}

func (r *RedisIndex) geoKey(serviceType domain.ServiceType) string {
	return fmt.Sprintf("%s:geo:%s", r.prefix, serviceType)
}

func (r *RedisIndex) metaKey(providerID uuid.UUID) string {
	return fmt.Sprintf("%s:meta:%s", r.prefix, providerID)
}

// Upsert stores the provider location and availability metadata.
func (r *RedisIndex) Upsert(ctx context.Context, provider domain.ProviderAvailability) error {
	if err := provider.Location.Validate(); err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	for _, st := range serviceTypes {
		if st == provider.ServiceType {
			continue
		}
		pipe.ZRem(ctx, r.geoKey(st), provider.ID.String())
	}
	pipe.GeoAdd(ctx, r.geoKey(provider.ServiceType), &redis.GeoLocation{
		Name:      provider.ID.String(),
		Longitude: provider.Location.Lng,
		Latitude:  provider.Location.Lat,
	})
	meta := map[string]any{
		"name":      provider.Name,
		"rating":    strconv.FormatFloat(provider.Rating, 'f', -1, 64),
		"service":   string(provider.ServiceType),
		"lat":       strconv.FormatFloat(provider.Location.Lat, 'f', -1, 64),
		"lng":       strconv.FormatFloat(provider.Location.Lng, 'f', -1, 64),
		"active":    strconv.FormatBool(provider.Active),
		"verified":  strconv.FormatBool(provider.Verified),
		"available": strconv.FormatBool(provider.Available),
	}
	if provider.Vehicle != nil {
		meta["vehicle_type"] = provider.Vehicle.Type
		meta["vehicle_make"] = provider.Vehicle.Make
		meta["vehicle_model"] = provider.Vehicle.Model
	}
	pipe.HSet(ctx, r.metaKey(provider.ID), meta)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert provider: %w", err)
	}
	return nil
}

// Provider rebuilds the availability snapshot from the metadata hash.
func (r *RedisIndex) Provider(ctx context.Context, providerID uuid.UUID) (domain.ProviderAvailability, bool, error) {
	meta, err := r.client.HGetAll(ctx, r.metaKey(providerID)).Result()
	if err != nil {
		return domain.ProviderAvailability{}, false, fmt.Errorf("redis provider meta: %w", err)
	}
	if len(meta) == 0 {
		return domain.ProviderAvailability{}, false, nil
	}
	provider := domain.ProviderAvailability{
		ID:          providerID,
		Name:        meta["name"],
		ServiceType: domain.ServiceType(meta["service"]),
		Active:      meta["active"] == "true",
		Verified:    meta["verified"] == "true",
		Available:   meta["available"] == "true",
	}
	provider.Rating, _ = strconv.ParseFloat(meta["rating"], 64)
	provider.Location.Lat, _ = strconv.ParseFloat(meta["lat"], 64)
	provider.Location.Lng, _ = strconv.ParseFloat(meta["lng"], 64)
	if vt, ok := meta["vehicle_type"]; ok && vt != "" {
		provider.Vehicle = &domain.Vehicle{
			Type:  vt,
			Make:  meta["vehicle_make"],
			Model: meta["vehicle_model"],
		}
	}
	return provider, true, nil
}

// Remove drops the provider from every service index and deletes its metadata.
func (r *RedisIndex) Remove(ctx context.Context, providerID uuid.UUID) error {
	pipe := r.client.Pipeline()
	for _, st := range serviceTypes {
		pipe.ZRem(ctx, r.geoKey(st), providerID.String())
	}
	pipe.Del(ctx, r.metaKey(providerID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove provider: %w", err)
	}
	return nil
}

// Nearby queries the service type's geo set and filters out providers whose
// metadata flags make them ineligible. Results stay distance-ascending.
func (r *RedisIndex) Nearby(ctx context.Context, serviceType domain.ServiceType, point domain.GeoPoint, radiusKm float64, limit int) ([]domain.Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusKm <= 0 {
		radiusKm = DefaultRadiusKm
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	locations, err := r.client.GeoRadius(ctx, r.geoKey(serviceType), point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit * overfetch,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis georadius: %w", err)
	}

	candidates := make([]domain.Candidate, 0, limit)
	for _, loc := range locations {
		providerID, err := uuid.Parse(loc.Name)
		if err != nil {
			continue
		}
		meta, err := r.client.HGetAll(ctx, r.metaKey(providerID)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis provider meta: %w", err)
		}
		if meta["active"] != "true" || meta["verified"] != "true" || meta["available"] != "true" {
			continue
		}
		candidate := domain.Candidate{
			ProviderID: providerID,
			DistanceKm: loc.Dist,
			Name:       meta["name"],
		}
		if rating, err := strconv.ParseFloat(meta["rating"], 64); err == nil {
			candidate.Rating = rating
		}
		if vt, ok := meta["vehicle_type"]; ok && vt != "" {
			candidate.Vehicle = &domain.Vehicle{
				Type:  vt,
				Make:  meta["vehicle_make"],
				Model: meta["vehicle_model"],
			}
		}
		candidates = append(candidates, candidate)
		if len(candidates) == limit {
			break
		}
	}
	return candidates, nil
}
