// Package kvstore is the typed key/value store adapter (spec C1). It wraps
// a Redis client with the narrow set of operations the rest of the platform
// needs, grounded on the Caqil-goride CacheService interface shape and the
// teacher's internal/platform/redis.go connection pattern.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable is returned when the underlying Redis connection is
// down. Callers on the cache-aside path should treat this as "go to the
// next tier", not as a hard failure, except where the spec says otherwise
// (C6 verification never falls open).
var ErrStoreUnavailable = errors.New("kvstore: store unavailable")

// ErrNotFound is returned by Get/HGetAll when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a typed accessor over Redis. Every write is best-effort when used
// for caching; every read is optional — callers must handle ErrStoreUnavailable
// by falling through to the next tier rather than failing the request.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Client exposes the underlying client for operations (pub/sub, streams)
// that don't warrant a typed wrapper.
func (s *Store) Client() *redis.Client { return s.rdb }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Get returns the raw string value at key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrapErr(err)
}

// SetEX sets key to value with an expiry.
func (s *Store) SetEX(ctx context.Context, key string, value any, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

// Set sets key to value with no expiry.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return wrapErr(s.rdb.Set(ctx, key, value, 0).Err())
}

// Del deletes one or more keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return wrapErr(s.rdb.Del(ctx, keys...).Err())
}

// Exists reports how many of the given keys exist.
func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.rdb.Exists(ctx, keys...).Result()
	return n, wrapErr(err)
}

// Incr atomically increments key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	return n, wrapErr(err)
}

// IncrBy atomically increments key by delta and returns the new value.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	return n, wrapErr(err)
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return wrapErr(s.rdb.Expire(ctx, key, ttl).Err())
}

// TTL returns the remaining TTL of key.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.rdb.TTL(ctx, key).Result()
	return d, wrapErr(err)
}

// Keys performs a pattern scan. Administrative only — never on the hot path.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return out, nil
}

// HSet sets one or more hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	return wrapErr(s.rdb.HSet(ctx, key, fields).Err())
}

// HGetAll returns all fields of a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// ZAdd adds a member with score to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return wrapErr(s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRem removes a member from a sorted set.
func (s *Store) ZRem(ctx context.Context, key string, member string) error {
	return wrapErr(s.rdb.ZRem(ctx, key, member).Err())
}

// ZRange returns members in [start, stop] order.
func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	out, err := s.rdb.ZRange(ctx, key, start, stop).Result()
	return out, wrapErr(err)
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	return n, wrapErr(err)
}

// GeoMember is a single station-like point added to a geo index.
type GeoMember struct {
	Name      string
	Longitude float64
	Latitude  float64
}

// GeoAdd adds one or more members to a geo-sorted structure.
func (s *Store) GeoAdd(ctx context.Context, key string, members ...GeoMember) error {
	locs := make([]*redis.GeoLocation, 0, len(members))
	for _, m := range members {
		locs = append(locs, &redis.GeoLocation{Name: m.Name, Longitude: m.Longitude, Latitude: m.Latitude})
	}
	return wrapErr(s.rdb.GeoAdd(ctx, key, locs...).Err())
}

// GeoSearchResult is one hit from GeoRadius, distance in kilometers.
type GeoSearchResult struct {
	Name     string
	DistKm   float64
	Lng, Lat float64
}

// GeoRadius performs a radius search around (lat, lng), ascending by distance.
func (s *Store) GeoRadius(ctx context.Context, key string, lng, lat, radiusKm float64, limit int) ([]GeoSearchResult, error) {
	q := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lng,
			Latitude:   lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}
	locs, err := s.rdb.GeoSearchLocation(ctx, key, q).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	out := make([]GeoSearchResult, 0, len(locs))
	for _, l := range locs {
		out = append(out, GeoSearchResult{Name: l.Name, DistKm: l.Dist, Lng: l.Longitude, Lat: l.Latitude})
	}
	return out, nil
}

// GeoRemove removes a member from a geo-sorted structure (implemented as ZREM:
// Redis geo indexes are backed by a sorted set).
func (s *Store) GeoRemove(ctx context.Context, key, member string) error {
	return s.ZRem(ctx, key, member)
}

// Pipeliner exposes a subset of redis.Pipeliner for batch operations.
type Pipeliner = redis.Pipeliner

// Pipeline returns a new pipeline for batching commands.
func (s *Store) Pipeline() Pipeliner {
	return s.rdb.Pipeline()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrapErr(s.rdb.Ping(ctx).Err())
}
