// README: Location index backed by Redis GEO plus a per-participant state key.
package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"waypoint/internal/types"
)

const (
	geoKey         = "location:geo"
	stateKeyPrefix = "location:state:%s"
)

// RedisIndex keeps positions in a GEO sorted set and the full State as JSON
// under a key that expires after ttl. GEO members have no TTL of their own, so
// Search drops members whose state key is gone and Purge removes them.
type RedisIndex struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRedisIndex(redis *redis.Client, ttl time.Duration) *RedisIndex {
	return &RedisIndex{redis: redis, ttl: ttl}
}

func (s *RedisIndex) Put(ctx context.Context, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding location state: %w", err)
	}
	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, stateKey(st.ParticipantID), payload, s.ttl)
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      string(st.ParticipantID),
		Longitude: st.Sample.Lng,
		Latitude:  st.Sample.Lat,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis put: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisIndex) Get(ctx context.Context, id types.ID) (State, error) {
	val, err := s.redis.Get(ctx, stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, types.ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("%w: redis get: %v", types.ErrUnavailable, err)
	}
	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		return State{}, fmt.Errorf("decoding location state: %w", err)
	}
	return st, nil
}

func (s *RedisIndex) Remove(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, stateKey(id))
	pipe.ZRem(ctx, geoKey, string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis remove: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisIndex) Search(ctx context.Context, center types.Point, radiusMeters float64) ([]Neighbor, error) {
	hits, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis geosearch: %v", types.ErrUnavailable, err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	keys := make([]string, len(hits))
	for i, h := range hits {
		keys[i] = stateKey(types.ID(h.Name))
	}
	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis mget: %v", types.ErrUnavailable, err)
	}

	out := make([]Neighbor, 0, len(hits))
	for i, h := range hits {
		raw, ok := vals[i].(string)
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out = append(out, Neighbor{State: st, DistanceMeters: h.Dist})
	}
	return out, nil
}

// Purge removes GEO members whose state key expired or whose state is older
// than cutoff.
func (s *RedisIndex) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.redis.ZRange(ctx, geoKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis zrange: %v", types.ErrUnavailable, err)
	}
	removed := 0
	for _, m := range members {
		st, err := s.Get(ctx, types.ID(m))
		if err != nil && !errors.Is(err, types.ErrNotFound) {
			return removed, err
		}
		if err == nil && !st.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Remove(ctx, types.ID(m)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func stateKey(id types.ID) string {
	return fmt.Sprintf(stateKeyPrefix, string(id))
}
