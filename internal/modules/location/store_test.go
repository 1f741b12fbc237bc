package location

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"waypoint/internal/types"
)

func TestRedisIndex(t *testing.T) {
	redisAddr := os.Getenv("WAYPOINT_REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("WAYPOINT_REDIS_ADDR not set; skipping integration test")
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	idx := NewRedisIndex(rdb, time.Minute)
	ctx := context.Background()

	uid := types.ID(fmt.Sprintf("participant_test_%d", time.Now().UnixNano()))
	st := State{
		ParticipantID: uid,
		Sample:        types.Sample{Lat: 40.7128, Lng: -74.0060, AccuracyMeters: 5, CapturedAt: time.Now().UTC()},
		UpdatedAt:     time.Now().UTC(),
	}
	if err := idx.Put(ctx, st); err != nil {
		t.Fatalf("put: %v", err)
	}
	t.Cleanup(func() { _ = idx.Remove(ctx, uid) })

	got, err := idx.Get(ctx, uid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Sample.Lat != st.Sample.Lat || got.Sample.Lng != st.Sample.Lng {
		t.Fatalf("unexpected state: %+v", got)
	}

	hits, err := idx.Search(ctx, types.Point{Lat: 40.7130, Lng: -74.0060}, 500)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, h := range hits {
		if h.ParticipantID == uid {
			found = true
			if h.DistanceMeters > 50 {
				t.Errorf("distance = %f, want < 50m", h.DistanceMeters)
			}
		}
	}
	if !found {
		t.Fatalf("expected %s in search results", uid)
	}

	if _, err := idx.Purge(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := idx.Get(ctx, uid); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected purged entry to be gone, got %v", err)
	}
}
