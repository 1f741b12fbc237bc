package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"waypoint/internal/config"
	"waypoint/internal/types"
)

// stubIngress denies every participant listed in denied.
type stubIngress struct {
	mu     sync.Mutex
	denied map[types.ID]bool
}

func (s *stubIngress) CheckIngress(_ context.Context, id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.denied[id] {
		return &types.AuthError{Reason: "sharing_disabled"}
	}
	return nil
}

func newTestService(t *testing.T, cfg config.LocationConfig) (*Service, *stubIngress, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	ingress := &stubIngress{denied: map[types.ID]bool{}}
	svc := NewService(NewMemoryIndex(), ingress, cfg, clock, slog.New(slog.DiscardHandler))
	return svc, ingress, clock
}

func defaultCfg() config.LocationConfig {
	return config.LocationConfig{StaleAfter: 10 * time.Minute, PurgeInterval: time.Minute, NearbyLimit: 50}
}

func TestUpdateThenGet_ReturnsExactSample(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg())
	ctx := context.Background()
	r := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		s := types.Sample{
			Lat:            r.Float64()*180 - 90,
			Lng:            r.Float64()*360 - 180,
			AccuracyMeters: r.Float64() * 50,
			CapturedAt:     clock.Now(),
		}
		id := types.ID(fmt.Sprintf("p%d", i))
		if err := svc.Update(ctx, id, s, ""); err != nil {
			t.Fatalf("update %v: %v", s, err)
		}
		got, err := svc.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != s {
			t.Fatalf("Get() = %+v, want %+v", got, s)
		}
	}
}

func TestUpdate_Boundaries(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg())
	ctx := context.Background()
	for _, p := range []types.Point{{Lat: 90, Lng: 180}, {Lat: -90, Lng: -180}} {
		if err := svc.Update(ctx, "edge", types.Sample{Lat: p.Lat, Lng: p.Lng}, ""); err != nil {
			t.Fatalf("boundary %v rejected: %v", p, err)
		}
	}
}

func TestUpdate_RejectedLeavesCacheUnchanged(t *testing.T) {
	svc, ingress, _ := newTestService(t, defaultCfg())
	ctx := context.Background()

	first := types.Sample{Lat: 10, Lng: 10}
	if err := svc.Update(ctx, "alice", first, ""); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := svc.Update(ctx, "alice", types.Sample{Lat: 91, Lng: 10}, ""); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	ingress.denied["alice"] = true
	if err := svc.Update(ctx, "alice", types.Sample{Lat: 20, Lng: 20}, ""); !errors.Is(err, types.ErrUnauthorized) {
		t.Fatalf("expected authorization error, got %v", err)
	}

	got, err := svc.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Lat != first.Lat || got.Lng != first.Lng {
		t.Fatalf("rejected reports changed the cache: %+v", got)
	}
}

func TestUpdate_LastWriteWins(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg())
	ctx := context.Background()
	now := clock.Now()

	_ = svc.Update(ctx, "alice", types.Sample{Lat: 1, Lng: 1, CapturedAt: now}, "")
	late := types.Sample{Lat: 2, Lng: 2, CapturedAt: now.Add(-time.Minute)}
	if err := svc.Update(ctx, "alice", late, ""); err != nil {
		t.Fatalf("late sample should be accepted by default: %v", err)
	}
	if got, _ := svc.Get(ctx, "alice"); got != late {
		t.Fatalf("expected late sample to overwrite, got %+v", got)
	}
}

func TestUpdate_RejectOutOfOrder(t *testing.T) {
	cfg := defaultCfg()
	cfg.RejectOutOfOrder = true
	svc, _, clock := newTestService(t, cfg)
	ctx := context.Background()
	now := clock.Now()

	_ = svc.Update(ctx, "alice", types.Sample{Lat: 1, Lng: 1, CapturedAt: now}, "")
	err := svc.Update(ctx, "alice", types.Sample{Lat: 2, Lng: 2, CapturedAt: now.Add(-time.Second)}, "")
	if !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
}

func TestGet_StaleIsAbsent(t *testing.T) {
	svc, _, clock := newTestService(t, defaultCfg())
	ctx := context.Background()

	_ = svc.Update(ctx, "alice", types.Sample{Lat: 1, Lng: 1}, "")
	clock.Advance(11 * time.Minute)

	if _, err := svc.Get(ctx, "alice"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected stale entry to be absent, got %v", err)
	}
	hits, err := svc.Nearby(ctx, types.Point{Lat: 1, Lng: 1}, 1000, "", nil)
	if err != nil || len(hits) != 0 {
		t.Fatalf("stale entry leaked into nearby: %v %v", hits, err)
	}

	svc.purge(ctx)
	if _, err := svc.index.Get(ctx, "alice"); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("purge should drop the entry physically, got %v", err)
	}
}

func TestNearby_OrderedFilteredCapped(t *testing.T) {
	cfg := defaultCfg()
	cfg.NearbyLimit = 3
	svc, _, _ := newTestService(t, cfg)
	ctx := context.Background()
	center := types.Point{Lat: 40.7128, Lng: -74.0060}

	// Five participants 100m, 200m, ... north of center, plus the viewer itself.
	for i := 1; i <= 5; i++ {
		s := types.Sample{Lat: center.Lat + float64(i)*0.0009, Lng: center.Lng}
		_ = svc.Update(ctx, types.ID(fmt.Sprintf("p%d", i)), s, "")
	}
	_ = svc.Update(ctx, "viewer", types.Sample{Lat: center.Lat, Lng: center.Lng}, "")
	_ = svc.Update(ctx, "far", types.Sample{Lat: 41.5, Lng: center.Lng}, "")

	notP2 := func(st State) bool { return st.ParticipantID != "p2" }
	hits, err := svc.Nearby(ctx, center, 2000, "viewer", notP2)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	want := []types.ID{"p1", "p3", "p4"}
	if len(hits) != len(want) {
		t.Fatalf("got %d hits, want %d: %+v", len(hits), len(want), hits)
	}
	for i, h := range hits {
		if h.ParticipantID != want[i] {
			t.Fatalf("hit %d = %s, want %s", i, h.ParticipantID, want[i])
		}
		if i > 0 && h.DistanceMeters < hits[i-1].DistanceMeters {
			t.Fatalf("results not ascending by distance")
		}
	}
}

func TestNearby_InvalidInput(t *testing.T) {
	svc, _, _ := newTestService(t, defaultCfg())
	ctx := context.Background()
	if _, err := svc.Nearby(ctx, types.Point{Lat: 100}, 10, "", nil); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Nearby(ctx, types.Point{}, 0, "", nil); !errors.Is(err, types.ErrValidation) {
		t.Fatalf("expected validation error for zero radius, got %v", err)
	}
}

func TestMemoryIndex_ConcurrentReadersAndWriters(t *testing.T) {
	idx := NewMemoryIndex()
	ctx := context.Background()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = idx.Put(ctx, State{ParticipantID: types.ID(fmt.Sprintf("w%d", w)), Sample: types.Sample{Lat: float64(i % 10)}})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_, _ = idx.Search(ctx, types.Point{}, 5_000_000)
			}
		}()
	}
	wg.Wait()
}
