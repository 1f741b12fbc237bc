package location

import (
	"context"
	"time"

	"waypoint/internal/types"
)

// Index is the geospatial cache behind the location service. Implementations
// must let Search run without blocking Put.
type Index interface {
	Put(ctx context.Context, st State) error
	// Get returns types.ErrNotFound when nothing is cached.
	Get(ctx context.Context, id types.ID) (State, error)
	Remove(ctx context.Context, id types.ID) error
	// Search returns every entry within radiusMeters of center, closest
	// first. Entries may be slightly behind the latest Put.
	Search(ctx context.Context, center types.Point, radiusMeters float64) ([]Neighbor, error)
	// Purge drops entries last updated before cutoff and reports how many.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}
