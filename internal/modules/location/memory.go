package location

import (
	"context"
	"sync"
	"time"

	"waypoint/internal/types"
)

// MemoryIndex is an in-process Index. Readers range over a sync.Map, so
// proximity scans never hold a lock that writers wait on.
type MemoryIndex struct {
	entries sync.Map // types.ID -> State
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Put(_ context.Context, st State) error {
	m.entries.Store(st.ParticipantID, st)
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, id types.ID) (State, error) {
	v, ok := m.entries.Load(id)
	if !ok {
		return State{}, types.ErrNotFound
	}
	return v.(State), nil
}

func (m *MemoryIndex) Remove(_ context.Context, id types.ID) error {
	m.entries.Delete(id)
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, center types.Point, radiusMeters float64) ([]Neighbor, error) {
	var out []Neighbor
	m.entries.Range(func(_, v any) bool {
		st := v.(State)
		if d := DistanceMeters(center, st.Sample.Point()); d <= radiusMeters {
			out = append(out, Neighbor{State: st, DistanceMeters: d})
		}
		return true
	})
	sortByDistance(out, func(n Neighbor) float64 { return n.DistanceMeters })
	return out, nil
}

func (m *MemoryIndex) Purge(_ context.Context, cutoff time.Time) (int, error) {
	n := 0
	m.entries.Range(func(k, v any) bool {
		if v.(State).UpdatedAt.Before(cutoff) {
			// CompareAndDelete keeps a concurrent fresh Put.
			if m.entries.CompareAndDelete(k, v) {
				n++
			}
		}
		return true
	})
	return n, nil
}
