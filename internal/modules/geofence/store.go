// README: Geofence store backed by PostgreSQL (geofences, event log, task sites).
package geofence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"waypoint/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

var (
	_ FenceStore = (*Store)(nil)
	_ TaskSource = (*Store)(nil)
)

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) SaveGeofence(ctx context.Context, g Geofence) error {
	geom, err := json.Marshal(g.Geometry)
	if err != nil {
		return fmt.Errorf("encoding geometry: %w", err)
	}
	_, err = s.db.Exec(ctx, `
        INSERT INTO geofences (id, task_id, kind, geometry, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET active = EXCLUDED.active`,
		string(g.ID), string(g.TaskID), string(g.Kind), geom, g.Active, g.CreatedAt,
	)
	return err
}

func (s *Store) SetTaskActive(ctx context.Context, taskID types.ID, active bool) error {
	_, err := s.db.Exec(ctx, `UPDATE geofences SET active = $2 WHERE task_id = $1`, string(taskID), active)
	return err
}

func (s *Store) ListActive(ctx context.Context) ([]Geofence, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, task_id, kind, geometry, active, created_at
        FROM geofences
        WHERE active
        ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Geofence
	for rows.Next() {
		var g Geofence
		var kind string
		var geom []byte
		if err := rows.Scan(&g.ID, &g.TaskID, &kind, &geom, &g.Active, &g.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(geom, &g.Geometry); err != nil {
			return nil, fmt.Errorf("decoding geometry of %s: %w", g.ID, err)
		}
		g.Kind, _ = ParseKind(kind)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO geofence_events (
            id, participant_id, task_id, geofence_id, event_type,
            lat, lng, accuracy_meters, captured_at, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(e.ID), string(e.ParticipantID), string(e.TaskID), string(e.GeofenceID), string(e.Type),
		e.Location.Lat, e.Location.Lng, e.Location.AccuracyMeters, e.Location.CapturedAt, e.Timestamp,
	)
	return err
}

func (s *Store) ListEvents(ctx context.Context, taskID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, participant_id, task_id, geofence_id, event_type,
               lat, lng, accuracy_meters, captured_at, created_at
        FROM geofence_events
        WHERE task_id = $1
        ORDER BY created_at ASC, id ASC`, string(taskID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(
			&e.ID, &e.ParticipantID, &e.TaskID, &e.GeofenceID, &typ,
			&e.Location.Lat, &e.Location.Lng, &e.Location.AccuracyMeters, &e.Location.CapturedAt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Sites reads task_sites. A row carries a point, an address to geocode or a
// polygon as JSON.
func (s *Store) Sites(ctx context.Context, taskID types.ID) ([]Site, error) {
	rows, err := s.db.Query(ctx, `
        SELECT kind, lat, lng, COALESCE(address, ''), COALESCE(radius_meters, 0), polygon
        FROM task_sites
        WHERE task_id = $1
        ORDER BY position ASC`, string(taskID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Site
	for rows.Next() {
		var site Site
		var kind string
		var lat, lng *float64
		var polygon []byte
		if err := rows.Scan(&kind, &lat, &lng, &site.Address, &site.RadiusMeters, &polygon); err != nil {
			return nil, err
		}
		site.Kind, _ = ParseKind(kind)
		if lat != nil && lng != nil {
			site.Location = &types.Point{Lat: *lat, Lng: *lng}
		}
		if len(polygon) > 0 {
			if err := json.Unmarshal(polygon, &site.Polygon); err != nil {
				return nil, fmt.Errorf("decoding site polygon: %w", err)
			}
		}
		out = append(out, site)
	}
	return out, rows.Err()
}
