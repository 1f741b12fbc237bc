// README: Tracking store backed by PostgreSQL (session upserts, append-only route log).
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"waypoint/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO tracking_sessions (id, participant_id, task_id, status, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            ended_at = EXCLUDED.ended_at`,
		string(sess.ID), string(sess.ParticipantID), string(sess.TaskID),
		string(sess.Status), sess.StartedAt, sess.EndedAt,
	)
	return err
}

func (s *Store) LatestSession(ctx context.Context, participantID, taskID types.ID) (Session, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, participant_id, task_id, status, started_at, ended_at
        FROM tracking_sessions
        WHERE participant_id = $1 AND task_id = $2
        ORDER BY started_at DESC
        LIMIT 1`, string(participantID), string(taskID),
	)
	var sess Session
	var status string
	var endedAt *time.Time
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.TaskID, &status, &sess.StartedAt, &endedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, types.ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Status = Status(status)
	sess.EndedAt = endedAt
	return sess, nil
}

// IsTaskParticipant reports whether the marketplace lists participantID on
// taskID.
func (s *Store) IsTaskParticipant(ctx context.Context, taskID, participantID types.ID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM task_participants WHERE task_id = $1 AND participant_id = $2
        )`, string(taskID), string(participantID),
	).Scan(&ok)
	return ok, err
}

func (s *Store) AppendRoutePoint(ctx context.Context, p RoutePoint) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO route_points (
            session_id, participant_id, seq, lat, lng, accuracy_meters, captured_at, recorded_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (session_id, seq) DO NOTHING`,
		string(p.SessionID), string(p.ParticipantID), p.Seq,
		p.Sample.Lat, p.Sample.Lng, p.Sample.AccuracyMeters, p.Sample.CapturedAt, p.RecordedAt,
	)
	return err
}

func (s *Store) ListRoute(ctx context.Context, sessionID types.ID) ([]RoutePoint, error) {
	rows, err := s.db.Query(ctx, `
        SELECT session_id, participant_id, seq, lat, lng, accuracy_meters, captured_at, recorded_at
        FROM route_points
        WHERE session_id = $1
        ORDER BY seq ASC`, string(sessionID),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutePoint
	for rows.Next() {
		var p RoutePoint
		if err := rows.Scan(
			&p.SessionID, &p.ParticipantID, &p.Seq,
			&p.Sample.Lat, &p.Sample.Lng, &p.Sample.AccuracyMeters, &p.Sample.CapturedAt, &p.RecordedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
