// README: Privacy store backed by PostgreSQL (settings, audit log, encrypted history).
package privacy

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

func (s *Store) LoadSettings(ctx context.Context, id types.ID) (Settings, error) {
	row := s.db.QueryRow(ctx, `
        SELECT sharing_enabled, precision_level, share_with_peers, share_with_task_participants,
               history_retention_days, anonymize_after_hours, allow_emergency_access,
               geofence_notifications_enabled, updated_at
        FROM privacy_settings
        WHERE participant_id = $1`, string(id),
	)
	var st Settings
	var precision string
	err := row.Scan(
		&st.SharingEnabled, &precision, &st.ShareWithPeers, &st.ShareWithTaskParticipants,
		&st.HistoryRetentionDays, &st.AnonymizeAfterHours, &st.AllowEmergencyAccess,
		&st.GeofenceNotificationsEnabled, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Settings{}, types.ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}
	st.Precision = Precision(precision)
	return st, nil
}

func (s *Store) SaveSettings(ctx context.Context, id types.ID, st Settings) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO privacy_settings (
            participant_id, sharing_enabled, precision_level, share_with_peers,
            share_with_task_participants, history_retention_days, anonymize_after_hours,
            allow_emergency_access, geofence_notifications_enabled, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (participant_id) DO UPDATE SET
            sharing_enabled = EXCLUDED.sharing_enabled,
            precision_level = EXCLUDED.precision_level,
            share_with_peers = EXCLUDED.share_with_peers,
            share_with_task_participants = EXCLUDED.share_with_task_participants,
            history_retention_days = EXCLUDED.history_retention_days,
            anonymize_after_hours = EXCLUDED.anonymize_after_hours,
            allow_emergency_access = EXCLUDED.allow_emergency_access,
            geofence_notifications_enabled = EXCLUDED.geofence_notifications_enabled,
            updated_at = EXCLUDED.updated_at`,
		string(id), st.SharingEnabled, string(st.Precision), st.ShareWithPeers,
		st.ShareWithTaskParticipants, st.HistoryRetentionDays, st.AnonymizeAfterHours,
		st.AllowEmergencyAccess, st.GeofenceNotificationsEnabled, st.UpdatedAt,
	)
	return err
}

func (s *Store) ListParticipants(ctx context.Context) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `SELECT participant_id FROM privacy_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []types.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, types.ID(id))
	}
	return ids, rows.Err()
}

func (s *Store) AppendAccessEvent(ctx context.Context, e AccessEvent) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO location_access_events (viewer_id, owner_id, context, reason, granted, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.ViewerID), string(e.OwnerID), string(e.Context), e.Reason, e.Granted, e.At,
	)
	return err
}

// AppendHistory stores one sealed sample in the participant's location history.
func (s *Store) AppendHistory(ctx context.Context, id types.ID, blob EncryptedBlob, capturedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO location_history (participant_id, ciphertext, iv, auth_tag, captured_at)
        VALUES ($1, $2, $3, $4, $5)`,
		string(id), blob.Ciphertext, blob.IV, blob.AuthTag, capturedAt,
	)
	return err
}

func (s *Store) PurgeHistoryBefore(ctx context.Context, id types.ID, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        DELETE FROM location_history
        WHERE participant_id = $1 AND captured_at < $2`,
		string(id), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AnonymizeRoutesBefore coarsens stored route points to two decimals (~1 km).
func (s *Store) AnonymizeRoutesBefore(ctx context.Context, id types.ID, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE route_points
        SET lat = round(lat::numeric, 2)::double precision,
            lng = round(lng::numeric, 2)::double precision,
            accuracy_meters = GREATEST(accuracy_meters, 1000),
            anonymized = TRUE
        WHERE participant_id = $1 AND recorded_at < $2 AND NOT anonymized`,
		string(id), cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
