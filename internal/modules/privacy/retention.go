package privacy

import (
	"context"
	"time"

	"waypoint/internal/types"
)

// HistoryStore is the durable history the retention sweep trims.
type HistoryStore interface {
	ListParticipants(ctx context.Context) ([]types.ID, error)
	PurgeHistoryBefore(ctx context.Context, id types.ID, cutoff time.Time) (int64, error)
	AnonymizeRoutesBefore(ctx context.Context, id types.ID, cutoff time.Time) (int64, error)
}

// RunRetention periodically enforces HistoryRetentionDays and
// AnonymizeAfterHours for every participant with stored settings.
func (s *Service) RunRetention(ctx context.Context, history HistoryStore, interval time.Duration) {
	ticker := s.clock.NewTicker(interval, "privacy", "retention")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepRetention(ctx, history)
		}
	}
}

func (s *Service) SweepRetention(ctx context.Context, history HistoryStore) {
	ids, err := history.ListParticipants(ctx)
	if err != nil {
		s.logger.Error("list participants for retention", "error", err)
		return
	}
	now := s.now()
	for _, id := range ids {
		st, err := s.Settings(ctx, id)
		if err != nil {
			s.logger.Warn("retention: load settings", "participant_id", id, "error", err)
			continue
		}
		if st.HistoryRetentionDays > 0 {
			cutoff := now.AddDate(0, 0, -st.HistoryRetentionDays)
			if n, err := history.PurgeHistoryBefore(ctx, id, cutoff); err != nil {
				s.logger.Error("retention: purge history", "participant_id", id, "error", err)
			} else if n > 0 {
				s.logger.Debug("retention: purged history", "participant_id", id, "rows", n)
			}
		}
		if st.AnonymizeAfterHours > 0 {
			cutoff := now.Add(-time.Duration(st.AnonymizeAfterHours) * time.Hour)
			if _, err := history.AnonymizeRoutesBefore(ctx, id, cutoff); err != nil {
				s.logger.Error("retention: anonymize routes", "participant_id", id, "error", err)
			}
		}
	}
}
