// README: Location service validates reports and maintains the latest-position cache.
package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"waypoint/internal/config"
	"waypoint/internal/types"
)

// IngressChecker is consulted before any cache mutation.
type IngressChecker interface {
	CheckIngress(ctx context.Context, id types.ID) error
}

var (
	ErrNotFound   = fmt.Errorf("location %w", types.ErrNotFound)
	ErrOutOfOrder = fmt.Errorf("%w: sample older than cached position", types.ErrValidation)
)

// purgeTimeout bounds a single purge pass against a slow cache.
const purgeTimeout = 30 * time.Second

type Service struct {
	index   Index
	ingress IngressChecker
	cfg     config.LocationConfig
	clock   quartz.Clock
	logger  *slog.Logger
}

func NewService(index Index, ingress IngressChecker, cfg config.LocationConfig, clock quartz.Clock, logger *slog.Logger) *Service {
	return &Service{index: index, ingress: ingress, cfg: cfg, clock: clock, logger: logger}
}

// Update validates sample and overwrites the participant's cached state.
// The latest arrival wins unless RejectOutOfOrder is configured.
func (s *Service) Update(ctx context.Context, id types.ID, sample types.Sample, taskID types.ID) error {
	if id == "" {
		return fmt.Errorf("%w: missing participant id", types.ErrValidation)
	}
	if err := sample.Validate(); err != nil {
		return err
	}
	if err := s.ingress.CheckIngress(ctx, id); err != nil {
		return err
	}

	now := s.clock.Now()
	if sample.CapturedAt.IsZero() {
		sample.CapturedAt = now
	}
	if s.cfg.RejectOutOfOrder {
		prev, err := s.fresh(ctx, id)
		switch {
		case err == nil && sample.CapturedAt.Before(prev.Sample.CapturedAt):
			return ErrOutOfOrder
		case err != nil && !errors.Is(err, types.ErrNotFound):
			return err
		}
	}

	st := State{ParticipantID: id, TaskID: taskID, Sample: sample, UpdatedAt: now}
	if err := s.index.Put(ctx, st); err != nil {
		return fmt.Errorf("updating location cache: %w", err)
	}
	return nil
}

// Get returns the latest non-stale sample.
func (s *Service) Get(ctx context.Context, id types.ID) (types.Sample, error) {
	st, err := s.fresh(ctx, id)
	if err != nil {
		return types.Sample{}, err
	}
	return st.Sample, nil
}

// State is Get plus the task the sample was reported under.
func (s *Service) State(ctx context.Context, id types.ID) (State, error) {
	return s.fresh(ctx, id)
}

func (s *Service) fresh(ctx context.Context, id types.ID) (State, error) {
	st, err := s.index.Get(ctx, id)
	if errors.Is(err, types.ErrNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, err
	}
	if s.stale(st) {
		return State{}, ErrNotFound
	}
	return st, nil
}

func (s *Service) stale(st State) bool {
	return s.cfg.StaleAfter > 0 && s.clock.Since(st.UpdatedAt) > s.cfg.StaleAfter
}

// Nearby lists fresh participants within radiusMeters of center, closest
// first, never including exclude, filtered by pred and capped at NearbyLimit.
func (s *Service) Nearby(ctx context.Context, center types.Point, radiusMeters float64, exclude types.ID, pred Predicate) ([]Neighbor, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", types.ErrValidation)
	}
	hits, err := s.index.Search(ctx, center, radiusMeters)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.NearbyLimit
	out := make([]Neighbor, 0, min(len(hits), max(limit, 0)))
	for _, h := range hits {
		if limit > 0 && len(out) >= limit {
			break
		}
		if h.ParticipantID == exclude || s.stale(h.State) {
			continue
		}
		if pred != nil && !pred(h.State) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Remove drops a participant from the cache, e.g. when sharing is turned off.
func (s *Service) Remove(ctx context.Context, id types.ID) error {
	return s.index.Remove(ctx, id)
}

// RunPurge physically removes stale entries; until then they are only hidden.
func (s *Service) RunPurge(ctx context.Context) {
	if s.cfg.StaleAfter <= 0 {
		return
	}
	ticker := s.clock.NewTicker(s.cfg.PurgeInterval, "location", "purge")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

func (s *Service) purge(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, purgeTimeout)
	defer cancel()

	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	n, err := s.index.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Error("purge stale locations", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("purged stale locations", "count", n)
	}
}
