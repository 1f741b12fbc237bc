// README: Geofence service registers task geofences and runs the per-participant
// enter/dwell/exit state machine.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"waypoint/internal/config"
	"waypoint/internal/types"
)

type FenceStore interface {
	SaveGeofence(ctx context.Context, g Geofence) error
	SetTaskActive(ctx context.Context, taskID types.ID, active bool) error
	ListActive(ctx context.Context) ([]Geofence, error)
	AppendEvent(ctx context.Context, e Event) error
	ListEvents(ctx context.Context, taskID types.ID) ([]Event, error)
}

// TaskSource supplies the pickup, delivery and service-area sites of a task.
type TaskSource interface {
	Sites(ctx context.Context, taskID types.ID) ([]Site, error)
}

type Geocoder interface {
	Geocode(ctx context.Context, address string) (types.Point, error)
}

type Persister interface {
	Enqueue(name string, job func(ctx context.Context) error) bool
}

var (
	ErrInvalidGeofence = fmt.Errorf("%w: invalid geofence", types.ErrValidation)
	ErrNoSites         = fmt.Errorf("task sites %w", types.ErrNotFound)
)

type Service struct {
	store     FenceStore
	tasks     TaskSource
	geocoder  Geocoder
	persister Persister
	cfg       config.GeofenceConfig
	clock     quartz.Clock
	logger    *slog.Logger

	mu     sync.RWMutex
	fences map[types.ID]Geofence
	byTask map[types.ID][]types.ID

	membersMu sync.Mutex
	// participant -> geofence -> membership
	members map[types.ID]map[types.ID]*Membership
}

type Deps struct {
	Store     FenceStore
	Tasks     TaskSource
	Geocoder  Geocoder
	Persister Persister
}

func NewService(deps Deps, cfg config.GeofenceConfig, clock quartz.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:     deps.Store,
		tasks:     deps.Tasks,
		geocoder:  deps.Geocoder,
		persister: deps.Persister,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		fences:    make(map[types.ID]Geofence),
		byTask:    make(map[types.ID][]types.ID),
		members:   make(map[types.ID]map[types.ID]*Membership),
	}
}

// Load registers every active geofence from the store.
func (s *Service) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	fences, err := s.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("loading geofences: %w", err)
	}
	slices.SortFunc(fences, func(a, b Geofence) int { return a.CreatedAt.Compare(b.CreatedAt) })
	s.mu.Lock()
	for _, g := range fences {
		s.registerLocked(g)
	}
	s.mu.Unlock()
	s.logger.Info("geofences loaded", "count", len(fences))
	return nil
}

func (s *Service) Create(ctx context.Context, taskID types.ID, kind Kind, geom Geometry) (Geofence, error) {
	if taskID == "" {
		return Geofence{}, fmt.Errorf("%w: missing task id", ErrInvalidGeofence)
	}
	if !kind.Valid() {
		return Geofence{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidGeofence, kind)
	}
	if err := geom.Validate(); err != nil {
		return Geofence{}, fmt.Errorf("%w: %w", ErrInvalidGeofence, err)
	}

	g := Geofence{
		ID:        types.ID(uuid.NewString()),
		TaskID:    taskID,
		Kind:      kind,
		Geometry:  geom,
		Active:    true,
		CreatedAt: s.clock.Now(),
	}
	if s.store != nil {
		if err := s.store.SaveGeofence(ctx, g); err != nil {
			return Geofence{}, fmt.Errorf("%w: saving geofence: %w", types.ErrUnavailable, err)
		}
	}
	s.mu.Lock()
	s.registerLocked(g)
	s.mu.Unlock()
	return g, nil
}

func (s *Service) registerLocked(g Geofence) {
	if _, ok := s.fences[g.ID]; !ok {
		s.byTask[g.TaskID] = append(s.byTask[g.TaskID], g.ID)
	}
	s.fences[g.ID] = g
}

// SetupForTask derives geofences from the task's sites. A task that already
// has active geofences keeps them.
func (s *Service) SetupForTask(ctx context.Context, taskID types.ID) ([]types.ID, error) {
	if existing := s.activeFor(taskID); len(existing) > 0 {
		ids := make([]types.ID, len(existing))
		for i, g := range existing {
			ids[i] = g.ID
		}
		return ids, nil
	}
	if s.tasks == nil {
		return nil, ErrNoSites
	}
	sites, err := s.tasks.Sites(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("loading task sites: %w", err)
	}
	if len(sites) == 0 {
		return nil, ErrNoSites
	}

	var ids []types.ID
	for _, site := range sites {
		geom, err := s.siteGeometry(ctx, site)
		if err != nil {
			return ids, err
		}
		g, err := s.Create(ctx, taskID, site.Kind, geom)
		if err != nil {
			return ids, err
		}
		ids = append(ids, g.ID)
	}
	s.logger.Info("geofences set up", "task_id", taskID, "count", len(ids))
	return ids, nil
}

func (s *Service) siteGeometry(ctx context.Context, site Site) (Geometry, error) {
	if len(site.Polygon) > 0 {
		return Geometry{Shape: ShapePolygon, Vertices: site.Polygon}, nil
	}
	radius := site.RadiusMeters
	if radius <= 0 {
		radius = site.Kind.defaultRadius()
	}
	if site.Location != nil {
		return Geometry{Shape: ShapeCircle, Center: *site.Location, RadiusMeters: radius}, nil
	}
	if site.Address == "" || s.geocoder == nil {
		return Geometry{}, fmt.Errorf("%w: site has no location", ErrInvalidGeofence)
	}
	center, err := s.geocoder.Geocode(ctx, site.Address)
	if err != nil {
		return Geometry{}, fmt.Errorf("geocoding %s site: %w", site.Kind, err)
	}
	return Geometry{Shape: ShapeCircle, Center: center, RadiusMeters: radius}, nil
}

// DeactivateTask stops evaluation of the task's geofences. Recorded events
// are kept.
func (s *Service) DeactivateTask(ctx context.Context, taskID types.ID) error {
	s.mu.Lock()
	ids := slices.Clone(s.byTask[taskID])
	for _, id := range ids {
		g := s.fences[id]
		g.Active = false
		s.fences[id] = g
	}
	s.mu.Unlock()

	s.membersMu.Lock()
	for _, m := range s.members {
		for _, id := range ids {
			delete(m, id)
		}
	}
	s.membersMu.Unlock()

	if s.store != nil && len(ids) > 0 {
		if err := s.store.SetTaskActive(ctx, taskID, false); err != nil {
			return fmt.Errorf("%w: deactivating geofences: %w", types.ErrUnavailable, err)
		}
	}
	return nil
}

func (s *Service) ListForTask(taskID types.ID) []types.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.byTask[taskID])
}

// Geofences returns the task's geofences in creation order.
func (s *Service) Geofences(taskID types.ID) []Geofence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Geofence, 0, len(s.byTask[taskID]))
	for _, id := range s.byTask[taskID] {
		out = append(out, s.fences[id])
	}
	return out
}

func (s *Service) activeFor(taskID types.ID) []Geofence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Geofence
	for _, id := range s.byTask[taskID] {
		if g := s.fences[id]; g.Active {
			out = append(out, g)
		}
	}
	return out
}

func (s *Service) ListEvents(ctx context.Context, taskID types.ID) ([]Event, error) {
	if s.store == nil {
		return nil, nil
	}
	events, err := s.store.ListEvents(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("%w: listing geofence events: %w", types.ErrUnavailable, err)
	}
	return events, nil
}

// Evaluate advances the participant's membership in every active geofence of
// the task and returns the resulting events. Samples of one participant must
// be evaluated sequentially.
func (s *Service) Evaluate(ctx context.Context, participantID, taskID types.ID, sample types.Sample) []Event {
	fences := s.activeFor(taskID)
	if len(fences) == 0 {
		return nil
	}
	now := s.clock.Now()
	p := sample.Point()

	var events []Event
	s.membersMu.Lock()
	mine := s.members[participantID]
	if mine == nil {
		mine = make(map[types.ID]*Membership)
		s.members[participantID] = mine
	}
	for _, g := range fences {
		if t, ok := step(mine, g, p, now, s.cfg.DwellThreshold); ok {
			events = append(events, Event{
				ID:            types.ID(uuid.NewString()),
				ParticipantID: participantID,
				TaskID:        taskID,
				GeofenceID:    g.ID,
				Type:          t,
				Location:      sample,
				Timestamp:     now,
			})
		}
	}
	s.membersMu.Unlock()

	for _, e := range events {
		s.logger.Debug("geofence event", "type", e.Type, "geofence_id", e.GeofenceID, "participant_id", participantID)
		s.record(e)
	}
	return events
}

// step applies one sample to the membership of g and reports the event it
// produces, if any.
func step(mine map[types.ID]*Membership, g Geofence, p types.Point, now time.Time, dwell time.Duration) (EventType, bool) {
	inside := g.Geometry.Contains(p)
	m := mine[g.ID]
	wasInside := m != nil && m.State == Inside

	switch {
	case inside && !wasInside:
		mine[g.ID] = &Membership{State: Inside, Since: now}
		return EventEnter, true
	case inside && wasInside:
		if !m.DwellFired && dwell > 0 && now.Sub(m.Since) > dwell {
			m.DwellFired = true
			return EventDwell, true
		}
	case !inside && wasInside:
		mine[g.ID] = &Membership{State: Outside}
		return EventExit, true
	case m == nil:
		mine[g.ID] = &Membership{State: Outside}
	}
	return "", false
}

// Membership returns the participant's state for one geofence.
func (s *Service) Membership(participantID, geofenceID types.ID) (Membership, bool) {
	s.membersMu.Lock()
	defer s.membersMu.Unlock()
	m, ok := s.members[participantID][geofenceID]
	if !ok {
		return Membership{}, false
	}
	return *m, true
}

// ForgetTask drops the participant's memberships in the task's geofences so a
// later session starts from outside.
func (s *Service) ForgetTask(participantID, taskID types.ID) {
	ids := s.ListForTask(taskID)
	s.membersMu.Lock()
	for _, id := range ids {
		delete(s.members[participantID], id)
	}
	s.membersMu.Unlock()
}

// Forget drops every membership of the participant.
func (s *Service) Forget(participantID types.ID) {
	s.membersMu.Lock()
	delete(s.members, participantID)
	s.membersMu.Unlock()
}

func (s *Service) record(e Event) {
	if s.store == nil {
		return
	}
	job := func(ctx context.Context) error { return s.store.AppendEvent(ctx, e) }
	if s.persister != nil {
		if !s.persister.Enqueue("geofence_event", job) {
			s.logger.Warn("persist queue full, dropping geofence event", "event_id", e.ID)
		}
		return
	}
	if err := job(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("persist geofence event", "event_id", e.ID, "error", err)
	}
}
