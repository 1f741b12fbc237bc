// README: Tracking service owns session lifecycles and the fast-path route buffers.
package tracking

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"waypoint/internal/config"
	"waypoint/internal/types"
)

// SessionStore is the durable side of tracking. Writes are eventually
// readable; the in-memory state stays authoritative for active sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s Session) error
	AppendRoutePoint(ctx context.Context, p RoutePoint) error
	ListRoute(ctx context.Context, sessionID types.ID) ([]RoutePoint, error)
	LatestSession(ctx context.Context, participantID, taskID types.ID) (Session, error)
}

// Persister runs durable writes off the request path. Enqueue reports false
// when the job was dropped.
type Persister interface {
	Enqueue(name string, job func(ctx context.Context) error) bool
}

var (
	ErrSessionNotFound  = fmt.Errorf("tracking session %w", types.ErrNotFound)
	ErrSessionNotActive = fmt.Errorf("%w: tracking session not active", types.ErrValidation)
	ErrInvalidState     = fmt.Errorf("%w: invalid session transition", types.ErrValidation)
)

type pair struct {
	participant types.ID
	task        types.ID
}

type entry struct {
	session Session
	route   *ring
	nextSeq int64
}

type Service struct {
	store     SessionStore
	persister Persister
	cfg       config.TrackingConfig
	clock     quartz.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[types.ID]*entry
	// latest session per pair, active or not; older sessions of the pair
	// are only reachable through the store.
	latest map[pair]types.ID
}

func NewService(store SessionStore, persister Persister, cfg config.TrackingConfig, clock quartz.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		persister: persister,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		sessions:  make(map[types.ID]*entry),
		latest:    make(map[pair]types.ID),
	}
}

// Start opens a session for the pair, or returns the one already active.
func (s *Service) Start(ctx context.Context, participantID, taskID types.ID) (Session, error) {
	if participantID == "" || taskID == "" {
		return Session{}, fmt.Errorf("%w: participant and task are required", types.ErrValidation)
	}
	key := pair{participantID, taskID}

	s.mu.Lock()
	if id, ok := s.latest[key]; ok {
		if e := s.sessions[id]; e != nil && e.session.Active() {
			sess := e.session
			s.mu.Unlock()
			return sess, nil
		}
		delete(s.sessions, id)
	}
	sess := Session{
		ID:            types.ID(uuid.NewString()),
		ParticipantID: participantID,
		TaskID:        taskID,
		Status:        StatusActive,
		StartedAt:     s.clock.Now(),
	}
	s.sessions[sess.ID] = &entry{session: sess, route: newRing(s.cfg.RouteBufferSize), nextSeq: 1}
	s.latest[key] = sess.ID
	s.mu.Unlock()

	s.logger.Info("tracking started", "session_id", sess.ID, "participant_id", participantID, "task_id", taskID)
	s.saveSession(ctx, sess)
	return sess, nil
}

// Stop completes the pair's active session. Stopping twice is a no-op.
func (s *Service) Stop(ctx context.Context, participantID, taskID types.ID) error {
	_, err := s.end(ctx, participantID, taskID, StatusCompleted)
	return err
}

func (s *Service) Cancel(ctx context.Context, participantID, taskID types.ID) error {
	_, err := s.end(ctx, participantID, taskID, StatusCancelled)
	return err
}

func (s *Service) end(ctx context.Context, participantID, taskID types.ID, to Status) (Session, error) {
	s.mu.Lock()
	e := s.activeLocked(pair{participantID, taskID})
	if e == nil {
		s.mu.Unlock()
		return Session{}, nil
	}
	if !CanTransition(e.session.Status, to) {
		s.mu.Unlock()
		return Session{}, ErrInvalidState
	}
	now := s.clock.Now()
	e.session.Status = to
	e.session.EndedAt = &now
	sess := e.session
	s.mu.Unlock()

	s.logger.Info("tracking ended", "session_id", sess.ID, "status", to)
	s.saveSession(ctx, sess)
	return sess, nil
}

// OnDisconnect marks every active session of the participant disconnected
// and returns them.
func (s *Service) OnDisconnect(ctx context.Context, participantID types.ID) []Session {
	now := s.clock.Now()
	var ended []Session

	s.mu.Lock()
	for key, id := range s.latest {
		if key.participant != participantID {
			continue
		}
		e := s.sessions[id]
		if e == nil || !CanTransition(e.session.Status, StatusDisconnected) {
			continue
		}
		e.session.Status = StatusDisconnected
		e.session.EndedAt = &now
		ended = append(ended, e.session)
	}
	s.mu.Unlock()

	for _, sess := range ended {
		s.saveSession(ctx, sess)
	}
	if len(ended) > 0 {
		s.logger.Info("tracking disconnected", "participant_id", participantID, "sessions", len(ended))
	}
	return ended
}

// Active returns the pair's active session, if any.
func (s *Service) Active(participantID, taskID types.ID) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.activeLocked(pair{participantID, taskID}); e != nil {
		return e.session, true
	}
	return Session{}, false
}

func (s *Service) activeLocked(key pair) *entry {
	id, ok := s.latest[key]
	if !ok {
		return nil
	}
	e := s.sessions[id]
	if e == nil || !e.session.Active() {
		return nil
	}
	return e
}

// AppendRoutePoint records sample on an active session.
func (s *Service) AppendRoutePoint(ctx context.Context, sessionID types.ID, sample types.Sample) (RoutePoint, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return RoutePoint{}, ErrSessionNotFound
	}
	if !e.session.Active() {
		s.mu.Unlock()
		return RoutePoint{}, ErrSessionNotActive
	}
	p := RoutePoint{
		SessionID:     sessionID,
		ParticipantID: e.session.ParticipantID,
		Seq:           e.nextSeq,
		Sample:        sample,
		RecordedAt:    s.clock.Now(),
	}
	e.nextSeq++
	e.route.push(p)
	s.mu.Unlock()

	if s.store != nil {
		s.persist("route_point", func(ctx context.Context) error {
			return s.store.AppendRoutePoint(ctx, p)
		})
	}
	return p, nil
}

// GetRoute yields the session's points ordered by Seq. Durable history is
// read on every iteration and wins over the buffer for the same Seq; when it
// is unreadable only the buffer is yielded.
func (s *Service) GetRoute(ctx context.Context, sessionID types.ID) iter.Seq[RoutePoint] {
	return func(yield func(RoutePoint) bool) {
		merged := make(map[int64]RoutePoint)

		s.mu.Lock()
		if e, ok := s.sessions[sessionID]; ok {
			for _, p := range e.route.snapshot() {
				merged[p.Seq] = p
			}
		}
		s.mu.Unlock()

		if s.store != nil {
			durable, err := s.store.ListRoute(ctx, sessionID)
			if err != nil {
				s.logger.Warn("route history unavailable", "session_id", sessionID, "error", err)
			}
			for _, p := range durable {
				merged[p.Seq] = p
			}
		}

		for _, p := range slices.SortedFunc(maps.Values(merged), func(a, b RoutePoint) int {
			return cmp.Compare(a.Seq, b.Seq)
		}) {
			if !yield(p) {
				return
			}
		}
	}
}

// RouteForTask resolves the pair's latest session and returns its route.
func (s *Service) RouteForTask(ctx context.Context, taskID, participantID types.ID) (Session, iter.Seq[RoutePoint], error) {
	s.mu.Lock()
	var (
		sess  Session
		found bool
	)
	if id, ok := s.latest[pair{participantID, taskID}]; ok {
		if e := s.sessions[id]; e != nil {
			sess, found = e.session, true
		}
	}
	s.mu.Unlock()

	if !found {
		if s.store == nil {
			return Session{}, nil, ErrSessionNotFound
		}
		var err error
		sess, err = s.store.LatestSession(ctx, participantID, taskID)
		if errors.Is(err, types.ErrNotFound) {
			return Session{}, nil, ErrSessionNotFound
		}
		if err != nil {
			return Session{}, nil, fmt.Errorf("loading latest session: %w", err)
		}
	}
	return sess, s.GetRoute(ctx, sess.ID), nil
}

func (s *Service) saveSession(ctx context.Context, sess Session) {
	if s.store == nil {
		return
	}
	s.persist("session", func(ctx context.Context) error {
		return s.store.SaveSession(ctx, sess)
	})
}

func (s *Service) persist(name string, job func(context.Context) error) {
	if s.persister != nil {
		if !s.persister.Enqueue(name, job) {
			s.logger.Warn("persist queue full, dropping write", "job", name)
		}
		return
	}
	if err := job(context.Background()); err != nil {
		s.logger.Error("persist failed", "job", name, "error", err)
	}
}
