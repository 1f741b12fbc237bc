// README: Dispatch service runs the report pipeline on per-participant lanes and
// fans filtered updates out to viewers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"waypoint/internal/config"
	"waypoint/internal/modules/geofence"
	"waypoint/internal/modules/location"
	"waypoint/internal/modules/privacy"
	"waypoint/internal/modules/tracking"
	"waypoint/internal/types"
)

// HistorySink stores sealed samples; privacy.Store implements it.
type HistorySink interface {
	AppendHistory(ctx context.Context, id types.ID, blob privacy.EncryptedBlob, capturedAt time.Time) error
}

var (
	ErrRateLimited     = fmt.Errorf("location report %w", types.ErrRateLimited)
	ErrMissingReason   = fmt.Errorf("%w: emergency access requires a reason", types.ErrValidation)
	ErrMissingIdentity = fmt.Errorf("%w: missing participant id", types.ErrValidation)
)

// fanoutTimeout bounds the viewer lookups done for one report.
const fanoutTimeout = 5 * time.Second

type Deps struct {
	Location  *location.Service
	Tracking  *tracking.Service
	Geofence  *geofence.Service
	Privacy   *privacy.Service
	Hub       *Hub
	Limiter   RateLimiter
	Persister *Persister
	History   HistorySink
	Pusher    Pusher
	Metrics   *Metrics
	Tasks     TaskDirectory
}

type Service struct {
	location  *location.Service
	tracking  *tracking.Service
	geofence  *geofence.Service
	privacy   *privacy.Service
	hub       *Hub
	limiter   RateLimiter
	persister *Persister
	history   HistorySink
	pusher    Pusher
	metrics   *Metrics
	tasks     TaskDirectory

	cfg    config.DispatchConfig
	clock  quartz.Clock
	logger *slog.Logger

	// lanes serialize each participant's reports and session changes;
	// fanouts deliver the results without holding up ingestion.
	lanes   *lanes
	fanouts *lanes
}

func NewService(deps Deps, cfg config.DispatchConfig, clock quartz.Clock, logger *slog.Logger) *Service {
	return &Service{
		location:  deps.Location,
		tracking:  deps.Tracking,
		geofence:  deps.Geofence,
		privacy:   deps.Privacy,
		hub:       deps.Hub,
		limiter:   deps.Limiter,
		persister: deps.Persister,
		history:   deps.History,
		pusher:    deps.Pusher,
		metrics:   deps.Metrics,
		tasks:     deps.Tasks,
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		lanes:     newLanes(cfg.Lanes, cfg.LaneQueueDepth),
		fanouts:   newLanes(cfg.FanoutLanes, cfg.LaneQueueDepth),
	}
}

// Close stops the lanes. The persister is closed by its owner afterwards.
func (s *Service) Close() {
	s.lanes.close()
	s.fanouts.close()
}

// Report is an accepted-for-processing ingress message.
type Report struct {
	ParticipantID types.ID
	TaskID        types.ID
	Sample        types.Sample
}

// HandleReport runs one report through ingress, cache, tracking and geofence
// evaluation on the participant's lane. Fan-out and persistence happen after
// it returns.
func (s *Service) HandleReport(ctx context.Context, r Report) (ack Ack, err error) {
	start := s.clock.Now()
	defer func() {
		s.metrics.reports.WithLabelValues(reportResult(err)).Inc()
	}()

	if r.ParticipantID == "" {
		return Ack{}, ErrMissingIdentity
	}
	if s.limiter != nil {
		ok, lerr := s.limiter.Allow(ctx, string(r.ParticipantID))
		switch {
		case lerr != nil:
			s.logger.Warn("rate limiter unavailable, admitting report", "participant_id", r.ParticipantID, "error", lerr)
		case !ok:
			return Ack{}, ErrRateLimited
		}
	}
	if r.Sample.CapturedAt.IsZero() {
		r.Sample.CapturedAt = start
	}

	err = s.lanes.do(ctx, string(r.ParticipantID), func(ctx context.Context) error {
		return s.process(ctx, r)
	})
	if err != nil {
		return Ack{}, err
	}
	s.metrics.reportLatency.Observe(s.clock.Since(start).Seconds())
	return Ack{Timestamp: start}, nil
}

func (s *Service) process(ctx context.Context, r Report) error {
	if err := s.location.Update(ctx, r.ParticipantID, r.Sample, r.TaskID); err != nil {
		return err
	}

	var events []geofence.Event
	if r.TaskID != "" {
		if sess, ok := s.tracking.Active(r.ParticipantID, r.TaskID); ok {
			_, err := s.tracking.AppendRoutePoint(ctx, sess.ID, r.Sample)
			switch {
			case err == nil:
				events = s.geofence.Evaluate(ctx, r.ParticipantID, r.TaskID, r.Sample)
			case errors.Is(err, tracking.ErrSessionNotActive), errors.Is(err, types.ErrNotFound):
				// Stopped between lookup and append; the cache update stands.
			default:
				s.logger.Error("append route point", "session_id", sess.ID, "error", err)
			}
		}
	}
	for _, e := range events {
		s.metrics.geofenceEvents.WithLabelValues(string(e.Type)).Inc()
	}

	s.persistHistory(r)

	if !s.fanouts.post(string(r.ParticipantID), func(context.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), fanoutTimeout)
		defer cancel()
		s.fanout(ctx, r, events)
		return nil
	}) {
		s.logger.Warn("fan-out lane full, dropping update", "participant_id", r.ParticipantID)
	}
	return nil
}

func (s *Service) persistHistory(r Report) {
	if s.history == nil || s.persister == nil {
		return
	}
	blob, err := s.privacy.Encrypt(r.ParticipantID, r.Sample)
	if err != nil {
		s.logger.Error("encrypt sample", "participant_id", r.ParticipantID, "error", err)
		return
	}
	s.persister.Enqueue("location_history", func(ctx context.Context) error {
		return s.history.AppendHistory(ctx, r.ParticipantID, blob, r.Sample.CapturedAt)
	})
}

// fanout sends the filtered update to task-room members and nearby watchers,
// then forwards geofence events to the room.
func (s *Service) fanout(ctx context.Context, r Report, events []geofence.Event) {
	owner, err := s.privacy.Settings(ctx, r.ParticipantID)
	if err != nil {
		s.logger.Warn("fan-out skipped, settings unavailable", "participant_id", r.ParticipantID, "error", err)
		return
	}

	room := make(map[types.ID]bool)
	if r.TaskID != "" {
		for _, id := range s.hub.Members(r.TaskID) {
			if id != r.ParticipantID {
				room[id] = true
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for id := range room {
			s.sendLocation(gctx, r, owner, id, privacy.ContextTask)
		}
		return nil
	})
	if owner.SharingEnabled && owner.ShareWithPeers && s.cfg.BroadcastRadiusM > 0 {
		g.Go(func() error {
			watchers, err := s.location.Nearby(gctx, r.Sample.Point(), s.cfg.BroadcastRadiusM, r.ParticipantID,
				func(st location.State) bool { return !room[st.ParticipantID] && s.hub.Connected(st.ParticipantID) })
			if err != nil {
				s.logger.Warn("nearby watchers unavailable", "participant_id", r.ParticipantID, "error", err)
				return nil
			}
			for _, w := range watchers {
				s.sendLocation(gctx, r, owner, w.ParticipantID, privacy.ContextNearby)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(events) > 0 && owner.GeofenceNotificationsEnabled {
		s.forwardEvents(ctx, r, owner, events)
	}
}

func (s *Service) sendLocation(ctx context.Context, r Report, owner privacy.Settings, viewer types.ID, vc privacy.ViewContext) {
	f, err := s.privacy.FilterForViewer(ctx, r.Sample, owner, privacy.ViewRequest{
		OwnerID:  r.ParticipantID,
		ViewerID: viewer,
		Context:  vc,
	})
	if err != nil {
		return
	}
	if vc == privacy.ContextNearby {
		f = s.presenceHint(f)
	}
	s.send(viewer, Notification{
		Kind: KindLocationUpdate,
		Location: &LocationUpdate{
			ParticipantID: r.ParticipantID,
			Location:      f,
			Timestamp:     r.Sample.CapturedAt,
		},
	})
}

// presenceHint coarsens a nearby result to at least the broadcast anonymity
// radius.
func (s *Service) presenceHint(f privacy.Filtered) privacy.Filtered {
	if s.cfg.AnonymizeRadiusM <= 0 || (f.IsAnonymized && f.AccuracyRadius >= s.cfg.AnonymizeRadiusM) {
		return f
	}
	return privacy.Anonymize(f.Sample, s.cfg.AnonymizeRadiusM)
}

func (s *Service) forwardEvents(ctx context.Context, r Report, owner privacy.Settings, events []geofence.Event) {
	members := s.hub.Members(r.TaskID)
	for _, e := range events {
		for _, id := range members {
			loc := s.eventLocation(ctx, e, owner, id)
			s.send(id, Notification{Kind: KindGeofenceEvent, Geofence: noticeFrom(e, loc)})
		}
		if s.pusher != nil && s.persister != nil {
			s.persister.Enqueue("geofence_push", func(ctx context.Context) error {
				return s.pusher.PushGeofenceEvent(ctx, e)
			})
		}
	}
}

func (s *Service) eventLocation(ctx context.Context, e geofence.Event, owner privacy.Settings, viewer types.ID) *privacy.Filtered {
	f, err := s.privacy.FilterForViewer(ctx, e.Location, owner, privacy.ViewRequest{
		OwnerID:  e.ParticipantID,
		ViewerID: viewer,
		Context:  privacy.ContextTask,
	})
	if err != nil {
		return nil
	}
	return &f
}

// GeofenceEvents lists the task's recorded geofence events as viewerID may
// see them. Positions the viewer may not see are left out.
func (s *Service) GeofenceEvents(ctx context.Context, viewerID, taskID types.ID) ([]GeofenceNotice, error) {
	if err := s.requireTaskParticipant(ctx, taskID, viewerID); err != nil {
		return nil, err
	}
	events, err := s.geofence.ListEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}
	owners := make(map[types.ID]privacy.Settings)
	out := make([]GeofenceNotice, 0, len(events))
	for _, e := range events {
		owner, ok := owners[e.ParticipantID]
		if !ok {
			owner, err = s.privacy.Settings(ctx, e.ParticipantID)
			if err != nil {
				return nil, err
			}
			owners[e.ParticipantID] = owner
		}
		out = append(out, *noticeFrom(e, s.eventLocation(ctx, e, owner, viewerID)))
	}
	return out, nil
}

func (s *Service) send(viewer types.ID, n Notification) {
	delivered, dropped := s.hub.Send(viewer, n)
	s.metrics.recordNotification(n.Kind, delivered, dropped)
}

// StartTracking opens (or returns) the pair's session, joins the task room
// and sets up the task's geofences when none exist yet.
func (s *Service) StartTracking(ctx context.Context, participantID, taskID types.ID) (TrackingAck, error) {
	if err := s.requireTaskParticipant(ctx, taskID, participantID); err != nil {
		return TrackingAck{}, err
	}
	if _, err := s.tracking.Start(ctx, participantID, taskID); err != nil {
		return TrackingAck{}, err
	}
	s.hub.Join(taskID, participantID)

	if len(s.geofence.ListForTask(taskID)) == 0 {
		if _, err := s.geofence.SetupForTask(ctx, taskID); err != nil && !errors.Is(err, types.ErrNotFound) {
			s.logger.Warn("geofence setup failed", "task_id", taskID, "error", err)
		}
	}

	ack := TrackingAck{TaskID: taskID, ParticipantID: participantID}
	s.notifyRoom(taskID, Notification{Kind: KindTrackingStarted, Tracking: &ack})
	return ack, nil
}

// StopTracking completes the pair's session. It runs on the participant's
// lane, so a report already in flight finishes its route append and geofence
// evaluation first. Later reports for the task still update the cache but are
// no longer attributed to the session.
func (s *Service) StopTracking(ctx context.Context, participantID, taskID types.ID) (TrackingAck, error) {
	err := s.lanes.do(ctx, string(participantID), func(ctx context.Context) error {
		if err := s.tracking.Stop(ctx, participantID, taskID); err != nil {
			return err
		}
		s.geofence.ForgetTask(participantID, taskID)
		return nil
	})
	if err != nil {
		return TrackingAck{}, err
	}

	ack := TrackingAck{TaskID: taskID, ParticipantID: participantID}
	s.notifyRoom(taskID, Notification{Kind: KindTrackingStopped, Tracking: &ack})
	s.hub.Leave(taskID, participantID)
	return ack, nil
}

func (s *Service) notifyRoom(taskID types.ID, n Notification) {
	for _, id := range s.hub.Members(taskID) {
		s.send(id, n)
	}
}

// Watch adds a viewer to task rooms without tracking them. Every task must
// list the viewer as a participant; on error no room is joined.
func (s *Service) Watch(ctx context.Context, viewerID types.ID, taskIDs ...types.ID) error {
	for _, t := range taskIDs {
		if err := s.requireTaskParticipant(ctx, t, viewerID); err != nil {
			return err
		}
	}
	for _, t := range taskIDs {
		s.hub.Join(t, viewerID)
	}
	return nil
}

// Disconnect cleans up after a participant's last connection dropped. It runs
// on the participant's lane, after any report already queued.
func (s *Service) Disconnect(ctx context.Context, participantID types.ID) error {
	return s.lanes.do(ctx, string(participantID), func(ctx context.Context) error {
		for _, sess := range s.tracking.OnDisconnect(ctx, participantID) {
			ack := TrackingAck{TaskID: sess.TaskID, ParticipantID: participantID}
			s.hub.Leave(sess.TaskID, participantID)
			s.notifyRoom(sess.TaskID, Notification{Kind: KindTrackingStopped, Tracking: &ack})
		}
		s.geofence.Forget(participantID)
		if f, ok := s.limiter.(interface{ Forget(string) }); ok {
			f.Forget(string(participantID))
		}
		return nil
	})
}

// UpdatePrivacy applies a settings patch. Turning sharing off also drops the
// participant from the live cache.
func (s *Service) UpdatePrivacy(ctx context.Context, participantID types.ID, patch privacy.SettingsPatch) (privacy.Settings, error) {
	var out privacy.Settings
	err := s.lanes.do(ctx, string(participantID), func(ctx context.Context) error {
		st, err := s.privacy.UpdateSettings(ctx, participantID, patch)
		if err != nil {
			return err
		}
		out = st
		if !st.SharingEnabled {
			if err := s.location.Remove(ctx, participantID); err != nil {
				s.logger.Warn("remove location after sharing disabled", "participant_id", participantID, "error", err)
			}
		}
		return nil
	})
	return out, err
}

type NearbyParticipant struct {
	ParticipantID types.ID         `json:"participant_id"`
	Location      privacy.Filtered `json:"location"`
}

// NearbyFor lists participants near the viewer's own cached position, as the
// viewer is allowed to see them. radiusMeters <= 0 uses the broadcast radius.
func (s *Service) NearbyFor(ctx context.Context, viewerID types.ID, radiusMeters float64) ([]NearbyParticipant, error) {
	if radiusMeters <= 0 {
		radiusMeters = s.cfg.BroadcastRadiusM
	}
	center, err := s.location.Get(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	settings := make(map[types.ID]privacy.Settings)
	visible := func(st location.State) bool {
		owner, err := s.privacy.Settings(ctx, st.ParticipantID)
		if err != nil {
			return false
		}
		if _, err := privacy.Filter(st.Sample, owner, false, privacy.ContextNearby); err != nil {
			return false
		}
		settings[st.ParticipantID] = owner
		return true
	}
	hits, err := s.location.Nearby(ctx, center.Point(), radiusMeters, viewerID, visible)
	if err != nil {
		return nil, err
	}

	out := make([]NearbyParticipant, 0, len(hits))
	for _, h := range hits {
		f, err := s.privacy.FilterForViewer(ctx, h.Sample, settings[h.ParticipantID], privacy.ViewRequest{
			OwnerID:  h.ParticipantID,
			ViewerID: viewerID,
			Context:  privacy.ContextNearby,
		})
		if err != nil {
			continue
		}
		out = append(out, NearbyParticipant{ParticipantID: h.ParticipantID, Location: s.presenceHint(f)})
	}
	return out, nil
}

// EmergencyAccess returns the target's location to requester when the target
// allows emergency access. Every call is audited.
func (s *Service) EmergencyAccess(ctx context.Context, requester, target types.ID, reason string) (privacy.Filtered, error) {
	denied := privacy.AccessEvent{ViewerID: requester, OwnerID: target, Context: privacy.ContextEmergency, Reason: reason}
	if reason == "" {
		s.privacy.RecordAccess(ctx, denied)
		return privacy.Filtered{}, ErrMissingReason
	}
	owner, err := s.privacy.Settings(ctx, target)
	if err != nil {
		s.privacy.RecordAccess(ctx, denied)
		return privacy.Filtered{}, err
	}
	raw, err := s.location.Get(ctx, target)
	if err != nil && owner.AllowEmergencyAccess {
		s.privacy.RecordAccess(ctx, denied)
		return privacy.Filtered{}, err
	}
	return s.privacy.FilterForViewer(ctx, raw, owner, privacy.ViewRequest{
		OwnerID:  target,
		ViewerID: requester,
		Context:  privacy.ContextEmergency,
		Reason:   reason,
	})
}

type RoutePointView struct {
	Seq        int64            `json:"seq"`
	Location   privacy.Filtered `json:"location"`
	RecordedAt time.Time        `json:"recorded_at"`
}

// Route returns the latest session route of participantID on taskID as
// viewerID may see it. Viewers other than the participant must take part in
// the task.
func (s *Service) Route(ctx context.Context, viewerID, taskID, participantID types.ID) (tracking.Session, []RoutePointView, error) {
	if viewerID != participantID {
		if err := s.requireTaskParticipant(ctx, taskID, viewerID); err != nil {
			return tracking.Session{}, nil, err
		}
	}
	sess, points, err := s.tracking.RouteForTask(ctx, taskID, participantID)
	if err != nil {
		return tracking.Session{}, nil, err
	}
	owner, err := s.privacy.Settings(ctx, participantID)
	if err != nil {
		return tracking.Session{}, nil, err
	}
	req := privacy.ViewRequest{OwnerID: participantID, ViewerID: viewerID, Context: privacy.ContextTask}

	var out []RoutePointView
	for p := range points {
		f, err := s.privacy.FilterForViewer(ctx, p.Sample, owner, req)
		if err != nil {
			return tracking.Session{}, nil, err
		}
		out = append(out, RoutePointView{Seq: p.Seq, Location: f, RecordedAt: p.RecordedAt})
	}
	return sess, out, nil
}
