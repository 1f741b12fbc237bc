// README: Privacy service owns per-participant settings and every egress decision.
package privacy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/singleflight"

	"waypoint/internal/types"
)

type SettingsStore interface {
	LoadSettings(ctx context.Context, id types.ID) (Settings, error)
	SaveSettings(ctx context.Context, id types.ID, s Settings) error
}

type AuditSink interface {
	AppendAccessEvent(ctx context.Context, e AccessEvent) error
}

var ErrInvalidSettings = fmt.Errorf("%w: invalid privacy settings", types.ErrValidation)

type Service struct {
	store  SettingsStore
	audit  AuditSink
	cipher *Cipher
	clock  quartz.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	settings map[types.ID]Settings
	loads    singleflight.Group
}

type Option func(*Service)

func WithClock(c quartz.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithAudit(a AuditSink) Option {
	return func(s *Service) { s.audit = a }
}

// NewService builds the privacy filter. store may be nil, in which case
// settings live only in memory.
func NewService(store SettingsStore, cipher *Cipher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		cipher:   cipher,
		clock:    quartz.NewReal(),
		logger:   logger,
		settings: make(map[types.ID]Settings),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the participant's settings, creating defaults on first access.
func (s *Service) Settings(ctx context.Context, id types.ID) (Settings, error) {
	s.mu.RLock()
	st, ok := s.settings[id]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	v, err, _ := s.loads.Do(string(id), func() (any, error) {
		return s.load(ctx, id)
	})
	if err != nil {
		return Settings{}, err
	}
	return v.(Settings), nil
}

func (s *Service) load(ctx context.Context, id types.ID) (Settings, error) {
	s.mu.RLock()
	st, ok := s.settings[id]
	s.mu.RUnlock()
	if ok {
		return st, nil
	}

	created := false
	if s.store != nil {
		loaded, err := s.store.LoadSettings(ctx, id)
		switch {
		case err == nil:
			st = loaded
		case errors.Is(err, types.ErrNotFound):
			st, created = DefaultSettings(), true
		default:
			// Serving defaults here could expose someone who disabled sharing.
			return Settings{}, fmt.Errorf("%w: loading privacy settings: %v", types.ErrUnavailable, err)
		}
	} else {
		st, created = DefaultSettings(), true
	}

	if created {
		st.UpdatedAt = s.clock.Now()
		if s.store != nil {
			if err := s.store.SaveSettings(ctx, id, st); err != nil {
				s.logger.Warn("persist default privacy settings", "participant_id", id, "error", err)
			}
		}
	}

	s.mu.Lock()
	if existing, ok := s.settings[id]; ok {
		st = existing
	} else {
		s.settings[id] = st
	}
	s.mu.Unlock()
	return st, nil
}

// UpdateSettings applies a partial update owned by the participant.
func (s *Service) UpdateSettings(ctx context.Context, id types.ID, patch SettingsPatch) (Settings, error) {
	if patch.Precision != nil && !patch.Precision.Valid() {
		return Settings{}, fmt.Errorf("%w: unknown precision level", ErrInvalidSettings)
	}
	if patch.HistoryRetentionDays != nil && *patch.HistoryRetentionDays < 0 {
		return Settings{}, fmt.Errorf("%w: retention must not be negative", ErrInvalidSettings)
	}
	if patch.AnonymizeAfterHours != nil && *patch.AnonymizeAfterHours < 0 {
		return Settings{}, fmt.Errorf("%w: anonymize window must not be negative", ErrInvalidSettings)
	}

	current, err := s.Settings(ctx, id)
	if err != nil {
		return Settings{}, err
	}
	next := patch.apply(current)
	next.UpdatedAt = s.clock.Now()

	if s.store != nil {
		if err := s.store.SaveSettings(ctx, id, next); err != nil {
			return Settings{}, fmt.Errorf("%w: saving privacy settings: %v", types.ErrUnavailable, err)
		}
	}
	s.mu.Lock()
	s.settings[id] = next
	s.mu.Unlock()
	return next, nil
}

// CheckIngress must pass before any cache mutation for id.
func (s *Service) CheckIngress(ctx context.Context, id types.ID) error {
	st, err := s.Settings(ctx, id)
	if err != nil {
		return err
	}
	if !st.SharingEnabled {
		return ErrSharingDisabled
	}
	return nil
}

type ViewRequest struct {
	OwnerID  types.ID
	ViewerID types.ID
	Context  ViewContext
	// Reason is required for emergency lookups and lands in the audit log.
	Reason string
}

// FilterForViewer applies Filter and records an access event for every
// emergency lookup, whatever the outcome.
func (s *Service) FilterForViewer(ctx context.Context, raw types.Sample, owner Settings, req ViewRequest) (Filtered, error) {
	out, err := Filter(raw, owner, req.OwnerID == req.ViewerID, req.Context)
	if req.Context == ContextEmergency {
		s.RecordAccess(ctx, AccessEvent{
			ViewerID: req.ViewerID,
			OwnerID:  req.OwnerID,
			Context:  req.Context,
			Reason:   req.Reason,
			Granted:  err == nil,
		})
	}
	return out, err
}

// RecordAccess writes an audit record. Failures to persist are logged only.
func (s *Service) RecordAccess(ctx context.Context, e AccessEvent) {
	if e.At.IsZero() {
		e.At = s.clock.Now()
	}
	s.logger.Info("location access",
		"viewer_id", e.ViewerID,
		"owner_id", e.OwnerID,
		"context", e.Context,
		"reason", e.Reason,
		"granted", e.Granted,
	)
	if s.audit == nil {
		return
	}
	if err := s.audit.AppendAccessEvent(ctx, e); err != nil {
		s.logger.Error("persist access event", "owner_id", e.OwnerID, "error", err)
	}
}

func (s *Service) Encrypt(id types.ID, sample types.Sample) (EncryptedBlob, error) {
	return s.cipher.Encrypt(id, sample)
}

func (s *Service) Decrypt(id types.ID, blob EncryptedBlob) (types.Sample, error) {
	return s.cipher.Decrypt(id, blob)
}

func (s *Service) now() time.Time {
	return s.clock.Now()
}
