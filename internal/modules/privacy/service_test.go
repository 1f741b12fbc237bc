package privacy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"

	"waypoint/internal/types"
)

type mockSettingsStore struct {
	mu      sync.Mutex
	rows    map[types.ID]Settings
	loads   int
	saves   int
	loadErr error
	saveErr error
}

func newMockSettingsStore() *mockSettingsStore {
	return &mockSettingsStore{rows: make(map[types.ID]Settings)}
}

func (m *mockSettingsStore) LoadSettings(_ context.Context, id types.ID) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return Settings{}, m.loadErr
	}
	st, ok := m.rows[id]
	if !ok {
		return Settings{}, types.ErrNotFound
	}
	return st, nil
}

func (m *mockSettingsStore) SaveSettings(_ context.Context, id types.ID, st Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.rows[id] = st
	return nil
}

type mockAudit struct {
	mu     sync.Mutex
	events []AccessEvent
}

func (m *mockAudit) AppendAccessEvent(_ context.Context, e AccessEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func newTestService(t *testing.T, store SettingsStore, audit AuditSink) (*Service, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(store, newTestCipher(t), slog.New(slog.DiscardHandler), WithClock(clock), WithAudit(audit))
	return svc, clock
}

func TestSettings_DefaultsCreatedOnce(t *testing.T) {
	store := newMockSettingsStore()
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := svc.Settings(ctx, "alice")
			if err != nil {
				t.Errorf("settings: %v", err)
				return
			}
			if st.Precision != PrecisionApproximate || !st.SharingEnabled {
				t.Errorf("unexpected defaults: %+v", st)
			}
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.rows["alice"]; !ok {
		t.Fatal("defaults should be persisted")
	}
	if store.saves > 16 || store.saves < 1 {
		t.Fatalf("unexpected save count %d", store.saves)
	}
}

func TestSettings_StoreFailureFailsClosed(t *testing.T) {
	store := newMockSettingsStore()
	store.loadErr = errors.New("connection refused")
	svc, _ := newTestService(t, store, nil)

	if err := svc.CheckIngress(context.Background(), "alice"); !errors.Is(err, types.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestUpdateSettings_Partial(t *testing.T) {
	store := newMockSettingsStore()
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()

	city := PrecisionCity
	peers := true
	st, err := svc.UpdateSettings(ctx, "alice", SettingsPatch{Precision: &city, ShareWithPeers: &peers})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Precision != PrecisionCity || !st.ShareWithPeers {
		t.Fatalf("patch not applied: %+v", st)
	}
	if !st.ShareWithTaskParticipants || st.HistoryRetentionDays != 30 {
		t.Fatalf("untouched fields changed: %+v", st)
	}
	got, _ := svc.Settings(ctx, "alice")
	if got != st {
		t.Fatalf("settings not cached: %+v", got)
	}
	if store.rows["alice"] != st {
		t.Fatalf("settings not persisted")
	}
}

func TestUpdateSettings_Validation(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	bad := Precision("street")
	neg := -1
	for _, patch := range []SettingsPatch{{Precision: &bad}, {HistoryRetentionDays: &neg}, {AnonymizeAfterHours: &neg}} {
		if _, err := svc.UpdateSettings(context.Background(), "alice", patch); !errors.Is(err, types.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", patch, err)
		}
	}
}

func TestUpdateSettings_SaveFailureKeepsOld(t *testing.T) {
	store := newMockSettingsStore()
	svc, _ := newTestService(t, store, nil)
	ctx := context.Background()
	if _, err := svc.Settings(ctx, "alice"); err != nil {
		t.Fatalf("settings: %v", err)
	}

	store.saveErr = errors.New("disk full")
	off := false
	if _, err := svc.UpdateSettings(ctx, "alice", SettingsPatch{SharingEnabled: &off}); err == nil {
		t.Fatal("expected error")
	}
	st, _ := svc.Settings(ctx, "alice")
	if !st.SharingEnabled {
		t.Fatal("failed update must not change cached settings")
	}
}

func TestCheckIngress(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)
	ctx := context.Background()
	if err := svc.CheckIngress(ctx, "alice"); err != nil {
		t.Fatalf("default settings should allow ingress: %v", err)
	}
	off := false
	if _, err := svc.UpdateSettings(ctx, "alice", SettingsPatch{SharingEnabled: &off}); err != nil {
		t.Fatalf("update: %v", err)
	}
	err := svc.CheckIngress(ctx, "alice")
	if !errors.Is(err, ErrSharingDisabled) || types.Reason(err) != "sharing_disabled" {
		t.Fatalf("expected sharing_disabled, got %v", err)
	}
}

func TestFilterForViewer_EmergencyAlwaysAudited(t *testing.T) {
	audit := &mockAudit{}
	svc, _ := newTestService(t, nil, audit)
	ctx := context.Background()

	allowed := DefaultSettings()
	if _, err := svc.FilterForViewer(ctx, nyc, allowed, ViewRequest{OwnerID: "alice", ViewerID: "ops", Context: ContextEmergency, Reason: "sos"}); err != nil {
		t.Fatalf("emergency allowed: %v", err)
	}
	denied := DefaultSettings()
	denied.AllowEmergencyAccess = false
	if _, err := svc.FilterForViewer(ctx, nyc, denied, ViewRequest{OwnerID: "alice", ViewerID: "ops", Context: ContextEmergency, Reason: "sos"}); !errors.Is(err, ErrEmergencyDisabled) {
		t.Fatalf("expected ErrEmergencyDisabled, got %v", err)
	}
	if _, err := svc.FilterForViewer(ctx, nyc, allowed, ViewRequest{OwnerID: "alice", ViewerID: "bob", Context: ContextTask}); err != nil {
		t.Fatalf("task view: %v", err)
	}

	if len(audit.events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(audit.events))
	}
	if !audit.events[0].Granted || audit.events[1].Granted {
		t.Fatalf("unexpected grant flags: %+v", audit.events)
	}
	if audit.events[0].Reason != "sos" || audit.events[0].At.IsZero() {
		t.Fatalf("audit event incomplete: %+v", audit.events[0])
	}
}

type mockHistory struct {
	ids        []types.ID
	purged     map[types.ID]time.Time
	anonymized map[types.ID]time.Time
}

func (m *mockHistory) ListParticipants(context.Context) ([]types.ID, error) { return m.ids, nil }
func (m *mockHistory) PurgeHistoryBefore(_ context.Context, id types.ID, cutoff time.Time) (int64, error) {
	m.purged[id] = cutoff
	return 1, nil
}
func (m *mockHistory) AnonymizeRoutesBefore(_ context.Context, id types.ID, cutoff time.Time) (int64, error) {
	m.anonymized[id] = cutoff
	return 1, nil
}

func TestSweepRetention(t *testing.T) {
	svc, clock := newTestService(t, nil, nil)
	ctx := context.Background()
	zero := 0
	if _, err := svc.UpdateSettings(ctx, "bob", SettingsPatch{HistoryRetentionDays: &zero, AnonymizeAfterHours: &zero}); err != nil {
		t.Fatalf("update: %v", err)
	}

	h := &mockHistory{ids: []types.ID{"alice", "bob"}, purged: map[types.ID]time.Time{}, anonymized: map[types.ID]time.Time{}}
	svc.SweepRetention(ctx, h)

	now := clock.Now()
	if got := h.purged["alice"]; !got.Equal(now.AddDate(0, 0, -30)) {
		t.Fatalf("alice purge cutoff = %v", got)
	}
	if got := h.anonymized["alice"]; !got.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("alice anonymize cutoff = %v", got)
	}
	if _, ok := h.purged["bob"]; ok {
		t.Fatal("zero retention means keep forever")
	}
}
