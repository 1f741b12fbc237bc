package http_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"waypoint/internal/config"
	httptransport "waypoint/internal/http"
	"waypoint/internal/infra"
	"waypoint/internal/modules/dispatch"
	"waypoint/internal/modules/geofence"
	"waypoint/internal/modules/location"
	"waypoint/internal/modules/privacy"
	"waypoint/internal/modules/tracking"
	"waypoint/internal/types"
)

// uidVerifier treats the bearer token itself as the uid.
type uidVerifier struct{}

func (uidVerifier) VerifyIDToken(_ context.Context, token string) (*infra.FirebaseToken, error) {
	if token == "invalid" {
		return nil, errors.New("bad token")
	}
	return &infra.FirebaseToken{UID: token, Claims: map[string]any{}}, nil
}

// taskDirectory lists the participants of the tasks used below.
type taskDirectory map[string][]string

func (d taskDirectory) IsTaskParticipant(_ context.Context, taskID, participantID types.ID) (bool, error) {
	return slices.Contains(d[string(taskID)], string(participantID)), nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.DiscardHandler)
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	reg := prometheus.NewRegistry()
	metrics, err := dispatch.NewMetrics(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	cipher, err := privacy.NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	privacySvc := privacy.NewService(nil, cipher, logger, privacy.WithClock(clock))
	locationSvc := location.NewService(location.NewMemoryIndex(), privacySvc,
		config.LocationConfig{StaleAfter: 10 * time.Minute, NearbyLimit: 50}, clock, logger)
	trackingSvc := tracking.NewService(nil, nil, config.TrackingConfig{RouteBufferSize: 100}, clock, logger)
	geofenceSvc := geofence.NewService(geofence.Deps{}, config.GeofenceConfig{DwellThreshold: time.Minute}, clock, logger)
	hub := dispatch.NewHub(16)

	cfg := config.DispatchConfig{
		Lanes:            4,
		LaneQueueDepth:   16,
		BroadcastRadiusM: 2000,
		AnonymizeRadiusM: 300,
		RateLimitReports: 3,
		RateLimitWindow:  time.Minute,
	}
	svc := dispatch.NewService(dispatch.Deps{
		Location: locationSvc,
		Tracking: trackingSvc,
		Geofence: geofenceSvc,
		Privacy:  privacySvc,
		Hub:      hub,
		Limiter:  dispatch.NewMemoryLimiter(cfg.RateLimitReports, cfg.RateLimitWindow, clock),
		Metrics:  metrics,
		Tasks: taskDirectory{
			"task-1": {"alice", "bob", "poster"},
			"task-2": {"alice", "bob"},
		},
	}, cfg, clock, logger)
	t.Cleanup(svc.Close)

	return httptransport.NewRouter(httptransport.ServerDeps{
		Dispatch: svc,
		Hub:      hub,
		Geofence: geofenceSvc,
		Privacy:  privacySvc,
		Verifier: uidVerifier{},
		Metrics:  reg,
		Logger:   logger,
	})
}

func do(r http.Handler, method, path, uid string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		req.Header.Set("Authorization", "Bearer "+uid)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	r := newTestRouter(t)
	if w := do(r, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics = %d", w.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	r := newTestRouter(t)
	if w := do(r, http.MethodGet, "/api/privacy/settings", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/privacy/settings", "invalid", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", w.Code)
	}
}

func TestReport(t *testing.T) {
	r := newTestRouter(t)
	tests := []struct {
		name string
		body any
		want int
		msg  string
	}{
		{"ok", map[string]any{"latitude": 40.7128, "longitude": -74.006, "accuracy_meters": 5}, http.StatusOK, ""},
		{"zero coordinates", map[string]any{"latitude": 0, "longitude": 0}, http.StatusOK, ""},
		{"missing longitude", map[string]any{"latitude": 40.7}, http.StatusBadRequest, "latitude and longitude are required"},
		{"non-numeric accuracy", map[string]any{"latitude": 1, "longitude": 1, "accuracy_meters": "high"}, http.StatusBadRequest, "invalid request body"},
		{"latitude out of range", map[string]any{"latitude": 91, "longitude": 0}, http.StatusBadRequest, ""},
		{"negative accuracy", map[string]any{"latitude": 1, "longitude": 1, "accuracy_meters": -1}, http.StatusBadRequest, ""},
		{"bad task id", map[string]any{"latitude": 1, "longitude": 1, "task_id": "a/b"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/location/report", "user-"+strings.ReplaceAll(tt.name, " ", "-"), tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.msg != "" {
				if got := decode[map[string]string](t, w)["error"]; got != tt.msg {
					t.Fatalf("error = %q, want %q", got, tt.msg)
				}
			}
		})
	}
}

func TestReport_RateLimited(t *testing.T) {
	r := newTestRouter(t)
	body := map[string]any{"latitude": 40.7128, "longitude": -74.006}
	for i := 0; i < 3; i++ {
		if w := do(r, http.MethodPost, "/api/location/report", "alice", body); w.Code != http.StatusOK {
			t.Fatalf("report %d = %d", i, w.Code)
		}
	}
	if w := do(r, http.MethodPost, "/api/location/report", "alice", body); w.Code != http.StatusTooManyRequests {
		t.Fatalf("4th report = %d, want 429", w.Code)
	}
}

func TestReport_SharingDisabledIsForbidden(t *testing.T) {
	r := newTestRouter(t)
	if w := do(r, http.MethodPatch, "/api/privacy/settings", "alice", map[string]any{"sharing_enabled": false}); w.Code != http.StatusOK {
		t.Fatalf("patch = %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/location/report", "alice", map[string]any{"latitude": 1, "longitude": 1})
	if w.Code != http.StatusForbidden {
		t.Fatalf("report = %d, want 403", w.Code)
	}
	if got := decode[map[string]string](t, w)["reason"]; got != "sharing_disabled" {
		t.Fatalf("reason = %q", got)
	}
}

func TestPrivacySettings(t *testing.T) {
	r := newTestRouter(t)
	st := decode[privacy.Settings](t, do(r, http.MethodGet, "/api/privacy/settings", "alice", nil))
	if st.Precision != privacy.PrecisionApproximate || !st.SharingEnabled {
		t.Fatalf("defaults = %+v", st)
	}

	w := do(r, http.MethodPatch, "/api/privacy/settings", "alice", map[string]any{"precision_level": "city"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch = %d", w.Code)
	}
	if st := decode[privacy.Settings](t, w); st.Precision != privacy.PrecisionCity || !st.SharingEnabled {
		t.Fatalf("patched = %+v", st)
	}
	if w := do(r, http.MethodPatch, "/api/privacy/settings", "alice", map[string]any{"precision_level": "street"}); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid precision = %d", w.Code)
	}
}

func TestNearby(t *testing.T) {
	r := newTestRouter(t)
	yes := map[string]any{"share_with_peers": true}
	do(r, http.MethodPatch, "/api/privacy/settings", "alice", yes)
	do(r, http.MethodPost, "/api/location/report", "alice", map[string]any{"latitude": 40.7128, "longitude": -74.006})
	do(r, http.MethodPost, "/api/location/report", "bob", map[string]any{"latitude": 40.7130, "longitude": -74.006})
	do(r, http.MethodPost, "/api/location/report", "carol", map[string]any{"latitude": 40.7131, "longitude": -74.006})

	w := do(r, http.MethodGet, "/api/location/nearby?radius_m=1000", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("nearby = %d", w.Code)
	}
	got := decode[struct {
		Participants []dispatch.NearbyParticipant `json:"participants"`
	}](t, w).Participants
	if len(got) != 1 || got[0].ParticipantID != "alice" || !got[0].Location.IsAnonymized {
		t.Fatalf("nearby = %+v, want only alice anonymized", got)
	}

	if w := do(r, http.MethodGet, "/api/location/nearby?radius_m=-5", "bob", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("negative radius = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/location/nearby", "dave", nil); w.Code != http.StatusNotFound {
		t.Fatalf("viewer without a position = %d, want 404", w.Code)
	}
}

func TestTrackingAndRoute(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodPost, "/api/tasks/task-1/tracking/start", "alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start = %d", w.Code)
	}
	if ack := decode[dispatch.TrackingAck](t, w); ack.TaskID != "task-1" || ack.ParticipantID != "alice" {
		t.Fatalf("ack = %+v", ack)
	}
	for _, lat := range []float64{40.7128, 40.7138} {
		do(r, http.MethodPost, "/api/location/report", "alice", map[string]any{"latitude": lat, "longitude": -74.006, "task_id": "task-1"})
	}
	do(r, http.MethodPost, "/api/tasks/task-1/tracking/stop", "alice", nil)

	w = do(r, http.MethodGet, "/api/tasks/task-1/route/alice", "bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("route = %d", w.Code)
	}
	route := decode[struct {
		Session tracking.Session          `json:"session"`
		Points  []dispatch.RoutePointView `json:"points"`
	}](t, w)
	if route.Session.Status != tracking.StatusCompleted || len(route.Points) != 2 {
		t.Fatalf("route = %+v", route)
	}
	if route.Points[0].Seq >= route.Points[1].Seq || !route.Points[0].Location.IsAnonymized {
		t.Fatalf("points should be ordered and filtered, got %+v", route.Points)
	}

	if w := do(r, http.MethodGet, "/api/tasks/task-2/route/alice", "bob", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown route = %d", w.Code)
	}
}

func TestTaskEndpoints_RejectOutsiders(t *testing.T) {
	r := newTestRouter(t)
	do(r, http.MethodPost, "/api/tasks/task-1/tracking/start", "alice", nil)
	do(r, http.MethodPost, "/api/location/report", "alice", map[string]any{"latitude": 40.7128, "longitude": -74.006, "task_id": "task-1"})

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks/task-1/route/alice"},
		{http.MethodGet, "/api/tasks/task-1/geofence-events"},
		{http.MethodPost, "/api/tasks/task-1/tracking/start"},
		{http.MethodGet, "/api/stream?tasks=task-1"},
	} {
		w := do(r, tc.method, tc.path, "mallory", nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("%s %s = %d, want 403", tc.method, tc.path, w.Code)
		}
		if got := decode[map[string]string](t, w); got["reason"] != "insufficient_scope" {
			t.Fatalf("%s %s reason = %q", tc.method, tc.path, got["reason"])
		}
	}
}

func TestGeofences(t *testing.T) {
	r := newTestRouter(t)
	circle := map[string]any{
		"kind":     "pickup",
		"geometry": map[string]any{"shape": "circle", "center": map[string]any{"latitude": 40.7128, "longitude": -74.006}, "radius_meters": 50},
	}
	w := do(r, http.MethodPost, "/api/tasks/task-1/geofences", "poster", circle)
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d (%s)", w.Code, w.Body.String())
	}
	created := decode[geofence.Geofence](t, w)
	if created.ID == "" || !created.Active || created.Geometry.RadiusMeters != 50 {
		t.Fatalf("created = %+v", created)
	}

	bad := map[string]any{"kind": "pickup", "geometry": map[string]any{"shape": "polygon", "vertices": []any{}}}
	if w := do(r, http.MethodPost, "/api/tasks/task-1/geofences", "poster", bad); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid geometry = %d", w.Code)
	}

	list := decode[struct {
		Geofences []geofence.Geofence `json:"geofences"`
	}](t, do(r, http.MethodGet, "/api/tasks/task-1/geofences", "poster", nil))
	if len(list.Geofences) != 1 || list.Geofences[0].ID != created.ID {
		t.Fatalf("list = %+v", list)
	}

	if w := do(r, http.MethodPost, "/api/tasks/task-1/geofences/setup", "poster", nil); w.Code != http.StatusOK {
		t.Fatalf("setup with existing fences = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/api/tasks/task-9/geofences/setup", "poster", nil); w.Code != http.StatusNotFound {
		t.Fatalf("setup without sites = %d, want 404", w.Code)
	}
	if w := do(r, http.MethodGet, "/api/tasks/task-1/geofence-events", "poster", nil); w.Code != http.StatusOK {
		t.Fatalf("events = %d", w.Code)
	}

	alias := map[string]any{"kind": "safetyZone", "geometry": circle["geometry"]}
	w = do(r, http.MethodPost, "/api/tasks/task-1/geofences", "poster", alias)
	if w.Code != http.StatusCreated {
		t.Fatalf("create with camelCase kind = %d (%s)", w.Code, w.Body.String())
	}
	if g := decode[geofence.Geofence](t, w); g.Kind != geofence.KindSafetyZone {
		t.Fatalf("kind = %q, want %q", g.Kind, geofence.KindSafetyZone)
	}
}

func TestEmergencyAccess(t *testing.T) {
	r := newTestRouter(t)
	do(r, http.MethodPost, "/api/location/report", "alice", map[string]any{"latitude": 40.7128, "longitude": -74.006})

	if w := do(r, http.MethodPost, "/api/emergency/alice/location", "support", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing reason = %d", w.Code)
	}
	w := do(r, http.MethodPost, "/api/emergency/alice/location", "support", map[string]any{"reason": "safety report"})
	if w.Code != http.StatusOK {
		t.Fatalf("emergency = %d", w.Code)
	}
	got := decode[struct {
		Location privacy.Filtered `json:"location"`
	}](t, w)
	if got.Location.IsAnonymized || got.Location.Sample.Lat != 40.7128 {
		t.Fatalf("emergency access should return the exact position, got %+v", got.Location)
	}

	do(r, http.MethodPatch, "/api/privacy/settings", "alice", map[string]any{"allow_emergency_access": false})
	w = do(r, http.MethodPost, "/api/emergency/alice/location", "support", map[string]any{"reason": "safety report"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("disabled emergency access = %d", w.Code)
	}
}

func TestStream_DeliversTaskRoomUpdates(t *testing.T) {
	srv := httptest.NewServer(newTestRouter(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream?tasks=task-1", nil)
	req.Header.Set("Authorization", "Bearer bob")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	post := func(path, uid string, body any) {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+path, &buf)
		req.Header.Set("Authorization", "Bearer "+uid)
		req.Header.Set("Content-Type", "application/json")
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		res.Body.Close()
	}
	post("/api/tasks/task-1/tracking/start", "alice", nil)
	post("/api/location/report", "alice", map[string]any{"latitude": 40.7128, "longitude": -74.006, "task_id": "task-1"})

	scanner := bufio.NewScanner(resp.Body)
	var started, updated bool
	for scanner.Scan() && !(started && updated) {
		switch strings.TrimSpace(scanner.Text()) {
		case "event:" + string(dispatch.KindTrackingStarted):
			started = true
		case "event:" + string(dispatch.KindLocationUpdate):
			updated = true
		}
	}
	if !started || !updated {
		t.Fatalf("stream missed events: started=%v updated=%v err=%v", started, updated, scanner.Err())
	}
}
