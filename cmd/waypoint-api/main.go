// README: Entry point; loads config, wires services, starts HTTP server and background sweepers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"waypoint/internal/config"
	httptransport "waypoint/internal/http"
	"waypoint/internal/infra"
	"waypoint/internal/maps"
	"waypoint/internal/modules/dispatch"
	"waypoint/internal/modules/geofence"
	"waypoint/internal/modules/location"
	"waypoint/internal/modules/privacy"
	"waypoint/internal/modules/tracking"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := infra.NewLogger(os.Stdout, cfg.LogLevel)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		log.Fatal("WAYPOINT_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("firebase init: %v", err)
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		log.Fatalf("firebase auth: %v", err)
	}
	messaging, err := infra.NewMessaging(ctx, app)
	if err != nil {
		log.Fatalf("firebase messaging: %v", err)
	}

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer dbPool.Close()

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		log.Fatal(err)
	}
	defer redisClient.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := dispatch.NewMetrics(reg)
	if err != nil {
		log.Fatal(err)
	}

	clock := quartz.NewReal()
	persister := dispatch.NewPersister(cfg.Dispatch.PersistQueueDepth, cfg.Dispatch.PersistWorkers, logger, metrics)

	cipher, err := privacy.NewCipher([]byte(cfg.Privacy.EncryptionSecret))
	if err != nil {
		log.Fatal(err)
	}
	privacyStore := privacy.NewStore(dbPool)
	privacySvc := privacy.NewService(privacyStore, cipher, logger.With("module", "privacy"),
		privacy.WithClock(clock), privacy.WithAudit(privacyStore))

	locationIndex := location.NewRedisIndex(redisClient, cfg.Location.StaleAfter)
	locationSvc := location.NewService(locationIndex, privacySvc, cfg.Location, clock, logger.With("module", "location"))

	trackingStore := tracking.NewStore(dbPool)
	trackingSvc := tracking.NewService(trackingStore, persister, cfg.Tracking, clock, logger.With("module", "tracking"))

	geofenceStore := geofence.NewStore(dbPool)
	deps := geofence.Deps{Store: geofenceStore, Tasks: geofenceStore, Persister: persister}
	if cfg.Maps.APIKey != "" {
		geocoder, err := maps.NewGeocoder(cfg.Maps.APIKey, cfg.Maps.Region)
		if err != nil {
			log.Fatalf("maps init: %v", err)
		}
		deps.Geocoder = geocoder
	}
	geofenceSvc := geofence.NewService(deps, cfg.Geofence, clock, logger.With("module", "geofence"))
	if err := geofenceSvc.Load(ctx); err != nil {
		log.Fatalf("loading geofences: %v", err)
	}

	var limiter dispatch.RateLimiter = dispatch.NewMemoryLimiter(cfg.Dispatch.RateLimitReports, cfg.Dispatch.RateLimitWindow, clock)
	if cfg.Dispatch.RateLimiterBackend == "redis" {
		limiter = dispatch.NewRedisLimiter(redisClient, cfg.Dispatch.RateLimitReports, cfg.Dispatch.RateLimitWindow, clock)
	}

	hub := dispatch.NewHub(cfg.Dispatch.StreamBuffer)
	dispatchSvc := dispatch.NewService(dispatch.Deps{
		Location:  locationSvc,
		Tracking:  trackingSvc,
		Geofence:  geofenceSvc,
		Privacy:   privacySvc,
		Hub:       hub,
		Limiter:   limiter,
		Persister: persister,
		History:   privacyStore,
		Pusher:    dispatch.NewFCMPusher(messaging),
		Metrics:   metrics,
		Tasks:     trackingStore,
	}, cfg.Dispatch, clock, logger.With("module", "dispatch"))

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Dispatch: dispatchSvc,
		Hub:      hub,
		Geofence: geofenceSvc,
		Privacy:  privacySvc,
		Verifier: verifier,
		Metrics:  reg,
		Logger:   logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go locationSvc.RunPurge(ctx)
	go privacySvc.RunRetention(ctx, privacyStore, cfg.Privacy.RetentionInterval)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}()

	logger.Info("listening", "addr", cfg.HTTP.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}

	dispatchSvc.Close()
	persister.Close()
	logger.Info("stopped")
}
