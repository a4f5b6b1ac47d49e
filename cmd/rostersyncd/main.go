package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	api "github.com/coursekit/roster-sync/internal/api/http"
	"github.com/coursekit/roster-sync/internal/config"
	"github.com/coursekit/roster-sync/internal/db"
	"github.com/coursekit/roster-sync/internal/keys"
	"github.com/coursekit/roster-sync/internal/lti"
	"github.com/coursekit/roster-sync/internal/store"
)

func main() {
	cfg := config.FromEnv()

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}
	st := &store.SQLStore{DB: dbh}

	syncer := &lti.Syncer{
		Classes:   st,
		Roles:     st,
		Providers: st,
		Keys:      &keys.SQLProvider{DB: dbh},
		Mapper:    lti.DefaultRoleMapper{},

		AllowedPlatformHosts: cfg.AllowedPlatformHosts,
		DevHTTPHosts:         cfg.DevHTTPHosts,
		Dev:                  cfg.IsDev(),

		SyncWait:      time.Duration(cfg.SyncWaitSeconds) * time.Second,
		RefreshBuffer: time.Duration(cfg.TokenRefreshBufferSeconds) * time.Second,
		FallbackTTL:   time.Duration(cfg.TokenFallbackTTLSeconds) * time.Second,

		Savepoints: st,
		Log:        logger,
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", api.HealthzHandler())
	syncAPI := &api.SyncAPI{
		Syncer:           syncer,
		Log:              logger,
		OperatorUser:     cfg.OperatorUser,
		OperatorPassHash: cfg.OperatorPassHash,
	}
	syncAPI.Routes(r)

	// --- Scripted batch loop ---
	if cfg.BatchIntervalSeconds > 0 {
		go runBatchLoop(context.Background(), syncer, logger,
			time.Duration(cfg.BatchIntervalSeconds)*time.Second)
	}

	logger.Info("rostersyncd listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("allowed_platform_hosts", cfg.AllowedPlatformHosts))
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, r))
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsDev() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// runBatchLoop periodically syncs every due class. A global configuration
// error aborts the batch; the loop keeps ticking so a config fix takes
// effect without a restart.
func runBatchLoop(ctx context.Context, syncer *lti.Syncer, logger *zap.Logger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := syncer.SyncAllDue(ctx); err != nil {
			logger.Error("scripted sync batch aborted", zap.Error(err))
		}
	}
}
