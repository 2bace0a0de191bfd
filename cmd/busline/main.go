package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"busline/internal/cache"
	"busline/internal/clock"
	"busline/internal/config"
	"busline/internal/domain"
	"busline/internal/geo"
	"busline/internal/handler"
	"busline/internal/hub"
	"busline/internal/ingestor"
	"busline/internal/lockstore"
	"busline/internal/metrics"
	"busline/internal/middleware"
	"busline/internal/postgres"
	"busline/internal/publisher"
	"busline/internal/reservation"
	"busline/internal/store"
	"busline/internal/tracking"
	"busline/pkg/gtfsrt"
)

// repository is what the service needs from its durable store, satisfied
// by both the Postgres and the in-memory implementation.
type repository interface {
	GetTrip(ctx context.Context, id string) (*domain.Trip, error)
	SetSeatState(ctx context.Context, tripID, seatID string, state domain.SeatState) error
	ActiveTripForVehicle(ctx context.Context, vehicleID string, now time.Time) (*domain.Trip, error)
	ReviseArrival(ctx context.Context, tripID string, arrival time.Time) error

	GetRoute(ctx context.Context, id string) (*domain.Route, error)
	PutRoute(ctx context.Context, route *domain.Route) (*domain.Route, error)
	PutStop(ctx context.Context, s domain.Stop) error
	ListRoutes(ctx context.Context) ([]*domain.Route, error)
	NearestStops(ctx context.Context, pos geo.Coordinate, n int) ([]domain.Stop, error)

	CreateBooking(ctx context.Context, b *domain.Booking) error
	GetBooking(ctx context.Context, id string) (*domain.Booking, error)
	OnSubmit(ctx context.Context, b *domain.Booking) error
	UpdateBookingStatus(ctx context.Context, id string, status domain.BookingStatus, at time.Time) error

	ActiveDeviation(ctx context.Context, routeID string, now time.Time) (*domain.Deviation, error)
	CreateIfNoneActive(ctx context.Context, d *domain.Deviation) (bool, error)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("starting busline server",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"redis_enabled", cfg.RedisEnabled,
		"postgres_enabled", cfg.DatabaseURL != "",
		"nats_enabled", cfg.NATSEnabled,
		"gtfsrt_enabled", cfg.GTFSRTEnabled,
		"gtfs_enabled", cfg.GTFSEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}
	collector := metrics.NewCollector()

	var (
		repo     repository
		readings ingestor.ReadingLog
		pingers  = make(map[string]handler.Pinger)
	)
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate schema", "error", err)
			os.Exit(1)
		}
		repo = postgres.NewRepository(pool)
		readings = postgres.NewReadingLog(pool)
		pingers["postgres"] = pool
		logger.Info("postgres connected")
	} else {
		repo = store.NewRepository()
		readings = store.NewReadingLog()
		logger.Warn("DATABASE_URL not set, records are kept in memory")
	}

	var (
		kv         lockstore.KeyValueStore
		routes     handler.RouteLister = repo
		routeCache *cache.RouteCache
	)
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisCache.Close()
		kv = redisCache
		pingers["redis"] = redisCache

		routeCache = cache.NewRouteCache(redisCache, repo, cfg.RouteCacheTTL, collector, logger)
		if err := routeCache.WarmAll(ctx); err != nil {
			logger.Warn("route cache warm-up failed", "error", err)
		}
		routes = routeCache
		logger.Info("redis connected", "addr", cfg.RedisAddr)
	} else {
		kv = cache.NewMemoryStore(clk)
		logger.Warn("redis disabled, seat locks are local to this process")
	}

	var catalog *ingestor.CatalogImporter
	if cfg.GTFSEnabled {
		catalog = ingestor.NewCatalogImporter(cfg.GTFSURL, repo, cfg.GTFSCacheDir, cfg.GTFSUpdateInterval, logger)
		if routeCache != nil {
			catalog.SetOnUpdate(func(ctx context.Context, routeIDs []string) {
				for _, id := range routeIDs {
					if err := routeCache.Invalidate(ctx, id); err != nil {
						logger.Warn("failed to invalidate cached route", "route_id", id, "error", err)
					}
				}
			})
		}
	}

	var alerts tracking.AlertIssuer = publisher.NewLogIssuer(logger)
	if cfg.NATSEnabled {
		natsIssuer, err := publisher.NewNATSIssuer(cfg.NATSURL, collector, logger)
		if err != nil {
			logger.Error("failed to connect to nats", "error", err)
			os.Exit(1)
		}
		defer natsIssuer.Close()
		alerts = natsIssuer
	}

	wsHub := hub.NewHub(logger)

	locks := lockstore.New(kv, lockstore.DefaultTTL, clk, collector, logger)
	engine := reservation.NewEngine(locks, repo, repo, clk, logger)
	engine.SetNotifier(wsHub)
	engine.SetMetrics(collector)
	locks.OnExpire(engine.HandleExpiredLock)

	detector := tracking.NewDetector(repo, repo, alerts, logger)
	detector.SetArrivalReviser(repo)
	detector.SetMetrics(collector)

	vehicleStore := store.New(cfg.VehicleStaleAfter, clk)
	ing := ingestor.New(readings, vehicleStore, repo, routes, detector, wsHub, clk, ingestor.Options{
		Workers:           cfg.IngestWorkers,
		ZoomLevel:         cfg.TileZoomLevel,
		PollInterval:      cfg.PollInterval,
		Retention:         cfg.ReadingRetention,
		RetentionInterval: cfg.RetentionInterval,
	}, logger)
	ing.SetMetrics(collector)
	if cfg.GTFSRTEnabled {
		ing.SetSource(gtfsrt.New(cfg.GTFSRTURL))
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist, clk, logger)
	limiter.SetMetrics(collector)
	limited := limiter.Middleware

	httpHandler := handler.NewHTTPHandler(vehicleStore, clk)
	wsHandler := handler.NewWSHandler(wsHub, vehicleStore, cfg.TileZoomLevel, logger)
	healthHandler := handler.NewHealthHandler(vehicleStore, clk)
	healthHandler.AddProbe("ingestor", ing)
	if catalog != nil {
		healthHandler.AddProbe("catalog", catalog)
	}
	for name, p := range pingers {
		healthHandler.AddPinger(name, p)
	}
	statsHandler := handler.NewStatsHandler(vehicleStore, wsHub, locks, ing, limiter)
	bookingHandler := handler.NewBookingHandler(engine, logger)
	trackingHandler := handler.NewTrackingHandler(ing, repo, routes, repo, vehicleStore, clk)
	routeHandler := handler.NewRouteHandler(routes)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/vehicles", httpHandler.ListVehicles)
	mux.HandleFunc("GET /v1/vehicles/{key}", httpHandler.GetVehicle)
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)

	mux.HandleFunc("GET /v1/trips/{id}/seats", bookingHandler.GetSeats)
	mux.Handle("POST /v1/trips/{id}/locks", limited(http.HandlerFunc(bookingHandler.LockSeats)))
	mux.Handle("POST /v1/trips/{id}/reservations", limited(http.HandlerFunc(bookingHandler.CreateReservation)))
	mux.Handle("POST /v1/bookings/{id}/confirm", limited(http.HandlerFunc(bookingHandler.ConfirmBooking)))
	mux.Handle("POST /v1/bookings/{id}/cancel", limited(http.HandlerFunc(bookingHandler.CancelBooking)))

	mux.HandleFunc("POST /v1/gps", trackingHandler.PostReading)
	mux.HandleFunc("GET /v1/trips/{id}/position", trackingHandler.GetPosition)
	mux.HandleFunc("GET /v1/trips/{id}/eta", trackingHandler.GetETA)
	mux.HandleFunc("GET /v1/routes", routeHandler.ListRoutes)
	mux.HandleFunc("GET /v1/routes/{id}", routeHandler.GetRoute)
	mux.HandleFunc("GET /v1/routes/{id}/deviation", trackingHandler.GetRouteDeviation)

	mux.HandleFunc("GET /v1/stats", statsHandler.GetStats)
	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", collector.Handler())
	}

	var root http.Handler = mux
	root = handler.GzipMiddleware(root)
	root = handler.CORSMiddleware(cfg.CORSOrigins)(root)
	root = handler.LoggingMiddleware(logger)(root)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      root,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go wsHub.Run(ctx)
	go locks.Run(ctx, cfg.LockSweepInterval)
	go limiter.Run(ctx)
	go ing.Run(ctx)
	if catalog != nil {
		go catalog.Start(ctx)
	}

	go func() {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
