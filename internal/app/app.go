// Package app wires the dependency graph for evcore: store adapters first,
// then the Bloom filter snapshot, the SMS dispatch queue, and finally the
// HTTP surface, per the spec §9 init ordering.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chargeflow/evcore/internal/audit"
	"github.com/chargeflow/evcore/internal/bloomfilter"
	"github.com/chargeflow/evcore/internal/config"
	"github.com/chargeflow/evcore/internal/geoindex"
	"github.com/chargeflow/evcore/internal/httpapi"
	"github.com/chargeflow/evcore/internal/httpserver"
	"github.com/chargeflow/evcore/internal/kvstore"
	"github.com/chargeflow/evcore/internal/otp"
	"github.com/chargeflow/evcore/internal/pairing"
	"github.com/chargeflow/evcore/internal/phonecache"
	"github.com/chargeflow/evcore/internal/platform"
	"github.com/chargeflow/evcore/internal/ratelimit"
	"github.com/chargeflow/evcore/internal/relstore"
	"github.com/chargeflow/evcore/internal/session"
	"github.com/chargeflow/evcore/internal/smsqueue"
	"github.com/chargeflow/evcore/internal/stationdiscovery"
	"github.com/chargeflow/evcore/internal/telemetry"
)

// Run is the process entry point: it loads infrastructure clients, then
// dispatches to runAPI or runWorker depending on cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting evcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	// 1. Store adapters (spec §9: "store adapters → bloom filter load →
	// SMS service → queue → HTTP").
	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if cerr := rdb.Close(); cerr != nil {
			logger.Error("closing redis client", "error", cerr)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	rel := relstore.New(db)
	store := kvstore.New(rdb)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, rel, store, db)
	case "worker":
		return runWorker(ctx, cfg, logger, store)
	default:
		return fmt.Errorf("unknown mode %q: must be \"api\" or \"worker\"", cfg.Mode)
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, rel *relstore.Store, store *kvstore.Store, db *pgxpool.Pool) error {
	// 2. Bloom existence filter (C4): load a snapshot if one was saved by a
	// previous process. A cold start with no snapshot populates the filter
	// from C2 directly (ListAllPhones) rather than serving from an empty,
	// uninitialized filter — phonecache.Checker refuses to trust a
	// negative Test() until Initialized() is true, so this rebuild is what
	// lets the bloom tier actually short-circuit anything.
	bloomCfg := bloomfilter.Config{
		ExpectedPhones:  cfg.BloomExpectedPhones,
		ErrorRate:       cfg.BloomErrorRate,
		RefreshInterval: time.Duration(cfg.BloomRefreshHours) * time.Hour,
	}
	bf := bloomfilter.New(store, logger, bloomCfg)
	bf.OnFalsePositive(func() { telemetry.BloomFalsePositivesTotal.Inc() })
	if loaded, err := bf.LoadSnapshot(ctx); err != nil {
		logger.Warn("bloom filter: loading snapshot failed, starting empty", "error", err)
	} else if !loaded {
		logger.Info("bloom filter: no snapshot found, populating from database")
		if err := rebuildBloomFilter(ctx, rel, bf, bloomCfg); err != nil {
			logger.Warn("bloom filter: initial populate from database failed, starting uninitialized", "error", err)
		} else {
			logger.Info("bloom filter: populated from database")
		}
	} else {
		logger.Info("bloom filter: snapshot loaded")
	}

	bloomRefreshCtx, cancelBloomRefresh := context.WithCancel(ctx)
	defer cancelBloomRefresh()
	bloomRefreshDone := make(chan struct{})
	go func() {
		defer close(bloomRefreshDone)
		runBloomRefreshLoop(bloomRefreshCtx, rel, bf, bloomCfg, logger)
	}()

	phoneCache := phonecache.New(store, bf, rel, logger, phonecache.Config{
		PositiveTTL: time.Duration(cfg.PhoneCacheTTLSeconds) * time.Second,
		NegativeTTL: time.Duration(cfg.PhoneNegativeCacheTTL) * time.Second,
	})

	limiter := ratelimit.New(store, logger, ratelimit.Config{
		CooldownSeconds: cfg.CooldownSeconds,
		HourLimit:       cfg.HourLimit,
		DayLimit:        cfg.DayLimit,
		IPLimit10Min:    cfg.IPLimit10Min,
	})

	if len(cfg.JWTSigningSecret) < 32 {
		return fmt.Errorf("JWT_SIGNING_SECRET must be set to at least 32 bytes")
	}
	accessTTL, err := time.ParseDuration(cfg.JWTAccessTokenExpiry)
	if err != nil {
		return fmt.Errorf("parsing JWT_ACCESS_TOKEN_EXPIRY %q: %w", cfg.JWTAccessTokenExpiry, err)
	}
	refreshTTL, err := time.ParseDuration(cfg.JWTRefreshTokenExpiry)
	if err != nil {
		return fmt.Errorf("parsing JWT_REFRESH_TOKEN_EXPIRY %q: %w", cfg.JWTRefreshTokenExpiry, err)
	}
	sessions, err := session.New(cfg.JWTSigningSecret, store, session.Config{AccessTTL: accessTTL, RefreshTTL: refreshTTL})
	if err != nil {
		return fmt.Errorf("creating session manager: %w", err)
	}

	// 3. SMS service + 4. dispatch queue.
	auditWriter := audit.NewWriter(rel, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	sms := smsqueue.New(store, smsqueue.NoopProvider{Logger: logger}, logger, func(o smsqueue.Outcome) {
		telemetry.SMSDispatchTotal.WithLabelValues(string(o)).Inc()
	}, auditWriter)

	smsWorkerCtx, cancelSMSWorkers := context.WithCancel(ctx)
	defer cancelSMSWorkers()
	smsDone := make(chan struct{})
	go func() {
		sms.Run(smsWorkerCtx, cfg.WorkerConcurrency)
		close(smsDone)
	}()

	otpSvc := otp.New(store, rel, limiter, phoneCache, sms, sessions, auditWriter, logger, otp.Config{
		Length:            cfg.OTPLength,
		TTL:               time.Duration(cfg.OTPTTLSeconds) * time.Second,
		MaxVerifyAttempts: cfg.MaxVerifyAttempts,
		LockoutDuration:   time.Duration(cfg.LockoutMinutes) * time.Minute,
		HMACSecret:        cfg.HMACSecret,
		VerifyPhoneLimit:  cfg.VerifyPhoneLimit,
		VerifyIPLimit:     cfg.VerifyIPLimit,
		VerifyWindow:      time.Duration(cfg.VerifyWindowMinutes) * time.Minute,
	})

	geo := geoindex.New(store)
	if cfg.PopulateGeoIndex {
		if err := seedGeoIndex(ctx, rel, geo, logger); err != nil {
			logger.Error("geo index seed failed, continuing with C2 fallback only", "error", err)
		}
	}
	discovery := stationdiscovery.New(store, rel, geo, logger)

	pairingSvc := pairing.New(rel, store, logger).WithAssetsBaseURL(cfg.AssetsBaseURL)

	// 5. HTTP surface.
	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)
	srv := httpserver.NewServer(httpserver.Config{CORSAllowedOrigins: cfg.CORSAllowedOrigins}, logger, db, store.Client(), metricsReg)

	otpHandler := httpapi.NewOTPHandler(otpSvc)
	stationHandler := httpapi.NewStationHandler(discovery)
	vehicleHandler := httpapi.NewVehicleHandler(pairingSvc)

	srv.APIv1.Post("/otp/request", otpHandler.HandleRequest)
	srv.APIv1.Post("/otp/resend", otpHandler.HandleResend)
	srv.APIv1.Post("/otp/verify", otpHandler.HandleVerify)
	srv.APIv1.Post("/otp/refresh", otpHandler.HandleRefresh)
	srv.APIv1.Post("/otp/logout", otpHandler.HandleLogout)

	srv.APIv1.Post("/stations/find", stationHandler.HandleFind)
	srv.APIv1.Post("/stations/nearby", stationHandler.HandleNearby)

	srv.APIv1.Group(func(r chi.Router) {
		r.Use(httpserver.Auth(sessions))
		r.Post("/vehicles/pair", vehicleHandler.HandlePair)
		r.Get("/vehicles/paired-devices", vehicleHandler.HandlePairedDevices)
		r.Get("/vehicles/all", vehicleHandler.HandleAllVehicles)
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "error", err)
	}

	cancelSMSWorkers()
	<-smsDone

	cancelBloomRefresh()
	<-bloomRefreshDone

	return nil
}

// rebuildBloomFilter repopulates the bloom filter from every active user's
// phone number in C2 and persists the result as a new snapshot.
func rebuildBloomFilter(ctx context.Context, rel *relstore.Store, bf *bloomfilter.Filter, cfg bloomfilter.Config) error {
	phones, err := rel.ListAllPhones(ctx)
	if err != nil {
		return fmt.Errorf("listing phones for bloom filter rebuild: %w", err)
	}
	return bf.Rebuild(ctx, phones, cfg)
}

// runBloomRefreshLoop periodically repopulates the bloom filter from C2 so
// a long-running process doesn't serve an ever-staler snapshot between
// restarts (spec §4.4 REFRESH_INTERVAL_HOURS). It exits when ctx is
// canceled. A zero or negative RefreshInterval disables the loop; the
// filter then only ever reflects what LoadSnapshot found at startup.
func runBloomRefreshLoop(ctx context.Context, rel *relstore.Store, bf *bloomfilter.Filter, cfg bloomfilter.Config, logger *slog.Logger) {
	if cfg.RefreshInterval <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rebuildBloomFilter(ctx, rel, bf, cfg); err != nil {
				logger.Warn("bloom filter: periodic rebuild failed, continuing to serve existing filter", "error", err)
				continue
			}
			logger.Info("bloom filter: periodic rebuild completed")
		}
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *kvstore.Store) error {
	logger.Info("sms worker started", "concurrency", cfg.WorkerConcurrency)
	sms := smsqueue.New(store, smsqueue.NoopProvider{Logger: logger}, logger, func(o smsqueue.Outcome) {
		telemetry.SMSDispatchTotal.WithLabelValues(string(o)).Inc()
	}, nil)
	sms.Run(ctx, cfg.WorkerConcurrency)
	return nil
}

// seedGeoIndex backfills the Redis geo index (C10) from the relational
// station table on startup, so discovery queries hit C10 instead of
// falling back to C2 on a cold cache. Intended for a single bootstrapping
// instance; operators scale this by running it once per deployment, not
// on every replica.
func seedGeoIndex(ctx context.Context, rel *relstore.Store, geo *geoindex.Index, logger *slog.Logger) error {
	stations, err := rel.ListAllStations(ctx)
	if err != nil {
		return fmt.Errorf("listing stations for geo index seed: %w", err)
	}
	if len(stations) == 0 {
		return nil
	}
	if err := geo.BatchAdd(ctx, stations); err != nil {
		return fmt.Errorf("seeding geo index: %w", err)
	}
	logger.Info("geo index seeded", "stations", len(stations))
	return nil
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
