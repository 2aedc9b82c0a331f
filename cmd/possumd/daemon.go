package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"possum/internal/config"
	"possum/internal/detector"
	"possum/internal/eventbus"
	"possum/internal/health"
	"possum/internal/location"
	"possum/internal/logging"
	"possum/internal/messaging"
	"possum/internal/metrics"
	"possum/internal/platform"
	"possum/internal/registry"
	"possum/internal/satellite"
	"possum/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second
	metricsInterval = 10 * time.Second
)

// detectorID names the detector of type t within a session.
func detectorID(sessionID string, t detector.Type) string {
	return sessionID + "-" + strings.ToLower(t.String())
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath, envPath := commonFlags(fs)
	demo := fs.Bool("demo", false, "use simulated location providers")
	fs.Parse(args)

	if err := loadEnv(*envPath); err != nil {
		return err
	}
	loader, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		return err
	}
	defer loader.Close()
	cfg := loader.Config()
	if *demo {
		cfg.Location.Demo = true
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg, err := cfg.LoggingConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)
	log := logger.WithComponent("possumd")
	if created {
		log.Info("wrote default configuration", "path", loader.Path())
	}

	crash, err := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Version:   version,
		Component: "possumd",
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	sessionID := cfg.Session.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	secret := cfg.Session.SecretKeyHash
	if secret == "" {
		secret, err = ephemeralSecret()
		if err != nil {
			return err
		}
		log.Warn("no secret key hash configured, stored values cannot be verified after exit")
	}
	log.Info("starting", "version", version, "session", sessionID)

	sessionStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer sessionStore.Close()

	reg := metrics.NewRegistry("possum")
	daemonMetrics := metrics.NewDaemonMetrics(reg)
	checker := health.NewChecker()
	if db, ok := sessionStore.(*store.SQLite); ok {
		checker.RegisterFunc("store", true, health.DatabaseCheck(db.DB().PingContext))
	}

	bus := eventbus.New(logger)
	host, err := platform.NewHost(cfg, bus, logger)
	if err != nil {
		return err
	}
	defer host.Close()

	detectors := registry.New(cfg, registry.Options{
		Logger:  logger,
		Metrics: daemonMetrics,
		Health:  checker,
	})

	if !cfg.IsUnwanted(detector.Position.String()) {
		detectors.Add(location.New(host.Location(), location.Options{
			ID:            detectorID(sessionID, detector.Position),
			SecretKeyHash: secret,
			Bus:           bus,
			Store:         sessionStore,
			Logger:        logger,
			Metrics:       metrics.NewDetectorMetrics(reg, detector.Position.String()),
			ScanTimeout:   cfg.ScanTimeout(),
		}))
	}
	if !cfg.IsUnwanted(detector.GpsStatus.String()) {
		detectors.Add(satellite.New(satellite.Options{
			ID:            detectorID(sessionID, detector.GpsStatus),
			SecretKeyHash: secret,
			Bus:           bus,
			Store:         sessionStore,
			Logger:        logger,
			Metrics:       metrics.NewDetectorMetrics(reg, detector.GpsStatus.String()),
			StoreInterval: cfg.StoreInterval(),
			Enabled:       host.HasSatellites,
		}))
	}
	defer detectors.TerminateAll()

	loader.OnChange(func(_, next *config.Config) {
		detectors.SetConfig(next)
		log.Info("configuration reloaded", "unwanted", next.Detectors.Unwanted)
	})
	if err := loader.Watch(); err != nil {
		log.Warn("configuration hot reload unavailable", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	var ws *messaging.Server
	if cfg.Messaging.Enabled {
		ws, err = messaging.NewServer(detectors, messaging.Options{
			AllowedOrigins: cfg.Messaging.AllowedOrigins,
			Logger:         logger,
			Metrics:        daemonMetrics,
		})
		if err != nil {
			return err
		}
		detectors.AddStatusListener(ws)
		mux.Handle(cfg.Messaging.Path, ws)
	}
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", reg.HTTPHandler())
		mux.Handle("/health", checker.HealthHandler())
		mux.Handle("/health/live", checker.LivenessHandler())
		mux.Handle("/health/ready", checker.ReadinessHandler())
	}

	srv := &http.Server{
		Addr:              cfg.Messaging.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	if cfg.Messaging.Enabled || cfg.Metrics.Enabled {
		crash.Go("http", func() {
			log.Info("listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		})
	}

	crash.Go("metrics", func() {
		ticker := time.NewTicker(metricsInterval)
		defer ticker.Stop()
		var lastPosted uint64
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				daemonMetrics.UpdateUptime()
				posted, _ := bus.Stats()
				daemonMetrics.EventsPostedTotal.Add(posted - lastPosted)
				lastPosted = posted
			}
		}
	})

	if interval := cfg.ScanInterval(); interval > 0 && !cfg.IsUnwanted(detector.Position.String()) {
		crash.Go("scans", func() {
			platform.RunScans(ctx, bus, interval, detectors.Learning)
		})
	}

	if cfg.Detectors.LearnOnStart {
		detectors.StartAll()
	}
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		log.Error("http server failed", "error", err)
	}
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if ws != nil {
		if err := ws.Shutdown(shutdownCtx); err != nil {
			log.Warn("messaging shutdown", "error", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	return nil
}

func openStore(cfg *config.Config) (store.SessionStore, error) {
	if cfg.Storage.Type == "memory" {
		return store.NewMemory(), nil
	}
	db, err := store.Open(cfg.Storage.Path, time.Duration(cfg.Storage.BusyTimeoutMs)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	return db, nil
}

func ephemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
