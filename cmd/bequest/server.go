package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bequest-labs/bequest/pkg/admin"
	"github.com/bequest-labs/bequest/pkg/api"
	"github.com/bequest-labs/bequest/pkg/artifacts"
	"github.com/bequest-labs/bequest/pkg/auth"
	"github.com/bequest-labs/bequest/pkg/backpressure"
	"github.com/bequest-labs/bequest/pkg/config"
	"github.com/bequest-labs/bequest/pkg/evidence"
	"github.com/bequest-labs/bequest/pkg/executor"
	"github.com/bequest-labs/bequest/pkg/guardian"
	"github.com/bequest-labs/bequest/pkg/identity"
	"github.com/bequest-labs/bequest/pkg/ledger"
	"github.com/bequest-labs/bequest/pkg/liveness"
	"github.com/bequest-labs/bequest/pkg/observability"
	"github.com/bequest-labs/bequest/pkg/plan"
	"github.com/bequest-labs/bequest/pkg/policy"
	"github.com/bequest-labs/bequest/pkg/release"
	"github.com/bequest-labs/bequest/pkg/server"
	"github.com/bequest-labs/bequest/pkg/store"

	_ "github.com/lib/pq" // Postgres Driver
)

//nolint:gocognit // single linear boot sequence
func runServer() {
	fmt.Fprintf(os.Stdout, "%sBequest engine starting...%s\n", ColorBold+ColorBlue, ColorReset)

	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	if cfg.ProfileName != "" {
		profile, err := config.LoadProfile(cfg.ProfileDir, cfg.ProfileName)
		if err != nil {
			log.Fatalf("Failed to load profile: %v", err)
		}
		cfg.ApplyProfile(profile)
		log.Printf("[bequest] profile: %s", profile.Name)
	}

	ctx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()

	// Database
	var (
		db      *sql.DB
		backend store.Backend
		err     error
	)
	if cfg.DatabaseURL == "" {
		fmt.Fprintf(os.Stdout, "DATABASE_URL not set. Falling back to %slite mode%s (SQLite).\n", ColorBold+ColorCyan, ColorReset)
		db, backend, err = setupLiteMode(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to set up lite mode: %v", err)
		}
	} else {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("DB ping failed: %v", err)
		}
		log.Println("[bequest] postgres: connected")

		pg := store.NewPostgresStore(db)
		if err := pg.Init(ctx); err != nil {
			log.Fatalf("Failed to init plan store: %v", err)
		}
		backend = pg
	}

	// Audit trail. The in-memory chain serves queries, verification,
	// and checkpoints; the SQL mirror keeps events across restarts.
	trail := ledger.NewLedger()
	mirror := ledger.NewSQLLedger(db)
	if err := mirror.Init(ctx); err != nil {
		log.Fatalf("Failed to init ledger: %v", err)
	}
	recorder := ledger.Fanout(trail, mirror)
	log.Println("[bequest] ledger: ready")

	// Keys
	keySet, sealer, err := loadKeys(cfg)
	if err != nil {
		log.Fatalf("Failed to init keys: %v", err)
	}
	tokens := identity.NewTokenManager(keySet)
	fmt.Fprintf(os.Stdout, "Seal key: %s%s%s\n", ColorBold+ColorGreen, sealer.PublicKey(), ColorReset)

	// Plan store, with creation rules if the profile carries any
	storeOpts := []store.Option{store.WithRecorder(recorder)}
	if len(cfg.CreationRules) > 0 {
		gate, gerr := policy.NewCreationGate(cfg.CreationRules)
		if gerr != nil {
			log.Fatalf("Failed to compile creation rules: %v", gerr)
		}
		storeOpts = append(storeOpts, store.WithCreationGate(gate))
		log.Printf("[bequest] policy: %d creation rules", len(cfg.CreationRules))
	}
	plans := store.NewPlanStore(backend, storeOpts...)

	// Release path
	exec, closeExec := buildExecutor(ctx, cfg, plans)
	coord := release.NewCoordinator(backend, exec, release.WithRecorder(recorder))
	voters := guardian.NewTracker(backend, coord, guardian.WithRecorder(recorder))
	super := admin.NewService(backend, plan.Identity(cfg.AdminIdentity), admin.WithRecorder(recorder))

	// Evidence
	blobs, err := artifacts.NewStoreFromEnv(ctx)
	if err != nil {
		log.Fatalf("Failed to init artifact store: %v", err)
	}
	packs := evidence.NewBuilder(plans, trail,
		evidence.WithSealer(sealer),
		evidence.WithArchive(blobs),
	)

	// Liveness sweeps share the timeout path with manual checks.
	sweeper := liveness.NewSweeper(backend, func(ctx context.Context, id plan.ID) error {
		return coord.TriggerByTimeout(ctx, "liveness-monitor", id)
	}, time.Duration(cfg.MonitorPollSeconds)*time.Second)
	go sweeper.Run(ctx)
	log.Printf("[bequest] liveness: sweeping every %ds", cfg.MonitorPollSeconds)

	// Telemetry
	obs, err := observability.New(ctx, observability.ConfigFromEnv())
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}

	srv, err := server.New(plans, voters, coord, super, trail,
		server.WithEvidence(packs),
		server.WithReadyCheck(func(ctx context.Context) error { return db.PingContext(ctx) }),
	)
	if err != nil {
		log.Fatalf("Failed to build server: %v", err)
	}
	handler := buildMiddleware(ctx, cfg, srv.Handler(), tokens, db, obs)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Health Server
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	go func() {
		log.Printf("[bequest] health server: :%s", cfg.HealthPort)
		//nolint:gosec // Intentionally listening on all interfaces
		if err := http.ListenAndServe(":"+cfg.HealthPort, healthMux); err != nil {
			log.Printf("[bequest] health server error: %v", err)
		}
	}()

	log.Printf("[bequest] ready: http://localhost:%s", cfg.Port)
	log.Println("[bequest] press ctrl+c to stop")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[bequest] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	stopSweeper()
	if closeExec != nil {
		_ = closeExec(shutdownCtx)
	}
	_ = obs.Shutdown(shutdownCtx)
	_ = db.Close()
}

// buildExecutor selects the release executor: webhook, WASM module,
// or a log-only fallback when neither is configured. The returned
// close func stops the WASM runtime; nil otherwise.
func buildExecutor(ctx context.Context, cfg *config.Config, plans *store.PlanStore) (release.Executor, func(context.Context) error) {
	timeout := time.Duration(cfg.ExecutorTimeoutSeconds) * time.Second

	switch {
	case cfg.ExecutorWebhookURL != "":
		wh, err := executor.NewWebhookClient(cfg.ExecutorWebhookURL, decodeMaster(cfg.MasterSecret), timeout)
		if err != nil {
			log.Fatalf("Failed to build webhook executor: %v", err)
		}
		log.Printf("[bequest] executor: webhook %s", cfg.ExecutorWebhookURL)
		return wh, nil
	case cfg.ExecutorWASMPath != "":
		wm, err := executor.LoadWASMModule(ctx, cfg.ExecutorWASMPath, plans, timeout)
		if err != nil {
			log.Fatalf("Failed to load WASM executor: %v", err)
		}
		log.Printf("[bequest] executor: wasm %s", cfg.ExecutorWASMPath)
		return wm, wm.Close
	default:
		slog.Warn("no executor configured, release signals are logged only")
		return release.ExecutorFunc(func(_ context.Context, id plan.ID) error {
			slog.Info("release signal", "plan_id", id)
			return nil
		}), nil
	}
}

// buildMiddleware wraps the API handler with the operational layers.
// Order, outermost first: request IDs, CORS, per-IP flood guard,
// telemetry, authentication, per-principal limits, idempotent replay.
func buildMiddleware(ctx context.Context, cfg *config.Config, h http.Handler, tokens *identity.TokenManager, db *sql.DB, obs *observability.Provider) http.Handler {
	var idem api.IdempotencyStorer
	if cfg.DatabaseURL != "" {
		pgIdem := api.NewPostgresIdempotencyStore(db, 24*time.Hour)
		if err := pgIdem.Init(ctx); err != nil {
			log.Fatalf("Failed to init idempotency store: %v", err)
		}
		idem = pgIdem
	} else {
		idem = api.NewIdempotencyStore(24 * time.Hour)
	}
	h = api.IdempotencyMiddleware(idem)(h)

	// Per-principal limits. Redis shares buckets across replicas; a
	// single node keeps them in memory.
	var buckets backpressure.LimiterStore
	if cfg.RedisAddr != "" {
		buckets = backpressure.NewRedisLimiterStore(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		log.Printf("[bequest] rate limits: redis %s", cfg.RedisAddr)
	} else {
		buckets = backpressure.NewMemoryLimiterStore()
	}
	h = auth.RateLimitMiddleware(buckets, backpressure.Policy{RPM: cfg.RateRPM, Burst: cfg.RateBurst})(h)

	h = auth.Middleware(tokens)(h)
	h = obs.Middleware()(h)
	h = api.NewGlobalRateLimiter(50, 100).Middleware(h)
	h = auth.CORSMiddleware(h)
	h = auth.RequestIDMiddleware(h)
	return h
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
