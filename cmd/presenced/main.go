// Package main - entry point for the CLIRDEC PRESENCE attendance engine.
//
// The engine keeps every active classroom session as an in-memory actor and
// treats PostgreSQL as a write-behind journal: RFID taps are answered from
// memory in microseconds while persistence catches up asynchronously.
//
// The layout follows Clean Architecture and DDD:
// - Domain: session, identity, behavior - pure business logic
// - Application: commands and queries orchestrating the engine
// - Infrastructure: repositories, caches, the notification gateway
// - Interface: HTTP ingress for readers, websocket feed for dashboards
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/clirdec/presence-engine/config"
	"github.com/clirdec/presence-engine/internal/application/command"
	"github.com/clirdec/presence-engine/internal/application/query"
	"github.com/clirdec/presence-engine/internal/domain/behavior"
	"github.com/clirdec/presence-engine/internal/domain/session"
	"github.com/clirdec/presence-engine/internal/engine"
	"github.com/clirdec/presence-engine/internal/infrastructure/external/notifier"
	"github.com/clirdec/presence-engine/internal/infrastructure/messaging"
	"github.com/clirdec/presence-engine/internal/infrastructure/persistence/postgres"
	redisCache "github.com/clirdec/presence-engine/internal/infrastructure/persistence/redis"
	"github.com/clirdec/presence-engine/internal/infrastructure/persistence/writebehind"
	"github.com/clirdec/presence-engine/internal/infrastructure/scheduler"
	"github.com/clirdec/presence-engine/internal/infrastructure/scheduler/jobs"
	"github.com/clirdec/presence-engine/internal/infrastructure/service"
	httpserver "github.com/clirdec/presence-engine/internal/interface/http"
	"github.com/clirdec/presence-engine/internal/interface/realtime"
	"github.com/clirdec/presence-engine/pkg/circuitbreaker"
	"github.com/clirdec/presence-engine/pkg/timeutil"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────

	// .env is optional; deployed instances configure via the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────

	logger := setupLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting presence engine",
		"env", string(cfg.App.Environment),
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. POSTGRESQL
	// ─────────────────────────────────────────────────────────────────────────

	pgConn, err := postgres.NewConnection(ctx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MaxIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pgConn.Close()
	logger.Info("connected to postgres")

	if err := postgres.NewMigrator(pgConn).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	studentRepo := postgres.NewStudentRepository(pgConn)
	scheduleRepo := postgres.NewScheduleRepository(pgConn)
	sessionRepo := postgres.NewSessionRepository(pgConn)
	attendanceRepo := postgres.NewAttendanceRepository(pgConn)
	behaviorRepo := postgres.NewBehaviorRepository(pgConn)
	auditRepo := postgres.NewAuditRepository(pgConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (optional)
	// ─────────────────────────────────────────────────────────────────────────

	var cache *redisCache.Cache
	if cfg.Redis.Disabled {
		logger.Info("redis disabled, identity lookups go straight to postgres")
	} else {
		cache, err = redisCache.NewCache(redisCache.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer cache.Close()
		logger.Info("connected to redis")
	}

	var identityCache *redisCache.IdentityCache
	var rosterCache *redisCache.RosterCache
	if cache != nil {
		identityCache = redisCache.NewIdentityCache(cache)
		rosterCache = redisCache.NewRosterCache(cache)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. EVENT BUS AND WRITE-BEHIND QUEUE
	// ─────────────────────────────────────────────────────────────────────────

	bus := messaging.NewInMemoryEventBus(messaging.Config{
		AsyncMode:      true,
		WorkerPoolSize: 10,
		Logger:         logger,
	})
	defer bus.Close()

	flushQueue := writebehind.NewQueue(writebehind.Config{
		QueueSize: 4096,
		Workers:   2,
		OpTimeout: cfg.Scheduler.JobTimeout,
		Logger:    logger,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 6. REALTIME FEED
	// ─────────────────────────────────────────────────────────────────────────

	var hub *realtime.Hub
	var sink engine.SnapshotSink
	if cfg.Features.Enabled(config.FeatureRealtime) {
		hub = realtime.NewHub(realtime.Config{
			QueueSize:     cfg.HTTP.SubscriberQueueSize,
			WriteDeadline: cfg.HTTP.WriteDeadline,
			PingInterval:  cfg.HTTP.PingInterval,
		}, logger)
		sink = service.NewSnapshotFanout(rosterStore(rosterCache), logger, hub)
	} else if rosterCache != nil {
		sink = service.NewSnapshotFanout(rosterCache, logger)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. SESSION ENGINE
	// ─────────────────────────────────────────────────────────────────────────

	policy := session.TimingPolicy{
		AutoStartBuffer:    cfg.Attendance.AutoStartBuffer,
		LateThreshold:      cfg.Attendance.LateThreshold,
		AutoEnd:            cfg.Features.Enabled(config.FeatureAutoEnd),
		DualValidation:     cfg.Features.Enabled(config.FeatureDualValidation),
		CorroborationGrace: cfg.Attendance.CorroborationGrace,
	}

	registry, err := engine.NewRegistry(engine.Config{
		Policy:   policy,
		Source:   scheduleRepo,
		Bus:      bus,
		Flusher:  flushQueue,
		Sink:     sink,
		Sessions: sessionRepo,
		Records:  attendanceRepo,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create session registry: %w", err)
	}

	resolver := service.NewIdentityResolver(studentRepo, identityCache, logger)

	processor, err := engine.NewProcessor(engine.ProcessorConfig{
		Registry:     registry,
		Resolver:     resolver,
		Audit:        auditRepo,
		Flusher:      flushQueue,
		Bus:          bus,
		Debounce:     cfg.Attendance.TapDebounce,
		AuditRejects: cfg.Features.Enabled(config.FeatureAuditRejects),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create tap processor: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. BEHAVIOR ESCALATION
	// ─────────────────────────────────────────────────────────────────────────

	notifierClient := notifier.NewClient(notifier.ClientConfig{
		BaseURL:          cfg.Notifier.BaseURL,
		APIKey:           cfg.Notifier.APIKey,
		Timeout:          cfg.Notifier.RequestTimeout,
		FailureThreshold: cfg.Notifier.CircuitBreakerThreshold,
		OpenTimeout:      cfg.Notifier.CircuitBreakerTimeout,
		Logger:           logger,
	})

	escalator, err := engine.NewEscalator(engine.EscalatorConfig{
		Policy: behavior.Policy{
			WindowSessions:                cfg.Escalation.WindowSessions,
			WarningLateCount:              cfg.Escalation.WarningLateCount,
			ConcerningConsecutiveAbsences: cfg.Escalation.ConcerningConsecutiveAbsences,
			CriticalAttendanceRate:        cfg.Escalation.CriticalAttendanceRate,
			MinSessionsForRate:            cfg.Escalation.MinSessionsForRate,
			Cooldown:                      cfg.Escalation.Cooldown,
		},
		ProfileRepo: behaviorRepo,
		History:     behaviorRepo,
		Notifier:    notifierClient,
		Flusher:     flushQueue,
		Bus:         bus,
		Logger:      logger,
		Enabled:     cfg.Features.Enabled(config.FeatureEscalations),
	})
	if err != nil {
		return fmt.Errorf("failed to create escalator: %w", err)
	}
	if err := escalator.Register(bus); err != nil {
		return fmt.Errorf("failed to subscribe escalator: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. REHYDRATION
	// ─────────────────────────────────────────────────────────────────────────

	today := timeutil.Now()
	restored, err := registry.Rehydrate(ctx, today)
	if err != nil {
		return fmt.Errorf("failed to rehydrate sessions: %w", err)
	}
	created, err := registry.MaterializeDay(ctx, today)
	if err != nil {
		logger.Error("failed to materialize today's timetable", "error", err)
	}
	logger.Info("session registry ready", "restored", restored, "materialized", created)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. BACKGROUND JOBS
	// ─────────────────────────────────────────────────────────────────────────

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{
			Logger:   logger,
			Timezone: cfg.App.Location,
		})

		loadJob := jobs.NewLoadSchedulesJob(registry, logger, cfg.Scheduler.JobTimeout)
		if err := sched.Register(loadJob, scheduler.NewDailySchedule(cfg.Scheduler.LoadSchedulesHour, 0)); err != nil {
			return fmt.Errorf("failed to register schedule loader: %w", err)
		}

		tickJob := jobs.NewSessionTickerJob(registry, logger)
		if err := sched.Register(tickJob, scheduler.NewIntervalSchedule(cfg.Attendance.TickInterval)); err != nil {
			return fmt.Errorf("failed to register session ticker: %w", err)
		}

		archiveJob := jobs.NewArchiveSessionsJob(registry, logger, cfg.Scheduler.JobTimeout)
		if err := sched.Register(archiveJob, scheduler.NewIntervalSchedule(cfg.Scheduler.ArchiveInterval)); err != nil {
			return fmt.Errorf("failed to register session archiver: %w", err)
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		logger.Info("scheduler started", "jobs", 3)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 11. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────

	healthChecks := map[string]httpserver.HealthChecker{
		"postgres": pgConn.Ping,
	}
	if cache != nil {
		healthChecks["redis"] = cache.Ping
	}
	if cfg.Notifier.BaseURL != "" {
		healthChecks["notifier"] = func(ctx context.Context) error {
			if notifierClient.BreakerState() == circuitbreaker.StateOpen {
				return fmt.Errorf("notification gateway circuit open")
			}
			return nil
		}
	}

	srv := httpserver.NewServer(httpserver.Config{
		Host:         cfg.HTTP.Host,
		Port:         cfg.HTTP.Port,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		EnableCORS:   cfg.HTTP.EnableCORS,
		APIKeyHeader: "X-API-Key",
		APIKeys:      cfg.HTTP.APIKeys,
	}, httpserver.Dependencies{
		ProcessTap:       command.NewProcessTapHandler(processor),
		Corroborate:      command.NewCorroboratePresenceHandler(processor),
		ScheduleSession:  command.NewScheduleSessionHandler(registry, policy),
		StartSession:     command.NewStartSessionHandler(registry),
		EndSession:       command.NewEndSessionHandler(registry),
		MarkIntervention: command.NewMarkInterventionHandler(escalator),
		GetSession:       query.NewGetSessionHandler(registry),
		GetActiveSession: query.NewGetActiveSessionHandler(registry),
		ListSessions:     query.NewListSessionsHandler(registry),
		GetBehaviorLevel: query.NewGetBehaviorLevelHandler(escalator),
		Hub:              hub,
		HealthChecks:     healthChecks,
		Logger:           logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 12. SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancelShutdown()

	// Stop ingress first, then drain the engine into the write-behind
	// queue, then let the queue flush before the stores go away.
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			logger.Error("scheduler shutdown failed", "error", err)
		}
	}
	registry.Close()
	escalator.Close()
	if hub != nil {
		hub.Close()
	}
	flushQueue.Close()

	logger.Info("presence engine stopped")
	return nil
}

// rosterStore keeps the fanout's RosterStore nil when Redis is disabled.
// A typed nil *RosterCache inside the interface would dodge the nil check.
func rosterStore(rc *redisCache.RosterCache) service.RosterStore {
	if rc == nil {
		return nil
	}
	return rc
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Observability.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if cfg.App.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" || cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(
		"app", cfg.App.Name,
		"version", cfg.App.Version,
	)
}
