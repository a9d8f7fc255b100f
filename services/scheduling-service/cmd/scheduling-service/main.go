package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/md-rashed-zaman/tutorbook/libs/auth"
	"github.com/md-rashed-zaman/tutorbook/libs/config"
	"github.com/md-rashed-zaman/tutorbook/libs/db"
	"github.com/md-rashed-zaman/tutorbook/libs/grpcx"
	"github.com/md-rashed-zaman/tutorbook/libs/httpx"
	"github.com/md-rashed-zaman/tutorbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/tutorbook/libs/otel"
	"github.com/md-rashed-zaman/tutorbook/libs/runtime"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/booking"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/handlers"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/lock"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/notify"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/plansync"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/schedule"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/storage/memory"
	"github.com/md-rashed-zaman/tutorbook/services/scheduling-service/internal/storage/postgres"
)

// store is what the services and the plan consumer need from persistence.
type store interface {
	schedule.Store
	booking.Store
	plansync.Store
}

func main() {
	if err := config.LoadDotenv(); err != nil {
		slog.Error("load .env failed", "err", err)
		os.Exit(1)
	}
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := runtime.NewLogger(cfg.ServiceName, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg serviceConfig, logger *slog.Logger) error {
	ctx, stop := runtime.SignalContext(logger)
	defer stop()

	otelCfg, err := otelx.ConfigFromEnv(cfg.ServiceName)
	if err != nil {
		return err
	}
	otelShutdown, err := otelx.Setup(ctx, otelCfg)
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var checks []runtime.ReadyCheck

	var st store
	switch cfg.Storage {
	case storageMemory:
		logger.Warn("using in-memory storage; data is lost on restart")
		st = memory.New()
	default:
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.Options{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return err
		}
		defer pool.Close()
		if cfg.MigrateOnStart {
			version, err := db.Migrate(ctx, pool, postgres.Migrations, postgres.MigrationsDir)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "version", version)
		}
		st = postgres.NewRepository(pool)
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}

	var locker lock.Locker = lock.NewLocal()
	rateLimit := httpx.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute).Middleware()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		locker = lock.NewRedis(rdb, lock.RedisConfig{Prefix: cfg.ServiceName + ":lock", TTL: cfg.LockTTL, Wait: cfg.LockWait})
		rateLimit = httpx.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, cfg.ServiceName+":rl").Middleware(logger, true)
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: lock.ReadyCheck(rdb)})
	} else {
		logger.Warn("REDIS_ADDR not set; locks and rate limits are process-local")
	}

	var notifier booking.Notifier = notify.NewLog(logger)
	if cfg.KafkaBrokers != "" {
		w, err := notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.NotifyTopic, logger)
		if err != nil {
			return err
		}
		k := notify.NewKafka(w, cfg.NotifyTopic)
		defer func() { _ = k.Close() }()
		notifier = k
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)})
	}

	var consumers sync.WaitGroup
	defer consumers.Wait()
	defer stop()
	if cfg.PlanEventsTopic != "" {
		reader, err := plansync.NewReader(plansync.Config{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID, Topic: cfg.PlanEventsTopic})
		if err != nil {
			return err
		}
		c := plansync.NewConsumer(reader, st, logger)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			logger.Info("plan event consumer starting", "topic", cfg.PlanEventsTopic, "group_id", cfg.KafkaGroupID)
			c.Run(ctx)
		}()
	}

	if cfg.PlanCatalogAddr != "" {
		conn, err := grpcx.Dial(cfg.PlanCatalogAddr, grpcx.DialOptions{})
		if err != nil {
			logger.Error("plan catalog dial failed", "err", err, "addr", cfg.PlanCatalogAddr)
		} else {
			defer func() { _ = conn.Close() }()
			checks = append(checks, runtime.ReadyCheck{Name: "plan_catalog", Check: grpcx.HealthReadyCheck(conn, "")})
		}
	}

	sched := schedule.NewService(st, locker, logger)
	book := booking.NewService(st, locker, notifier, logger, booking.Config{
		Location:     cfg.Location,
		CancelCutoff: cfg.CancelCutoff,
	})

	api := http.NewServeMux()
	handlers.Register(api,
		handlers.NewAvailabilityHandler(sched, logger),
		handlers.NewSessionHandler(book, logger),
	)
	mux := runtime.NewBaseMuxWithReady(checks...)
	if cfg.JWTSecret != "" {
		mux.Handle("/api/", auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer).Middleware()(api))
	} else {
		logger.Warn("AUTH_JWT_SECRET not set; trusting " + httpx.UserIDHeader + " from the edge")
		mux.Handle("/api/", api)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithCORS(httpx.CORSPolicy{AllowedOrigins: cfg.CORSOrigins, MaxAge: 10 * time.Minute}),
		httpx.OnlyWrites(rateLimit),
		httpx.WithBodyLimit(int64(cfg.BodyLimitBytes)),
		httpx.WithTimeout(cfg.RequestTimeout),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcSrv, health := grpcx.NewServer(logger)
	health.SetServingStatus(cfg.ServiceName, healthpb.HealthCheckResponse_SERVING)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "storage", cfg.Storage, "timezone", cfg.Location.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcSrv.GracefulStop()
	logger.Info("servers stopped")
	return serveErr
}
