package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/tutorbook/libs/config"
)

const (
	storagePostgres = "postgres"
	storageMemory   = "memory"
)

type serviceConfig struct {
	ServiceName string
	HTTPPort    string
	GRPCPort    string
	LogLevel    string

	Storage        string
	DatabaseURL    string
	DBMaxConns     int
	MigrateOnStart bool

	RedisAddr string
	LockTTL   time.Duration
	LockWait  time.Duration

	KafkaBrokers    string
	NotifyTopic     string
	PlanEventsTopic string
	KafkaGroupID    string

	Location     *time.Location
	CancelCutoff time.Duration

	RateLimitPerMinute int
	CORSOrigins        []string
	BodyLimitBytes     int
	RequestTimeout     time.Duration

	PlanCatalogAddr string

	JWTSecret string
	JWTIssuer string
}

func loadConfig() (serviceConfig, error) {
	cfg := serviceConfig{
		ServiceName:  config.String("SERVICE_NAME", "scheduling-service"),
		LogLevel:     config.String("LOG_LEVEL", "info"),
		Storage:      strings.ToLower(config.String("STORAGE", storagePostgres)),
		RedisAddr:    config.String("REDIS_ADDR", ""),
		KafkaBrokers: config.String("KAFKA_BROKERS", ""),
		NotifyTopic:  config.String("NOTIFY_TOPIC", "tutorbook.notifications.v1"),
		KafkaGroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
		CORSOrigins:  config.List("CORS_ALLOWED_ORIGINS"),

		PlanCatalogAddr: config.String("PLAN_CATALOG_GRPC_ADDR", ""),
		JWTSecret:       config.String("AUTH_JWT_SECRET", ""),
		JWTIssuer:       config.String("AUTH_JWT_ISSUER", ""),
	}

	var err error
	if cfg.HTTPPort, err = config.Port("PORT", "8080"); err != nil {
		return cfg, err
	}
	if cfg.GRPCPort, err = config.Port("GRPC_PORT", "9090"); err != nil {
		return cfg, err
	}

	switch cfg.Storage {
	case storagePostgres:
		if cfg.DatabaseURL, err = config.RequiredString("DATABASE_URL"); err != nil {
			return cfg, err
		}
	case storageMemory:
	default:
		return cfg, fmt.Errorf("STORAGE must be %q or %q, got %q", storagePostgres, storageMemory, cfg.Storage)
	}
	if cfg.DBMaxConns, err = config.Int("DB_MAX_CONNS", 10); err != nil {
		return cfg, err
	}
	if cfg.MigrateOnStart, err = config.Bool("MIGRATE_ON_START", true); err != nil {
		return cfg, err
	}

	if cfg.LockTTL, err = config.Duration("LOCK_TTL", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.LockWait, err = config.Duration("LOCK_WAIT", 5*time.Second); err != nil {
		return cfg, err
	}

	cfg.PlanEventsTopic = config.String("PLAN_EVENTS_TOPIC", "")
	if cfg.PlanEventsTopic != "" && cfg.KafkaBrokers == "" {
		return cfg, fmt.Errorf("PLAN_EVENTS_TOPIC requires KAFKA_BROKERS")
	}

	tz := config.String("TIMEZONE", "UTC")
	if cfg.Location, err = time.LoadLocation(tz); err != nil {
		return cfg, fmt.Errorf("TIMEZONE: %w", err)
	}
	if cfg.CancelCutoff, err = config.Duration("CANCEL_CUTOFF", 0); err != nil {
		return cfg, err
	}
	if cfg.CancelCutoff < 0 {
		return cfg, fmt.Errorf("CANCEL_CUTOFF must not be negative")
	}

	if cfg.RateLimitPerMinute, err = config.Int("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return cfg, err
	}
	if cfg.BodyLimitBytes, err = config.Int("BODY_LIMIT_BYTES", 1<<20); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout, err = config.Duration("REQUEST_TIMEOUT", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RequestTimeout < 0 {
		return cfg, fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	return cfg, nil
}
