package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/knockgate/internal/api"
	"github.com/charlesng35/knockgate/internal/app"
	"github.com/charlesng35/knockgate/internal/app/maintenance"
	"github.com/charlesng35/knockgate/internal/cache"
	"github.com/charlesng35/knockgate/internal/database"
	"github.com/charlesng35/knockgate/internal/gate"
	"github.com/charlesng35/knockgate/internal/middleware"
	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/internal/monitoring/checks"
	"github.com/charlesng35/knockgate/internal/services"
	"github.com/charlesng35/knockgate/pkg/logger"
)

const (
	databaseProbeTimeout = 2 * time.Second
	redisProbeTimeout    = 2 * time.Second
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB         *gorm.DB
	Redis      redis.UniversalClient
	Monitoring *monitoring.Module
	Lifecycle  *services.LifecycleService
	Sweeper    *maintenance.Sweeper
	RateStore  middleware.RateStore
	Router     *gin.Engine
}

// gateFactory builds the ingress gate; tests swap it to avoid AWS.
var gateFactory = buildGate

// bootstrapRuntime initialises the database, gate, lifecycle manager, sweeper and HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			_ = stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mode
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.Monitoring, err = initialiseMonitoring(cfg)
	if err != nil {
		return nil, err
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	ingressGate, err := gateFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := services.NewGormSessionStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise ingress store: %w", err)
	}

	stack.Lifecycle, err = services.NewLifecycleService(store, ingressGate, services.LifecycleConfig{
		TTL: cfg.Sessions.TTL,
		Rule: gate.Template{
			Port:     cfg.Gate.IngressPort,
			GroupID:  cfg.Gate.SecurityGroupID,
			Protocol: cfg.Gate.Protocol,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initialise ingress lifecycle: %w", err)
	}

	// Lists sessions left open by a previous run.
	stack.Lifecycle.LogSummary(ctx, true)

	stack.Sweeper, err = maintenance.NewSweeper(stack.Lifecycle,
		maintenance.WithInterval(cfg.Sessions.SweepInterval),
		maintenance.WithSummaryEvery(cfg.Sessions.SummaryEvery),
		maintenance.WithRetention(cfg.Sessions.Retention()),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise sweeper: %w", err)
	}
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start ingress sweeper: %w", err)
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to in-memory rate limiting", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	if stack.Redis != nil {
		stack.RateStore = middleware.NewRedisRateStore(cache.NewRedisStore(stack.Redis))
	} else {
		stack.RateStore = middleware.NewMemoryRateStore()
	}

	registerHealthChecks(stack, cfg)

	stack.Router, err = api.NewRouter(api.Dependencies{
		Config:     cfg,
		Lifecycle:  stack.Lifecycle,
		Monitoring: stack.Monitoring,
		RateStore:  stack.RateStore,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown stops the sweeper, waits for an in-flight sweep to return and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) error {
	if s == nil {
		return nil
	}

	var errs error
	if s.Sweeper != nil {
		select {
		case <-s.Sweeper.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("wait for sweeper: %w", ctx.Err()))
		}
	}

	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	if s.Monitoring != nil && monitoring.CurrentModule() == s.Monitoring {
		monitoring.SetModule(nil)
	}

	if errs != nil && log != nil {
		log.Warn("shutdown completed with errors", zap.Error(errs))
	}
	return errs
}

func initialiseMonitoring(cfg *app.Config) (*monitoring.Module, error) {
	if !cfg.Monitoring.Prometheus.Enabled && !cfg.Monitoring.Health.Enabled {
		return nil, nil
	}
	module, err := monitoring.NewModule(monitoring.Options{})
	if err != nil {
		return nil, fmt.Errorf("initialise monitoring: %w", err)
	}
	monitoring.SetModule(module)
	return module, nil
}

func registerHealthChecks(stack *runtimeStack, cfg *app.Config) {
	if stack.Monitoring == nil {
		return
	}
	health := stack.Monitoring.Health()
	health.RegisterLiveness(monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	health.RegisterReadiness(checks.Database(stack.DB, databaseProbeTimeout))
	health.RegisterReadiness(checks.Maintenance(sweepMaxAge(cfg.Sessions.SweepInterval)))
	if stack.Redis != nil {
		health.RegisterReadiness(checks.Redis(stack.Redis, redisProbeTimeout))
	}
}

// sweepMaxAge tolerates a few missed ticks before the sweeper is reported stale.
func sweepMaxAge(interval time.Duration) time.Duration {
	age := 3 * interval
	if age < time.Minute {
		age = time.Minute
	}
	return age
}

func buildGate(ctx context.Context, cfg *app.Config) (gate.Gate, error) {
	var g gate.Gate
	switch strings.ToLower(strings.TrimSpace(cfg.Gate.Driver)) {
	case "log":
		logger.WithModule("bootstrap").Warn("log gate selected; no ingress rules will be changed")
		g = gate.NewLogGate()
	case "ec2", "":
		ec2Gate, err := gate.NewEC2Gate(ctx, gate.EC2Config{
			Region:  cfg.Gate.Region,
			Profile: cfg.Gate.Profile,
			Timeout: cfg.Gate.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initialise ec2 gate: %w", err)
		}
		g = ec2Gate
	default:
		return nil, fmt.Errorf("unsupported gate driver %q", cfg.Gate.Driver)
	}
	return gate.NewThrottled(g, cfg.Gate.RateLimit.RPS, cfg.Gate.RateLimit.Burst), nil
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.OpenAndMigrate(dbCfg)
	if err != nil {
		return nil, err
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}
