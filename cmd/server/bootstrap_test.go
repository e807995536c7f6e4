package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/charlesng35/knockgate/internal/app"
	"github.com/charlesng35/knockgate/internal/gate"
	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/pkg/logger"
)

func testRuntimeConfig(t *testing.T) *app.Config {
	t.Helper()
	return &app.Config{
		Server:   app.ServerConfig{Port: 11235, BasePath: "/knock"},
		Database: app.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "knockgate.sqlite")},
		Gate:     app.GateConfig{Driver: "log", IngressPort: 22, Protocol: "tcp"},
		Sessions: app.SessionsConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Hour,
			SummaryEvery:  3,
		},
		Knock: app.KnockConfig{RateLimit: app.KnockRateLimits{Requests: 10, Window: time.Minute}},
		Monitoring: app.MonitoringConfig{
			Prometheus: app.PrometheusConfig{Enabled: true, Endpoint: "/metrics"},
			Health:     app.HealthConfig{Enabled: true},
		},
	}
}

func TestBootstrapRuntimeServesKnocks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("GIN_DEBUG", "true")

	core, logs := observer.New(zapcore.InfoLevel)
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(nil) })

	cfg := testRuntimeConfig(t)
	stack, err := bootstrapRuntime(context.Background(), cfg, logger.WithModule("bootstrap"))
	require.NoError(t, err)
	require.NotNil(t, stack.Sweeper)
	require.NotNil(t, stack.RateStore)
	require.Same(t, stack.Monitoring, monitoring.CurrentModule())

	startup := logs.FilterMessage("ingress sessions").All()
	require.Len(t, startup, 1)
	require.EqualValues(t, 0, startup[0].ContextMap()["open"])

	rec := httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/knock", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Body.String(), "Hello 192.0.2.1"))

	rec = httptest.NewRecorder()
	stack.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	counts, err := stack.Lifecycle.Summary(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Open)

	require.NoError(t, stack.Shutdown(context.Background(), logger.WithModule("bootstrap")))
	require.Nil(t, monitoring.CurrentModule())
}

func TestBootstrapRuntimeReopensTrackedSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("GIN_DEBUG", "true")
	cfg := testRuntimeConfig(t)

	first, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = first.Lifecycle.Authorize(context.Background(), "10.0.0.5")
	require.NoError(t, err)
	require.NoError(t, first.Shutdown(context.Background(), zap.NewNop()))

	core, logs := observer.New(zapcore.InfoLevel)
	logger.Replace(zap.New(core))
	t.Cleanup(func() { logger.Replace(nil) })

	second, err := bootstrapRuntime(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Shutdown(context.Background(), zap.NewNop()) })

	startup := logs.FilterMessage("ingress sessions").All()
	require.Len(t, startup, 1)
	require.Equal(t, []interface{}{"10.0.0.5"}, startup[0].ContextMap()["open_addresses"])
}

func TestBootstrapRuntimeGateFailureReleasesResources(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("GIN_DEBUG", "true")

	original := gateFactory
	gateFactory = func(context.Context, *app.Config) (gate.Gate, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { gateFactory = original })

	stack, err := bootstrapRuntime(context.Background(), testRuntimeConfig(t), zap.NewNop())
	require.Error(t, err)
	require.Nil(t, stack)
	require.Nil(t, monitoring.CurrentModule())
}

func TestBuildGate(t *testing.T) {
	cfg := testRuntimeConfig(t)

	g, err := buildGate(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &gate.LogGate{}, g)

	cfg.Gate.RateLimit = app.GateRateLimiter{RPS: 5, Burst: 5}
	g, err = buildGate(context.Background(), cfg)
	require.NoError(t, err)
	require.IsType(t, &gate.Throttled{}, g)

	cfg.Gate.Driver = "gcp"
	_, err = buildGate(context.Background(), cfg)
	require.Error(t, err)
}

func TestConvertDatabaseConfig(t *testing.T) {
	cfg := &app.Config{Database: app.DatabaseConfig{
		Driver: "PostgreSQL",
		Postgres: app.DBAuthConfig{
			Host:     " db.example.com ",
			Port:     5432,
			Database: "knockgate",
			Username: "knock",
			Password: " secret ",
		},
	}}

	dbCfg := convertDatabaseConfig(cfg)
	require.Equal(t, "postgres", dbCfg.Driver)
	require.Equal(t, "db.example.com", dbCfg.Host)
	require.Equal(t, 5432, dbCfg.Port)
	require.Equal(t, "knockgate", dbCfg.Name)
	require.Equal(t, " secret ", dbCfg.Password)

	require.Equal(t, "sqlite", convertDatabaseConfig(&app.Config{}).Driver)
}

func TestSweepMaxAge(t *testing.T) {
	require.Equal(t, time.Minute, sweepMaxAge(20*time.Second))
	require.Equal(t, 15*time.Minute, sweepMaxAge(5*time.Minute))
}
