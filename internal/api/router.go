package api

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/knockgate/internal/app"
	"github.com/charlesng35/knockgate/internal/handlers"
	"github.com/charlesng35/knockgate/internal/middleware"
	"github.com/charlesng35/knockgate/internal/monitoring"
)

// Dependencies groups the collaborators the router wires into handlers.
type Dependencies struct {
	Config     *app.Config
	Lifecycle  handlers.IngressLifecycle
	Monitoring *monitoring.Module
	// RateStore backs knock rate limiting. Nil selects an in-memory store.
	RateStore middleware.RateStore
}

// NewRouter builds the Gin engine, wires middleware and registers the knock, goodbye,
// health and monitoring routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, errors.New("config must be provided")
	}
	if deps.Lifecycle == nil {
		return nil, errors.New("ingress lifecycle must be provided")
	}

	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	registerHealthRoutes(r, cfg, deps.Monitoring)
	registerMetricsRoutes(r, cfg, deps.Monitoring)
	registerMonitoringRoutes(r.Group("/api"), handlers.NewMonitoringHandler(deps.Monitoring, cfg))

	if err := registerKnockRoutes(r, cfg, deps.Lifecycle, deps.RateStore); err != nil {
		return nil, err
	}

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}
