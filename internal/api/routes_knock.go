package api

import (
	"github.com/gin-gonic/gin"

	"github.com/charlesng35/knockgate/internal/app"
	"github.com/charlesng35/knockgate/internal/handlers"
	"github.com/charlesng35/knockgate/internal/middleware"
)

func registerKnockRoutes(r *gin.Engine, cfg *app.Config, lifecycle handlers.IngressLifecycle, store middleware.RateStore) error {
	handler, err := handlers.NewKnockHandler(lifecycle, cfg.Server.ByePath(), cfg.Knock.TOTPSecret)
	if err != nil {
		return err
	}

	limit := middleware.RateLimit(store, cfg.Knock.RateLimit.Requests, cfg.Knock.RateLimit.Window)

	r.GET(cfg.Server.BasePath, limit, handler.Knock)
	r.GET(cfg.Server.ByePath(), limit, handler.Bye)
	return nil
}
