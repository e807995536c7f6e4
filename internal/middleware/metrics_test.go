package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/knockgate/internal/monitoring"
)

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mod, err := monitoring.NewModule(monitoring.Options{DisableGoCollector: true, DisableProcessCollector: true})
	require.NoError(t, err)
	monitoring.SetModule(mod)
	t.Cleanup(func() { monitoring.SetModule(nil) })

	r := gin.New()
	r.Use(Metrics())
	r.GET("/knock/bye", func(c *gin.Context) { c.String(http.StatusOK, "Goodbye") })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/knock/bye", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	rec := httptest.NewRecorder()
	mod.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	require.True(t, strings.Contains(body, `path="knock/bye",status="200"`))
	require.True(t, strings.Contains(body, `path="unmatched",status="404"`))
}
