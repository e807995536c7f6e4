package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/pkg/errors"
	"github.com/charlesng35/knockgate/pkg/logger"
	"github.com/charlesng35/knockgate/pkg/response"
)

// RateLimit limits requests per (client IP, route) within a fixed window. When the store
// fails the request is let through.
func RateLimit(store RateStore, maxRequests int, window time.Duration) gin.HandlerFunc {
	if store == nil {
		store = NewMemoryRateStore()
	}

	return func(c *gin.Context) {
		if maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		route := c.FullPath()
		key := c.ClientIP() + "|" + route

		count, resetIn, err := store.Increment(c.Request.Context(), key, window)
		if err != nil {
			logger.WithModule("http").Warn("rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		remaining := maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > maxRequests {
			monitoring.RecordRateLimited(route)
			c.Header("Retry-After", strconv.Itoa(int(resetIn.Seconds())+1))
			response.NegotiatedError(c, errors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
