package checks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/charlesng35/knockgate/internal/monitoring"
)

const defaultRedisTimeout = 2 * time.Second

// Redis returns a readiness probe for the rate-limit store. A nil client means Redis is
// disabled and the probe reports up.
func Redis(client redis.UniversalClient, timeout time.Duration) monitoring.Check {
	return monitoring.NewCheck("redis", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		if client == nil {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "redis disabled",
				Duration: time.Since(start),
			}
		}

		probeCtx, cancel := context.WithTimeout(ctx, chooseTimeout(timeout, defaultRedisTimeout))
		defer cancel()

		err := client.Ping(probeCtx).Err()
		return monitoring.ResultFromError("redis", err, time.Since(start))
	})
}
