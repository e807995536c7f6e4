package checks

import (
	"context"
	"strings"
	"time"

	"github.com/charlesng35/knockgate/internal/monitoring"
)

const defaultMaintenanceMaxAge = 5 * time.Minute

// Maintenance verifies that background jobs, the expiration sweep in particular, keep running.
// A job that has not run within maxAge is reported degraded; failing jobs are reported down.
func Maintenance(maxAge time.Duration) monitoring.Check {
	if maxAge <= 0 {
		maxAge = defaultMaintenanceMaxAge
	}

	return monitoring.NewCheck("maintenance", func(ctx context.Context) monitoring.ProbeResult {
		start := time.Now()
		jobs := monitoring.Snapshot().Maintenance.Jobs

		if len(jobs) == 0 {
			return monitoring.ProbeResult{
				Status:   monitoring.StatusUp,
				Details:  "no maintenance jobs registered",
				Duration: time.Since(start),
			}
		}

		status := monitoring.StatusUp
		var problems []string
		for _, job := range jobs {
			if job.TotalRuns == 0 {
				problems = append(problems, job.Job+": pending first run")
				continue
			}
			if job.ConsecutiveFailures > 0 {
				status = worstStatus(status, monitoring.StatusDown)
				problems = append(problems, job.Job+": "+job.LastError)
			}
			if !job.LastRunAt.IsZero() && start.Sub(job.LastRunAt) > maxAge {
				status = worstStatus(status, monitoring.StatusDegraded)
				problems = append(problems, job.Job+": stale run "+job.LastRunAt.UTC().Format(time.RFC3339))
			}
		}

		return monitoring.ProbeResult{
			Status:   status,
			Details:  strings.Join(problems, "; "),
			Duration: time.Since(start),
		}
	})
}

func worstStatus(current, candidate monitoring.ProbeStatus) monitoring.ProbeStatus {
	if current == monitoring.StatusDown || candidate == monitoring.StatusDown {
		return monitoring.StatusDown
	}
	if current == monitoring.StatusDegraded || candidate == monitoring.StatusDegraded {
		return monitoring.StatusDegraded
	}
	return monitoring.StatusUp
}
