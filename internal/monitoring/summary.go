package monitoring

import "time"

// Summary surfaces aggregated runtime counters for the monitoring endpoint.
type Summary struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Knocks      KnockSummary       `json:"knocks"`
	Goodbyes    map[string]uint64  `json:"goodbyes"`
	Sessions    SessionSummary     `json:"sessions"`
	Gate        GateSummary        `json:"gate"`
	RateLimited uint64             `json:"rate_limited"`
	Maintenance MaintenanceSummary `json:"maintenance"`
}

type KnockSummary struct {
	Authorized uint64 `json:"authorized"`
	Untracked  uint64 `json:"untracked"`
	Denied     uint64 `json:"denied"`
	Failed     uint64 `json:"failed"`
}

type SessionSummary struct {
	Open         int64  `json:"open"`
	SweepRevoked uint64 `json:"sweep_revoked"`
	SweepFailed  uint64 `json:"sweep_failed"`
}

type GateSummary struct {
	Calls                 uint64     `json:"calls"`
	Failures              uint64     `json:"failures"`
	AverageLatencySeconds float64    `json:"average_latency_seconds"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
}

type MaintenanceSummary struct {
	Jobs []MaintenanceJobSummary `json:"jobs"`
}

type MaintenanceJobSummary struct {
	Job                 string        `json:"job"`
	LastStatus          string        `json:"last_status"`
	LastRunAt           time.Time     `json:"last_run_at"`
	LastDuration        time.Duration `json:"last_duration"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures uint64        `json:"consecutive_failures"`
	ConsecutiveSuccess  uint64        `json:"consecutive_success"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	TotalRuns           uint64        `json:"total_runs"`
}

// Snapshot returns a point-in-time summary from the current module when configured.
func Snapshot() Summary {
	if module := ensureModule(); module != nil && module.stats != nil {
		return module.stats.summary()
	}
	return Summary{GeneratedAt: time.Now(), Goodbyes: map[string]uint64{}}
}
