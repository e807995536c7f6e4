package monitoring

import (
	"strings"
	"time"
)

// RecordKnock counts a knock outcome: authorized, untracked, gate_error, invalid or denied.
func RecordKnock(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.knocks.WithLabelValues(label).Inc()
	module.stats.recordKnock(label)
}

// RecordGoodbye counts a goodbye outcome, usually a revocation status.
func RecordGoodbye(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.goodbyes.WithLabelValues(label).Inc()
	module.stats.recordGoodbye(label)
}

// RecordSweepRevocation counts a session handled by the expiration sweep.
func RecordSweepRevocation(result string) {
	module := ensureModule()
	if module == nil {
		return
	}
	label := normalizeLabel(result)
	module.metrics.sweepRevocations.WithLabelValues(label).Inc()
	module.stats.recordSweep(label)
}

// SetOpenSessions publishes the current number of open sessions.
func SetOpenSessions(open int64) {
	module := ensureModule()
	if module == nil {
		return
	}
	if open < 0 {
		open = 0
	}
	module.metrics.openSessions.Set(float64(open))
	module.stats.openSessions.Store(open)
}

// ObserveGateCall records latency and outcome of a call to the ingress gate.
func ObserveGateCall(operation, result string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	op := normalizeLabel(operation)
	res := normalizeLabel(result)
	observeDuration(module.metrics.gateLatency.WithLabelValues(op, res), duration)
	module.stats.recordGateCall(res, duration)
}

// RecordRateLimited counts a request rejected by the rate limiter.
func RecordRateLimited(route string) {
	module := ensureModule()
	if module == nil {
		return
	}
	route = sanitizePath(route)
	if route == "" {
		route = "unknown"
	}
	module.metrics.rateLimited.WithLabelValues(route).Inc()
	module.stats.rateLimited.Add(1)
}

// ObserveAPILatency captures the HTTP request latency for the supplied route.
func ObserveAPILatency(method, path, status string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "UNKNOWN"
	}
	path = sanitizePath(path)
	if path == "" {
		path = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	module.metrics.apiLatency.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordMaintenanceRun records the completion of a maintenance job.
func RecordMaintenanceRun(job, result, message string, duration time.Duration) {
	module := ensureModule()
	if module == nil {
		return
	}
	jobID := normalizeLabel(job)
	result = normalizeLabel(result)
	module.metrics.maintenanceRuns.WithLabelValues(jobID, result).Inc()
	observeDuration(module.metrics.maintenanceDuration.WithLabelValues(jobID), duration)
	if result == "success" {
		module.metrics.maintenanceLastRun.WithLabelValues(jobID).Set(float64(time.Now().Unix()))
	}
	module.stats.maintenanceEntry(jobID).record(result, strings.TrimSpace(message), duration)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return "unknown"
	}
	return value
}

func sanitizePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "/" {
		return "root"
	}
	path = strings.Trim(path, "/")
	return strings.ReplaceAll(path, " ", "_")
}
