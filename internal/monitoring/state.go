package monitoring

import (
	"sync"
	"sync/atomic"
	"time"
)

type statStore struct {
	knockAuthorized atomic.Uint64
	knockUntracked  atomic.Uint64
	knockDenied     atomic.Uint64
	knockFailed     atomic.Uint64

	goodbyes sync.Map // string -> *atomic.Uint64

	openSessions atomic.Int64
	sweepRevoked atomic.Uint64
	sweepFailed  atomic.Uint64

	gateCalls        atomic.Uint64
	gateFailures     atomic.Uint64
	gateLatencyNs    atomic.Uint64
	gateLastFailedAt atomic.Int64 // unix nano

	rateLimited atomic.Uint64

	maintenance sync.Map // string -> *maintenanceStats
}

func newStatStore() *statStore {
	return &statStore{}
}

func (s *statStore) recordKnock(result string) {
	switch result {
	case "authorized":
		s.knockAuthorized.Add(1)
	case "untracked":
		s.knockUntracked.Add(1)
	case "denied", "invalid":
		s.knockDenied.Add(1)
	default:
		s.knockFailed.Add(1)
	}
}

func (s *statStore) recordGoodbye(result string) {
	value, ok := s.goodbyes.Load(result)
	if !ok {
		value, _ = s.goodbyes.LoadOrStore(result, &atomic.Uint64{})
	}
	value.(*atomic.Uint64).Add(1)
}

func (s *statStore) recordSweep(result string) {
	if result == "revoked" {
		s.sweepRevoked.Add(1)
		return
	}
	s.sweepFailed.Add(1)
}

func (s *statStore) recordGateCall(result string, d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.gateCalls.Add(1)
	s.gateLatencyNs.Add(uint64(d))
	if result != "success" {
		s.gateFailures.Add(1)
		s.gateLastFailedAt.Store(time.Now().UnixNano())
	}
}

func (s *statStore) cloneGoodbyes() map[string]uint64 {
	out := map[string]uint64{}
	s.goodbyes.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return out
}

func (s *statStore) cloneMaintenance() []MaintenanceJobSummary {
	summaries := []MaintenanceJobSummary{}
	s.maintenance.Range(func(key, value any) bool {
		summaries = append(summaries, value.(*maintenanceStats).snapshot(key.(string)))
		return true
	})
	return summaries
}

func (s *statStore) summary() Summary {
	calls := s.gateCalls.Load()
	var avgSeconds float64
	if calls > 0 {
		avgSeconds = float64(s.gateLatencyNs.Load()) / float64(calls) / float64(time.Second)
	}
	var lastFailure *time.Time
	if nano := s.gateLastFailedAt.Load(); nano > 0 {
		at := time.Unix(0, nano)
		lastFailure = &at
	}

	return Summary{
		GeneratedAt: time.Now(),
		Knocks: KnockSummary{
			Authorized: s.knockAuthorized.Load(),
			Untracked:  s.knockUntracked.Load(),
			Denied:     s.knockDenied.Load(),
			Failed:     s.knockFailed.Load(),
		},
		Goodbyes: s.cloneGoodbyes(),
		Sessions: SessionSummary{
			Open:         s.openSessions.Load(),
			SweepRevoked: s.sweepRevoked.Load(),
			SweepFailed:  s.sweepFailed.Load(),
		},
		Gate: GateSummary{
			Calls:                 calls,
			Failures:              s.gateFailures.Load(),
			AverageLatencySeconds: avgSeconds,
			LastFailureAt:         lastFailure,
		},
		RateLimited: s.rateLimited.Load(),
		Maintenance: MaintenanceSummary{
			Jobs: s.cloneMaintenance(),
		},
	}
}

func (s *statStore) maintenanceEntry(job string) *maintenanceStats {
	value, ok := s.maintenance.Load(job)
	if ok {
		return value.(*maintenanceStats)
	}
	actual, _ := s.maintenance.LoadOrStore(job, &maintenanceStats{})
	return actual.(*maintenanceStats)
}

type maintenanceStats struct {
	lastStatus           atomic.Value // string
	lastError            atomic.Value // string
	lastRun              atomic.Int64 // unix nano
	lastDuration         atomic.Int64 // nanoseconds
	consecutiveFailures  atomic.Uint64
	totalRuns            atomic.Uint64
	lastSuccessfulRun    atomic.Int64
	consecutiveSuccesses atomic.Uint64
}

func (m *maintenanceStats) snapshot(job string) MaintenanceJobSummary {
	status, _ := m.lastStatus.Load().(string)
	errMsg, _ := m.lastError.Load().(string)

	return MaintenanceJobSummary{
		Job:                 job,
		LastStatus:          status,
		LastRunAt:           time.Unix(0, m.lastRun.Load()),
		LastDuration:        time.Duration(m.lastDuration.Load()),
		LastError:           errMsg,
		ConsecutiveFailures: m.consecutiveFailures.Load(),
		ConsecutiveSuccess:  m.consecutiveSuccesses.Load(),
		LastSuccessAt:       time.Unix(0, m.lastSuccessfulRun.Load()),
		TotalRuns:           m.totalRuns.Load(),
	}
}

func (m *maintenanceStats) record(result, message string, duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	now := time.Now()
	m.lastStatus.Store(result)
	m.lastError.Store(message)
	m.lastRun.Store(now.UnixNano())
	m.lastDuration.Store(int64(duration))
	m.totalRuns.Add(1)

	if result == "success" {
		m.consecutiveFailures.Store(0)
		m.consecutiveSuccesses.Add(1)
		m.lastSuccessfulRun.Store(now.UnixNano())
		return
	}
	m.consecutiveFailures.Add(1)
	m.consecutiveSuccesses.Store(0)
}
