package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/knockgate/internal/gate"
	"github.com/charlesng35/knockgate/internal/models"
	"github.com/charlesng35/knockgate/internal/monitoring"
	"github.com/charlesng35/knockgate/pkg/logger"
)

// DefaultSessionTTL is the ingress window granted when none is configured.
const DefaultSessionTTL = 30 * time.Minute

// storeWriteTimeout bounds the bookkeeping write that follows a confirmed gate call.
const storeWriteTimeout = 10 * time.Second

// RevocationStatus describes how a revocation was reconciled with the tracked sessions.
type RevocationStatus string

const (
	// RevocationRevoked means exactly one open session was closed.
	RevocationRevoked RevocationStatus = "revoked"
	// RevocationNoOpenSession means nothing was tracked for the address. No row changed.
	RevocationNoOpenSession RevocationStatus = "no_open_session"
	// RevocationMultipleOpen means several open sessions existed and all were closed.
	RevocationMultipleOpen RevocationStatus = "multiple_open_sessions"
	// RevocationStoreUnavailable means the bookkeeping could not be updated.
	RevocationStoreUnavailable RevocationStatus = "store_unavailable"
)

// ErrInvalidAddress rejects addresses that are not IPv4 or IPv6 literals.
var ErrInvalidAddress = errors.New("ingress lifecycle: invalid address")

// RevocationResult reports the bookkeeping outcome of a revocation.
type RevocationResult struct {
	Address   string           `json:"address"`
	Status    RevocationStatus `json:"status"`
	Open      int              `json:"open"`
	Revoked   int              `json:"revoked"`
	RevokedAt time.Time        `json:"revoked_at"`
}

// Warning reports whether the result is an anomaly worth surfacing to operators.
func (r RevocationResult) Warning() bool {
	return r.Status != RevocationRevoked
}

// Grant is the outcome of a successful knock.
type Grant struct {
	Address   string    `json:"address"`
	ExpiresAt time.Time `json:"expires_at"`
	Tracked   bool      `json:"tracked"`
}

// SweepReport summarises one expiration sweep.
type SweepReport struct {
	Expired int `json:"expired"`
	Revoked int `json:"revoked"`
	Failed  int `json:"failed"`
}

// LifecycleConfig holds the manager's collaborators and policy.
type LifecycleConfig struct {
	TTL    time.Duration
	Rule   gate.Template
	Clock  func() time.Time
	Logger *zap.Logger
}

// LifecycleService tracks ingress grants and guarantees each is revoked once, by goodbye or by expiry.
type LifecycleService struct {
	store IngressSessionStore
	gate  gate.Gate
	rule  gate.Template
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger
}

// NewLifecycleService wires the store and gate together.
func NewLifecycleService(store IngressSessionStore, g gate.Gate, cfg LifecycleConfig) (*LifecycleService, error) {
	if store == nil {
		return nil, errors.New("ingress lifecycle: store is required")
	}
	if g == nil {
		return nil, errors.New("ingress lifecycle: gate is required")
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultSessionTTL
	}
	if ttl < 0 {
		return nil, ErrInvalidTTL
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = logger.WithModule("ingress")
	}

	return &LifecycleService{
		store: store,
		gate:  g,
		rule:  cfg.Rule,
		ttl:   ttl,
		now:   clock,
		log:   log,
	}, nil
}

// Now reads the manager's clock. The sweeper uses it so grants and expiry share one time source.
func (s *LifecycleService) Now() time.Time {
	return s.now()
}

// TTL returns the configured ingress window.
func (s *LifecycleService) TTL() time.Duration {
	return s.ttl
}

// Authorize opens the gate for address and tracks the grant. A gate failure is returned as a
// *gate.Error; a tracking failure still yields a grant with Tracked false.
func (s *LifecycleService) Authorize(ctx context.Context, address string) (Grant, error) {
	ctx = ensureContext(ctx)
	addr := normaliseAddress(address)
	if addr == "" {
		monitoring.RecordKnock("invalid")
		return Grant{Address: address}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if err := s.callGate(ctx, "authorize", addr); err != nil {
		monitoring.RecordKnock("gate_error")
		s.log.Error("ingress authorization failed", zap.String("address", addr), zap.Error(err))
		return Grant{Address: addr}, err
	}

	// The rule is open now, so the session must be recorded even if the caller went away.
	writeCtx, cancel := detachedContext(ctx)
	defer cancel()
	expiresAt, tracked := s.RecordAuthorization(writeCtx, addr)
	if tracked {
		monitoring.RecordKnock("authorized")
	} else {
		monitoring.RecordKnock("untracked")
	}
	return Grant{Address: addr, ExpiresAt: expiresAt, Tracked: tracked}, nil
}

// Goodbye closes the gate for address and then updates the bookkeeping. The store is not
// touched when the gate call fails.
func (s *LifecycleService) Goodbye(ctx context.Context, address string) (RevocationResult, error) {
	ctx = ensureContext(ctx)
	addr := normaliseAddress(address)
	if addr == "" {
		monitoring.RecordGoodbye("invalid")
		return RevocationResult{Address: address}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	if err := s.callGate(ctx, "revoke", addr); err != nil {
		monitoring.RecordGoodbye("gate_error")
		s.log.Error("ingress revocation failed", zap.String("address", addr), zap.Error(err))
		return RevocationResult{Address: addr}, err
	}

	writeCtx, cancel := detachedContext(ctx)
	defer cancel()
	result := s.RecordRevocation(writeCtx, addr)
	monitoring.RecordGoodbye(string(result.Status))
	return result, nil
}

// RecordAuthorization tracks a grant that has already been applied at the gate. It returns
// tracked false when the store failed; the grant stands regardless.
func (s *LifecycleService) RecordAuthorization(ctx context.Context, address string) (time.Time, bool) {
	session, err := s.store.Create(ensureContext(ctx), address, s.now(), s.ttl)
	if err != nil {
		s.log.Error("failed to track ingress session", zap.String("address", address), zap.Error(err))
		return time.Time{}, false
	}

	s.log.Info("ingress session opened",
		zap.String("address", session.Address),
		zap.String("session_id", session.ID),
		zap.Time("expires_at", session.ExpiresAt),
	)
	return session.ExpiresAt, true
}

// RecordRevocation closes every open session for address. It never fails; anomalies are
// reported through the result status.
func (s *LifecycleService) RecordRevocation(ctx context.Context, address string) RevocationResult {
	ctx = ensureContext(ctx)
	result := RevocationResult{Address: address}

	open, err := s.store.FindOpenByAddress(ctx, address)
	if err != nil {
		s.log.Error("failed to look up ingress sessions", zap.String("address", address), zap.Error(err))
		result.Status = RevocationStoreUnavailable
		return result
	}

	result.Open = len(open)
	switch len(open) {
	case 0:
		s.log.Warn("no open ingress session for address", zap.String("address", address))
		result.Status = RevocationNoOpenSession
		return result
	case 1:
		result.Status = RevocationRevoked
	default:
		// One gate revoke covers the address, so every local record is closed.
		s.log.Warn("multiple open ingress sessions for address",
			zap.String("address", address),
			zap.Int("count", len(open)),
		)
		result.Status = RevocationMultipleOpen
	}

	revokedAt := s.now()
	result.RevokedAt = revokedAt
	for _, session := range open {
		if err := s.store.MarkRevoked(ctx, session.ID, revokedAt); err != nil {
			s.log.Error("failed to mark ingress session revoked",
				zap.String("address", address),
				zap.String("session_id", session.ID),
				zap.Int("open", result.Open),
				zap.Error(err),
			)
			result.Status = RevocationStoreUnavailable
			continue
		}
		result.Revoked++
	}

	if result.Revoked > 0 {
		s.log.Info("ingress session closed", zap.String("address", address), zap.Int("revoked", result.Revoked))
	}
	return result
}

// SweepOnce revokes every session that expired before now. Sessions are processed in expiry
// order and independently: a failure leaves that session open for the next sweep. The returned
// error aggregates per-session failures and is meant for logging.
func (s *LifecycleService) SweepOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	ctx = ensureContext(ctx)
	var report SweepReport

	expired, err := s.store.ListExpiredOpen(ctx, now)
	if err != nil {
		return report, err
	}
	report.Expired = len(expired)

	var errs error
	for i := range expired {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if err := s.expire(ctx, &expired[i]); err != nil {
			report.Failed++
			errs = multierr.Append(errs, err)
			continue
		}
		report.Revoked++
	}

	if report.Expired > 0 {
		s.log.Info("ingress sweep finished",
			zap.Int("expired", report.Expired),
			zap.Int("revoked", report.Revoked),
			zap.Int("failed", report.Failed),
		)
	}
	return report, errs
}

func (s *LifecycleService) expire(ctx context.Context, session *models.IngressSession) error {
	if err := s.callGate(ctx, "revoke", session.Address); err != nil {
		monitoring.RecordSweepRevocation("gate_error")
		s.log.Error("failed to revoke expired ingress",
			zap.String("address", session.Address),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return err
	}

	writeCtx, cancel := detachedContext(ctx)
	defer cancel()
	if err := s.store.MarkRevoked(writeCtx, session.ID, s.now()); err != nil {
		monitoring.RecordSweepRevocation("store_error")
		s.log.Error("failed to mark expired ingress session revoked",
			zap.String("address", session.Address),
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
		return err
	}

	monitoring.RecordSweepRevocation("revoked")
	s.log.Info("expired ingress revoked",
		zap.String("address", session.Address),
		zap.String("session_id", session.ID),
		zap.Time("expired_at", session.ExpiresAt),
	)
	return nil
}

// Summary returns the tracked and open session counts and refreshes the open-session gauge.
func (s *LifecycleService) Summary(ctx context.Context) (SessionCounts, error) {
	counts, err := s.store.Counts(ensureContext(ctx))
	if err != nil {
		return SessionCounts{}, err
	}
	monitoring.SetOpenSessions(counts.Open)
	return counts, nil
}

// LogSummary logs the session counts. Verbose output also lists the open addresses.
func (s *LifecycleService) LogSummary(ctx context.Context, verbose bool) {
	ctx = ensureContext(ctx)
	counts, err := s.Summary(ctx)
	if err != nil {
		s.log.Warn("failed to summarise ingress sessions", zap.Error(err))
		return
	}

	fields := []zap.Field{zap.Int64("total", counts.Total), zap.Int64("open", counts.Open)}
	if verbose && counts.Open > 0 {
		addresses, err := s.store.OpenAddresses(ctx)
		if err != nil {
			s.log.Warn("failed to list open ingress addresses", zap.Error(err))
		} else {
			fields = append(fields, zap.Strings("open_addresses", addresses))
		}
	}
	s.log.Info("ingress sessions", fields...)
}

// PurgeRevoked removes revoked sessions older than retention. A non-positive retention keeps everything.
func (s *LifecycleService) PurgeRevoked(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.store.PurgeRevokedBefore(ensureContext(ctx), s.now().Add(-retention))
}

func (s *LifecycleService) callGate(ctx context.Context, op, address string) error {
	rule := s.rule.For(address)
	start := time.Now()

	var err error
	if op == "authorize" {
		err = s.gate.Authorize(ctx, rule)
	} else {
		err = s.gate.Revoke(ctx, rule)
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	monitoring.ObserveGateCall(op, result, time.Since(start))
	return err
}
