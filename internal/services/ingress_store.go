package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/charlesng35/knockgate/internal/models"
)

var (
	// ErrStoreUnavailable wraps any driver failure surfaced by the session store.
	ErrStoreUnavailable = errors.New("ingress store: unavailable")
	// ErrSessionNotFound indicates the session id does not exist.
	ErrSessionNotFound = errors.New("ingress store: session not found")
	// ErrInvalidTTL rejects session windows that would not expire after they start.
	ErrInvalidTTL = errors.New("ingress store: ttl must be positive")
)

// SessionCounts summarises tracked sessions.
type SessionCounts struct {
	Total int64 `json:"total"`
	Open  int64 `json:"open"`
}

// IngressSessionStore persists ingress sessions. Every mutation is a single atomic statement.
type IngressSessionStore interface {
	Create(ctx context.Context, address string, authorizedAt time.Time, ttl time.Duration) (*models.IngressSession, error)
	FindOpenByAddress(ctx context.Context, address string) ([]models.IngressSession, error)
	MarkRevoked(ctx context.Context, id string, revokedAt time.Time) error
	ListExpiredOpen(ctx context.Context, now time.Time) ([]models.IngressSession, error)
	Counts(ctx context.Context) (SessionCounts, error)
	OpenAddresses(ctx context.Context) ([]string, error)
	PurgeRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// GormSessionStore implements IngressSessionStore on top of gorm.
type GormSessionStore struct {
	db *gorm.DB
}

// NewGormSessionStore constructs the store. The schema must already be migrated.
func NewGormSessionStore(db *gorm.DB) (*GormSessionStore, error) {
	if db == nil {
		return nil, errors.New("ingress store: db is required")
	}
	return &GormSessionStore{db: db}, nil
}

// Create inserts a new open session expiring ttl after authorizedAt.
func (s *GormSessionStore) Create(ctx context.Context, address string, authorizedAt time.Time, ttl time.Duration) (*models.IngressSession, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return nil, errors.New("ingress store: address is required")
	}

	start := storeTime(authorizedAt)
	session := &models.IngressSession{
		Address:      address,
		AuthorizedAt: start,
		ExpiresAt:    start.Add(ttl),
	}
	if err := s.db.WithContext(ensureContext(ctx)).Create(session).Error; err != nil {
		return nil, unavailable("create session", err)
	}
	return session, nil
}

// FindOpenByAddress returns every open session for address, oldest first.
func (s *GormSessionStore) FindOpenByAddress(ctx context.Context, address string) ([]models.IngressSession, error) {
	var sessions []models.IngressSession
	err := s.db.WithContext(ensureContext(ctx)).
		Where("address = ? AND revoked_at IS NULL", strings.TrimSpace(address)).
		Order("authorized_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, unavailable("find open sessions", err)
	}
	return sessions, nil
}

// MarkRevoked closes the session. The first revocation wins; later calls are no-ops.
func (s *GormSessionStore) MarkRevoked(ctx context.Context, id string, revokedAt time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrSessionNotFound
	}
	db := s.db.WithContext(ensureContext(ctx))

	res := db.Model(&models.IngressSession{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Update("revoked_at", storeTime(revokedAt))
	if res.Error != nil {
		return unavailable("mark session revoked", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&models.IngressSession{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return unavailable("lookup session", err)
	}
	if count == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListExpiredOpen returns open sessions whose expiry is strictly before now, earliest first.
func (s *GormSessionStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]models.IngressSession, error) {
	var sessions []models.IngressSession
	err := s.db.WithContext(ensureContext(ctx)).
		Where("revoked_at IS NULL AND expires_at < ?", storeTime(now)).
		Order("expires_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, unavailable("list expired sessions", err)
	}
	return sessions, nil
}

// Counts returns the number of tracked and open sessions.
func (s *GormSessionStore) Counts(ctx context.Context) (SessionCounts, error) {
	var counts SessionCounts
	db := s.db.WithContext(ensureContext(ctx))

	if err := db.Model(&models.IngressSession{}).Count(&counts.Total).Error; err != nil {
		return SessionCounts{}, unavailable("count sessions", err)
	}
	if err := db.Model(&models.IngressSession{}).Where("revoked_at IS NULL").Count(&counts.Open).Error; err != nil {
		return SessionCounts{}, unavailable("count open sessions", err)
	}
	return counts, nil
}

// OpenAddresses lists the distinct addresses holding an open session.
func (s *GormSessionStore) OpenAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	err := s.db.WithContext(ensureContext(ctx)).
		Model(&models.IngressSession{}).
		Where("revoked_at IS NULL").
		Distinct().
		Order("address ASC").
		Pluck("address", &addresses).Error
	if err != nil {
		return nil, unavailable("list open addresses", err)
	}
	return addresses, nil
}

// PurgeRevokedBefore deletes revoked sessions closed before cutoff. Open sessions are never removed.
func (s *GormSessionStore) PurgeRevokedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ensureContext(ctx)).
		Where("revoked_at IS NOT NULL AND revoked_at < ?", storeTime(cutoff)).
		Delete(&models.IngressSession{})
	if res.Error != nil {
		return 0, unavailable("purge revoked sessions", res.Error)
	}
	return res.RowsAffected, nil
}

// storeTime normalises timestamps to UTC without a monotonic reading so every driver
// compares them consistently.
func storeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
