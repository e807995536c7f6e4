package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/charlesng35/knockgate/internal/database/testutil"
	"github.com/charlesng35/knockgate/internal/models"
)

func newTestStore(t *testing.T) (*GormSessionStore, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store, err := NewGormSessionStore(db)
	require.NoError(t, err)
	return store, db
}

func requireSameInstant(t *testing.T, want, got time.Time) {
	t.Helper()
	require.Truef(t, want.Equal(got), "expected %s, got %s", want, got)
}

func TestNewGormSessionStoreRequiresDB(t *testing.T) {
	_, err := NewGormSessionStore(nil)
	require.Error(t, err)
}

func TestGormSessionStoreCreate(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	session, err := store.Create(ctx, " 10.0.0.5 ", start, 30*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, session.ID)
	require.Equal(t, "10.0.0.5", session.Address)
	requireSameInstant(t, start.Add(30*time.Minute), session.ExpiresAt)
	require.Nil(t, session.RevokedAt)

	var stored models.IngressSession
	require.NoError(t, db.First(&stored, "id = ?", session.ID).Error)
	requireSameInstant(t, start, stored.AuthorizedAt)
	requireSameInstant(t, start.Add(30*time.Minute), stored.ExpiresAt)
	require.True(t, stored.IsOpen())
}

func TestGormSessionStoreCreateNormalisesToUTC(t *testing.T) {
	store, _ := newTestStore(t)
	zone := time.FixedZone("UTC+5", 5*60*60)
	start := time.Date(2024, 5, 1, 14, 0, 0, 0, zone)

	session, err := store.Create(context.Background(), "10.0.0.5", start, time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.UTC, session.AuthorizedAt.Location())
	requireSameInstant(t, start, session.AuthorizedAt)
}

func TestGormSessionStoreCreateRejectsNonPositiveTTL(t *testing.T) {
	store, db := newTestStore(t)

	for _, ttl := range []time.Duration{0, -time.Minute} {
		_, err := store.Create(context.Background(), "10.0.0.5", time.Now(), ttl)
		require.ErrorIs(t, err, ErrInvalidTTL)
	}

	var count int64
	require.NoError(t, db.Model(&models.IngressSession{}).Count(&count).Error)
	require.Zero(t, count)
}

func failCreates(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_create", func(tx *gorm.DB) {
		_ = tx.AddError(errors.New("disk I/O error"))
	}))
}

func TestGormSessionStoreCreateFailureLeavesNoRow(t *testing.T) {
	store, db := newTestStore(t)
	failCreates(t, db)

	_, err := store.Create(context.Background(), "10.0.0.5", time.Now(), time.Minute)
	require.ErrorIs(t, err, ErrStoreUnavailable)

	var count int64
	require.NoError(t, db.Model(&models.IngressSession{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestGormSessionStoreClosedDatabase(t *testing.T) {
	store, db := newTestStore(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = store.ListExpiredOpen(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrStoreUnavailable)

	err = store.MarkRevoked(context.Background(), "any", time.Now())
	require.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestGormSessionStoreFindOpenByAddress(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	first, err := store.Create(ctx, "10.0.0.5", start, time.Hour)
	require.NoError(t, err)
	second, err := store.Create(ctx, "10.0.0.5", start.Add(time.Minute), time.Hour)
	require.NoError(t, err)
	_, err = store.Create(ctx, "10.0.0.6", start, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkRevoked(ctx, first.ID, start.Add(2*time.Minute)))

	open, err := store.FindOpenByAddress(ctx, "10.0.0.5")
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, second.ID, open[0].ID)

	none, err := store.FindOpenByAddress(ctx, "10.9.9.9")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestGormSessionStoreMarkRevokedFirstWriteWins(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	session, err := store.Create(ctx, "10.0.0.5", start, time.Hour)
	require.NoError(t, err)

	r1 := start.Add(10 * time.Minute)
	r2 := start.Add(20 * time.Minute)
	require.NoError(t, store.MarkRevoked(ctx, session.ID, r1))
	require.NoError(t, store.MarkRevoked(ctx, session.ID, r2))

	var stored models.IngressSession
	require.NoError(t, db.First(&stored, "id = ?", session.ID).Error)
	require.NotNil(t, stored.RevokedAt)
	requireSameInstant(t, r1, *stored.RevokedAt)
}

func TestGormSessionStoreMarkRevokedUnknownID(t *testing.T) {
	store, _ := newTestStore(t)

	err := store.MarkRevoked(context.Background(), "missing", time.Now())
	require.ErrorIs(t, err, ErrSessionNotFound)

	err = store.MarkRevoked(context.Background(), "  ", time.Now())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGormSessionStoreListExpiredOpen(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	late, err := store.Create(ctx, "10.0.0.1", base.Add(5*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	early, err := store.Create(ctx, "10.0.0.2", base, 10*time.Minute)
	require.NoError(t, err)
	boundary, err := store.Create(ctx, "10.0.0.3", base.Add(10*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	revoked, err := store.Create(ctx, "10.0.0.4", base, time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkRevoked(ctx, revoked.ID, base.Add(30*time.Second)))

	now := boundary.ExpiresAt
	expired, err := store.ListExpiredOpen(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	require.Equal(t, early.ID, expired[0].ID)
	require.Equal(t, late.ID, expired[1].ID)

	for _, session := range expired {
		require.NotEqual(t, boundary.ID, session.ID, "session expiring exactly at now must stay open")
	}
}

func TestGormSessionStoreCountsAndOpenAddresses(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, SessionCounts{}, counts)

	a, err := store.Create(ctx, "10.0.0.9", base, time.Hour)
	require.NoError(t, err)
	_, err = store.Create(ctx, "10.0.0.1", base, time.Hour)
	require.NoError(t, err)
	_, err = store.Create(ctx, "10.0.0.1", base.Add(time.Second), time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.MarkRevoked(ctx, a.ID, base.Add(time.Minute)))

	counts, err = store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, SessionCounts{Total: 3, Open: 2}, counts)

	addresses, err := store.OpenAddresses(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1"}, addresses)
}

func TestGormSessionStorePurgeRevokedBefore(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	old, err := store.Create(ctx, "10.0.0.1", base, time.Minute)
	require.NoError(t, err)
	recent, err := store.Create(ctx, "10.0.0.2", base, time.Minute)
	require.NoError(t, err)
	_, err = store.Create(ctx, "10.0.0.3", base, time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.MarkRevoked(ctx, old.ID, base.Add(time.Hour)))
	require.NoError(t, store.MarkRevoked(ctx, recent.ID, base.Add(72*time.Hour)))

	purged, err := store.PurgeRevokedBefore(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, purged)

	counts, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, SessionCounts{Total: 2, Open: 1}, counts)
}
