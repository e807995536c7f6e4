package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemoryRateStore(func() time.Time { return now })

	r := gin.New()
	r.Use(RateLimit(store, 2, time.Minute))
	r.GET("/knock", func(c *gin.Context) { c.String(http.StatusOK, "Hello") })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/knock", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/knock", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "61", w.Header().Get("Retry-After"))

	now = now.Add(61 * time.Second)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/knock", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitKeysByClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(NewMemoryRateStore(), 1, time.Minute))
	r.GET("/knock", func(c *gin.Context) { c.String(http.StatusOK, "Hello") })

	for _, addr := range []string{"10.0.0.1:5000", "10.0.0.2:5000"} {
		req := httptest.NewRequest(http.MethodGet, "/knock", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
	}
}

type failingRateStore struct{}

func (failingRateStore) Increment(context.Context, string, time.Duration) (int, time.Duration, error) {
	return 0, 0, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.Use(RateLimit(failingRateStore{}, 1, time.Minute))
	r.GET("/knock", func(c *gin.Context) { c.String(http.StatusOK, "Hello") })

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/knock", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
}

func TestMemoryRateStoreEvictsExpiredCounters(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemoryRateStore(func() time.Time { return now })
	ctx := context.Background()

	_, _, err := store.Increment(ctx, "a", time.Second)
	require.NoError(t, err)
	_, _, err = store.Increment(ctx, "b", time.Second)
	require.NoError(t, err)
	require.Equal(t, 2, store.size())

	now = now.Add(5 * time.Second)
	count, ttl, err := store.Increment(ctx, "c", time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, time.Second, ttl)
	require.Equal(t, 1, store.size())
}

type countingStore struct {
	keys []string
}

func (s *countingStore) IncrementWithTTL(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.keys = append(s.keys, key)
	return int64(len(s.keys)), window, nil
}

func TestRedisRateStoreNamespacesKeys(t *testing.T) {
	require.Nil(t, NewRedisRateStore(nil))

	backing := &countingStore{}
	store := NewRedisRateStore(backing)

	count, ttl, err := store.Increment(context.Background(), "10.0.0.5|/knock", 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, time.Minute, ttl)
	require.Equal(t, []string{"ratelimit:10.0.0.5|/knock"}, backing.keys)
}
