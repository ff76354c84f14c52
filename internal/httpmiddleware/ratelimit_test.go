package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketRefills(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60)
	l.now = func() time.Time { return now }

	require.True(t, l.allow("k"))
	require.True(t, l.allow("k"))
	require.False(t, l.allow("k"))
	require.True(t, l.allow("other"))

	now = now.Add(time.Second)
	require.True(t, l.allow("k"))
	require.False(t, l.allow("k"))

	// Refill never exceeds capacity.
	now = now.Add(time.Minute)
	require.True(t, l.allow("k"))
	require.True(t, l.allow("k"))
	require.False(t, l.allow("k"))
}

func TestGinMiddlewareKeys(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewTokenBucket(1, 1)
	r := gin.New()
	r.GET("/", l.GinMiddleware(func(c *gin.Context) string { return c.GetHeader("X-Station") }), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	do := func(station string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Station", station)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusNoContent, do("north").Code)
	limited := do("north")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "60", limited.Header().Get("Retry-After"))
	require.Equal(t, http.StatusNoContent, do("south").Code)
}
