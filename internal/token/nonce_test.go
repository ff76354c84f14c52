package token

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryNonceStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewMemoryNonceStore()
	store.now = func() time.Time { return now }

	ok, err := store.Consume(ctx, "n1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Consume(ctx, "n1", now.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, ok)

	now = now.Add(2 * time.Minute)
	ok, err = store.Consume(ctx, "n1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok, "expired nonce entries are forgotten")
}

func TestRedisNonceStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	store := NewRedisNonceStore(client, "")
	exp := time.Now().Add(10 * time.Minute)

	ok, err := store.Consume(ctx, "n1", exp)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Consume(ctx, "n1", exp)
	require.NoError(t, err)
	require.False(t, ok)

	require.True(t, mr.Exists("checkin:nonce:n1"))
	require.Greater(t, mr.TTL("checkin:nonce:n1"), time.Duration(0))

	mr.FastForward(11 * time.Minute)
	ok, err = store.Consume(ctx, "n1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifiedTokenConsumedOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryNonceStore()
	tok, err := Build("42", testSecret, Options{})
	require.NoError(t, err)

	first := Verify(tok, testSecret, Options{})
	require.True(t, first.Valid)
	ok, err := store.Consume(ctx, first.Nonce, first.ExpiresAt)
	require.NoError(t, err)
	require.True(t, ok)

	second := Verify(tok, testSecret, Options{})
	require.True(t, second.Valid, "verification itself is stateless")
	ok, err = store.Consume(ctx, second.Nonce, second.ExpiresAt)
	require.NoError(t, err)
	require.False(t, ok)
}
