package token

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records consumed token nonces so a still-valid token is accepted
// at most once. Verify itself stays stateless; callers opt in by consuming the
// nonce of a successful Result.
type NonceStore interface {
	// Consume reports true the first time nonce is seen before it expires.
	Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error)
}

// MemoryNonceStore is a process-local NonceStore for development and tests.
type MemoryNonceStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{seen: make(map[string]time.Time), now: time.Now}
}

// Consume marks nonce as used until expiresAt.
func (s *MemoryNonceStore) Consume(_ context.Context, nonce string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for n, exp := range s.seen {
		if !exp.After(now) {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return false, nil
	}
	s.seen[nonce] = expiresAt
	return true, nil
}

// RedisNonceStore keeps consumed nonces in Redis with a TTL ending at the
// token's expiry, so every API instance shares the same view.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore builds a store using SET NX semantics.
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "checkin:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// Consume marks nonce as used until expiresAt.
func (s *RedisNonceStore) Consume(ctx context.Context, nonce string, expiresAt time.Time) (bool, error) {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.SetNX(ctx, s.prefix+nonce, "1", ttl).Result()
}
