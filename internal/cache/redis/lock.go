package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so a holder whose TTL lapsed never releases the next holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// unlockTimeout bounds the release call, which runs on a background context
// so a cancelled request still frees its session.
const unlockTimeout = 5 * time.Second

// LockManager implements domain.LockManager using Redis SET NX PX with a
// per-acquisition token and a Lua compare-and-delete unlock.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
	}
}

// Acquire attempts to take the lock for key with the given TTL. It never
// blocks: a held lock returns domain.ErrLockHeld. The returned unlock is safe
// to call more than once and from several goroutines.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lm.c.Key("lock", key)
	rdb := lm.c.Underlying()

	ok, err := rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			_ = lm.unlockSc.Run(unlockCtx, rdb, []string{lk}, token).Err()
		})
	}
	return unlock, nil
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
