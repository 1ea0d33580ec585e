package bargain

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

const (
	lockPollBase = 2 * time.Millisecond
	lockPollMax  = 25 * time.Millisecond
)

func sessionLockKey(id string) string {
	return "bargain:session:" + id
}

// lockSession enters the exclusive section of one session, polling a busy
// lock with capped backoff until cfg.LockWait elapses.
func (c *core) lockSession(ctx context.Context, id string) (func(), error) {
	deadline := time.Now().Add(c.cfg.LockWait)
	key := sessionLockKey(id)

	for attempt := 0; ; attempt++ {
		unlock, err := c.locks.Acquire(ctx, key, c.cfg.LockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("bargain: lock session %s: %w", id, err)
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("bargain: lock session %s: %w", id, domain.ErrLockTimeout)
		}

		delay := lockPollBase << uint(min(attempt, 4))
		if delay > lockPollMax {
			delay = lockPollMax
		}
		delay += time.Duration(rand.Int64N(int64(lockPollBase)))
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// tryLockSession makes a single acquisition attempt. ok is false when the
// session is busy.
func (c *core) tryLockSession(ctx context.Context, id string) (unlock func(), ok bool, err error) {
	unlock, err = c.locks.Acquire(ctx, sessionLockKey(id), c.cfg.LockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bargain: lock session %s: %w", id, err)
	}
	return unlock, true, nil
}

// LocalLocks is an in-process domain.LockManager keyed by string. It only
// serializes callers within one process; multi-instance deployments use the
// Redis lock manager. The TTL is ignored because an in-process holder cannot
// vanish without its unlock running.
type LocalLocks struct {
	mu   sync.Mutex
	held map[string]uint64
	seq  uint64
}

// NewLocalLocks creates an empty LocalLocks.
func NewLocalLocks() *LocalLocks {
	return &LocalLocks{held: make(map[string]uint64)}
}

// Acquire claims key or returns domain.ErrLockHeld. The returned unlock is
// safe to call more than once.
func (l *LocalLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return nil, domain.ErrLockHeld
	}
	l.seq++
	token := l.seq
	l.held[key] = token
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			if l.held[key] == token {
				delete(l.held, key)
			}
			l.mu.Unlock()
		})
	}, nil
}

// Held returns the number of keys currently locked.
func (l *LocalLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

var _ domain.LockManager = (*LocalLocks)(nil)
