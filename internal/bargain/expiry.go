package bargain

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// ExpiryScheduler closes active sessions whose deadline has passed.
type ExpiryScheduler struct {
	*core
}

// Sweep expires every due session it can lock and returns how many it
// expired. Sessions with a cut in flight are skipped and picked up by a
// later sweep; sessions already closed are left alone.
func (s *ExpiryScheduler) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	total := 0
	for {
		var due []domain.Session
		err := retryOp(ctx, s.retry, func() error {
			var err error
			due, err = s.sessions.ListDue(ctx, now, s.cfg.ExpiryBatch)
			return err
		})
		if err != nil {
			return total, err
		}

		expired := 0
		for _, sess := range due {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			unlock, ok, err := s.tryLockSession(ctx, sess.ID)
			if err != nil {
				s.logger.WarnContext(ctx, "expiry lock failed",
					slog.String("session_id", sess.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !ok {
				continue
			}
			fx, done, err := s.expireLocked(ctx, sess.ID)
			unlock()
			if err != nil {
				if !isVersionConflict(err) {
					s.logger.WarnContext(ctx, "expire session failed",
						slog.String("session_id", sess.ID),
						slog.String("error", err.Error()),
					)
				}
				continue
			}
			if done {
				s.run(ctx, fx)
				expired++
			}
		}
		total += expired

		// A page where nothing could be expired would come back unchanged.
		if len(due) < s.cfg.ExpiryBatch || expired == 0 {
			return total, nil
		}
	}
}

// Run sweeps every cfg.ExpiryTick until ctx is cancelled.
func (s *ExpiryScheduler) Run(ctx context.Context) error {
	s.logger.Info("expiry scheduler started", slog.Duration("tick", s.cfg.ExpiryTick))
	ticker := time.NewTicker(s.cfg.ExpiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("expiry sweep failed",
					slog.Int("expired", n),
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				s.logger.Info("expiry sweep complete", slog.Int("expired", n))
			}
		}
	}
}
