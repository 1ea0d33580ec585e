package bargain

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
)

// SessionManager creates and looks up bargain sessions.
type SessionManager struct {
	*core
}

// Start opens a session for initiatorID on campaignID. The store enforces a
// single active session per initiator and campaign; a stale session whose
// deadline passed before the sweep reached it is expired first.
func (m *SessionManager) Start(ctx context.Context, campaignID, initiatorID string) (domain.Session, error) {
	if err := requireIDs("campaign_id", campaignID, "initiator_id", initiatorID); err != nil {
		return domain.Session{}, err
	}

	camp, err := m.readCampaign(ctx, campaignID)
	if err != nil {
		return domain.Session{}, err
	}
	if !camp.IsActive() {
		return domain.Session{}, domain.ErrCampaignEnded
	}
	if err := camp.Validate(); err != nil {
		return domain.Session{}, err
	}

	now := m.now()
	ttl := camp.SessionTTL
	if ttl <= 0 {
		ttl = m.cfg.SessionTTL
	}
	sess := domain.Session{
		ID:           m.newID(),
		CampaignID:   camp.ID,
		InitiatorID:  initiatorID,
		Terms:        camp.Terms(),
		CurrentPrice: camp.OriginalPrice,
		Cuts:         []domain.Cut{},
		Status:       domain.SessionStatusActive,
		Seed:         m.newSeed(),
		Version:      1,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}

	err = m.create(ctx, sess)
	if errors.Is(err, domain.ErrAlreadyActive) {
		expired, xerr := m.expireStale(ctx, campaignID, initiatorID)
		if xerr != nil {
			return domain.Session{}, xerr
		}
		if expired {
			err = m.create(ctx, sess)
		}
	}
	if err != nil {
		return domain.Session{}, err
	}

	// The session is durable at this point; a counter failure is logged
	// rather than failing a start that already happened.
	if err := retryOp(ctx, m.retry, func() error {
		return m.campaigns.IncrementTotalSessions(ctx, campaignID)
	}); err != nil {
		m.logger.ErrorContext(ctx, "increment total sessions failed",
			slog.String("campaign_id", campaignID),
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()),
		)
	}
	m.invalidate(ctx, campaignID)
	metrics.SessionsStarted.Inc()

	m.logger.InfoContext(ctx, "session started",
		slog.String("session_id", sess.ID),
		slog.String("campaign_id", campaignID),
		slog.String("initiator_id", initiatorID),
		slog.Int64("price", sess.CurrentPrice),
		slog.Time("expires_at", sess.ExpiresAt),
	)
	return sess, nil
}

// create inserts sess, retrying store failures. If an earlier attempt
// committed before its error surfaced, the retry sees the conflict on the
// session's own row and treats it as success.
func (m *SessionManager) create(ctx context.Context, sess domain.Session) error {
	attempted := false
	return retryOp(ctx, m.retry, func() error {
		err := m.sessions.Create(ctx, sess)
		if errors.Is(err, domain.ErrAlreadyActive) && attempted {
			if got, gerr := m.sessions.Get(ctx, sess.ID); gerr == nil && got.InitiatorID == sess.InitiatorID {
				return nil
			}
		}
		attempted = true
		return err
	})
}

// expireStale expires the initiator's active session on the campaign if its
// deadline has passed. It reports whether a session was expired.
func (m *SessionManager) expireStale(ctx context.Context, campaignID, initiatorID string) (bool, error) {
	cur, err := m.sessions.FindActive(ctx, campaignID, initiatorID)
	if errors.Is(err, domain.ErrNotFound) {
		// Closed between the failed create and this read.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !cur.IsPastDeadline(m.now()) {
		return false, nil
	}

	unlock, err := m.lockSession(ctx, cur.ID)
	if err != nil {
		return false, err
	}
	fx, expired, err := m.expireLocked(ctx, cur.ID)
	unlock()
	if err != nil {
		return false, err
	}
	if expired {
		m.run(ctx, fx)
	}
	// Either this call expired it or another caller closed it first.
	return true, nil
}

// expireLocked re-reads a session under its lock and expires it when it is
// still active and past its deadline.
func (c *core) expireLocked(ctx context.Context, id string) (effects, bool, error) {
	sess, err := c.loadSession(ctx, id)
	if err != nil {
		return effects{}, false, err
	}
	if sess.Status != domain.SessionStatusActive || !sess.IsPastDeadline(c.now()) {
		return effects{}, false, nil
	}
	fx, err := c.closeLocked(ctx, sess, domain.SessionStatusExpired)
	if err != nil {
		return effects{}, false, err
	}
	return fx, true, nil
}

// Get returns a session snapshot.
func (m *SessionManager) Get(ctx context.Context, id string) (domain.Session, error) {
	if err := requireIDs("session_id", id); err != nil {
		return domain.Session{}, err
	}
	return m.loadSession(ctx, id)
}

// ListForUser returns sessions initiated or helped by userID, newest first.
func (m *SessionManager) ListForUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Session, error) {
	if err := requireIDs("user_id", userID); err != nil {
		return nil, err
	}
	var out []domain.Session
	err := retryOp(ctx, m.retry, func() error {
		var err error
		out, err = m.sessions.ListByUser(ctx, userID, opts)
		return err
	})
	return out, err
}

// Cancel moves an active session to cancelled on behalf of its initiator.
// It competes with cuts and expiry for the session lock; whichever
// transition commits first decides the terminal state.
func (m *SessionManager) Cancel(ctx context.Context, sessionID, actorID string) (domain.Session, error) {
	if err := requireIDs("session_id", sessionID, "actor_id", actorID); err != nil {
		return domain.Session{}, err
	}

	unlock, err := m.lockSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		sess, err := m.loadSession(ctx, sessionID)
		if err != nil {
			return domain.Session{}, err
		}
		if sess.InitiatorID != actorID {
			return domain.Session{}, domain.ErrNotInitiator
		}
		if sess.Status != domain.SessionStatusActive {
			return domain.Session{}, domain.ErrSessionClosed
		}

		fx, err := m.closeLocked(ctx, sess, domain.SessionStatusCancelled)
		if isVersionConflict(err) && attempt < m.cfg.MaxRetries {
			continue
		}
		if isVersionConflict(err) {
			return domain.Session{}, domain.ErrSessionClosed
		}
		if err != nil {
			return domain.Session{}, err
		}
		unlock()
		m.run(ctx, fx)

		sess.Status = domain.SessionStatusCancelled
		sess.Version++
		at := fx.progress.At
		sess.ClosedAt = &at
		return sess, nil
	}
}
