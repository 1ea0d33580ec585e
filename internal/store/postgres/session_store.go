package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

const pgUniqueViolation = "23505"

// SessionStore implements domain.SessionStore using PostgreSQL. Every
// mutation is a single statement or transaction guarded by
// "version = $n AND status = 'active'".
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new SessionStore backed by the given connection pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionCols = `id, campaign_id, initiator_id, product_id,
	original_price, target_price, min_cut_amount, max_cut_amount,
	current_price, status, seed, version,
	created_at, expires_at, closed_at, archived_at`

func scanSession(row pgx.Row) (domain.Session, error) {
	var s domain.Session
	var status string
	var seed int64
	err := row.Scan(
		&s.ID, &s.CampaignID, &s.InitiatorID, &s.Terms.ProductID,
		&s.Terms.OriginalPrice, &s.Terms.TargetPrice, &s.Terms.MinCutAmount, &s.Terms.MaxCutAmount,
		&s.CurrentPrice, &status, &seed, &s.Version,
		&s.CreatedAt, &s.ExpiresAt, &s.ClosedAt, &s.ArchivedAt,
	)
	if err != nil {
		return domain.Session{}, err
	}
	s.Status = domain.SessionStatus(status)
	// The seed is stored as the bit pattern of a signed BIGINT.
	s.Seed = uint64(seed)
	s.Cuts = []domain.Cut{}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// Create inserts a new active session. The partial unique index on
// (campaign_id, initiator_id) rejects a second active session.
func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	const query = `
		INSERT INTO bargain_sessions (
			id, campaign_id, initiator_id, product_id,
			original_price, target_price, min_cut_amount, max_cut_amount,
			current_price, status, seed, version,
			created_at, expires_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14
		)`

	_, err := s.pool.Exec(ctx, query,
		sess.ID, sess.CampaignID, sess.InitiatorID, sess.Terms.ProductID,
		sess.Terms.OriginalPrice, sess.Terms.TargetPrice, sess.Terms.MinCutAmount, sess.Terms.MaxCutAmount,
		sess.CurrentPrice, string(sess.Status), int64(sess.Seed), sess.Version,
		sess.CreatedAt, sess.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyActive
		}
		return fmt.Errorf("postgres: create session %s: %w", sess.ID, err)
	}
	return nil
}

// Get retrieves a session and its cuts.
func (s *SessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionCols+` FROM bargain_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: get session %s: %w", id, err)
	}
	out := []domain.Session{sess}
	if err := s.attachCuts(ctx, out); err != nil {
		return domain.Session{}, err
	}
	return out[0], nil
}

// FindActive returns the initiator's active session on a campaign.
func (s *SessionStore) FindActive(ctx context.Context, campaignID, initiatorID string) (domain.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionCols+` FROM bargain_sessions
		 WHERE campaign_id = $1 AND initiator_id = $2 AND status = 'active'`,
		campaignID, initiatorID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("postgres: find active session %s/%s: %w", campaignID, initiatorID, err)
	}
	out := []domain.Session{sess}
	if err := s.attachCuts(ctx, out); err != nil {
		return domain.Session{}, err
	}
	return out[0], nil
}

// ListByUser returns sessions the user initiated or cut, newest first.
func (s *SessionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Session, error) {
	query, args := paginate(
		`SELECT `+sessionCols+` FROM bargain_sessions s
		 WHERE s.initiator_id = $1
		    OR EXISTS (SELECT 1 FROM bargain_cuts c WHERE c.session_id = s.id AND c.helper_id = $1)
		 ORDER BY s.created_at DESC, s.id DESC`,
		[]any{userID}, opts)
	return s.list(ctx, "list sessions by user", query, args...)
}

// ListDue returns active sessions whose deadline is at or before now.
func (s *SessionStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Session, error) {
	query, args := paginate(
		`SELECT `+sessionCols+` FROM bargain_sessions
		 WHERE status = 'active' AND expires_at <= $1
		 ORDER BY expires_at`,
		[]any{now}, domain.ListOpts{Limit: limit})
	return s.list(ctx, "list due sessions", query, args...)
}

// ListClosedBefore returns unarchived terminal sessions closed before the
// cutoff, oldest first.
func (s *SessionStore) ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]domain.Session, error) {
	query, args := paginate(
		`SELECT `+sessionCols+` FROM bargain_sessions
		 WHERE status <> 'active' AND archived_at IS NULL AND closed_at < $1
		 ORDER BY closed_at`,
		[]any{before}, domain.ListOpts{Limit: limit})
	return s.list(ctx, "list closed sessions", query, args...)
}

func (s *SessionStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	if err := s.attachCuts(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachCuts loads the cuts of all sessions in one query.
func (s *SessionStore) attachCuts(ctx context.Context, sessions []domain.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	ids := make([]string, len(sessions))
	index := make(map[string]int, len(sessions))
	for i, sess := range sessions {
		ids[i] = sess.ID
		index[sess.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, helper_id, request_id, amount, price_after, applied_at
		FROM bargain_cuts WHERE session_id = ANY($1) ORDER BY session_id, seq`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load cuts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c domain.Cut
		if err := rows.Scan(&c.SessionID, &c.HelperID, &c.RequestID, &c.Amount, &c.PriceAfter, &c.AppliedAt); err != nil {
			return fmt.Errorf("postgres: scan cut: %w", err)
		}
		i := index[c.SessionID]
		sessions[i].Cuts = append(sessions[i].Cuts, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load cuts rows: %w", err)
	}
	return nil
}

// AppendCut inserts the cut and moves the session price and status in one
// transaction, conditional on expectedVersion and an active status.
func (s *SessionStore) AppendCut(ctx context.Context, sessionID string, expectedVersion int64, cut domain.Cut, status domain.SessionStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var closedAt *time.Time
	if status != domain.SessionStatusActive {
		closedAt = &cut.AppliedAt
	}
	tag, err := tx.Exec(ctx, `
		UPDATE bargain_sessions
		SET current_price = $1, status = $2, closed_at = $3, version = version + 1
		WHERE id = $4 AND version = $5 AND status = 'active'`,
		cut.PriceAfter, string(status), closedAt, sessionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: update session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, tx, sessionID)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO bargain_cuts (session_id, seq, helper_id, request_id, amount, price_after, applied_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM bargain_cuts WHERE session_id = $1), $2, $3, $4, $5, $6)`,
		sessionID, cut.HelperID, cut.RequestID, cut.Amount, cut.PriceAfter, cut.AppliedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateHelper
		}
		return fmt.Errorf("postgres: insert cut for session %s: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit cut for session %s: %w", sessionID, err)
	}
	return nil
}

// Transition moves an active session to a terminal status.
func (s *SessionStore) Transition(ctx context.Context, sessionID string, expectedVersion int64, to domain.SessionStatus, at time.Time) error {
	if !to.IsTerminal() {
		return domain.ErrVersionConflict
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE bargain_sessions
		SET status = $1, closed_at = $2, version = version + 1
		WHERE id = $3 AND version = $4 AND status = 'active'`,
		string(to), at, sessionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("postgres: transition session %s to %s: %w", sessionID, to, err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, s.pool, sessionID)
	}
	return nil
}

// MarkArchived stamps archived_at on the given sessions.
func (s *SessionStore) MarkArchived(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE bargain_sessions SET archived_at = $1 WHERE id = ANY($2)`, at, ids)
	if err != nil {
		return fmt.Errorf("postgres: mark %d sessions archived: %w", len(ids), err)
	}
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// missOrConflict tells a lost precondition apart from a missing row after a
// conditional update touched nothing.
func (s *SessionStore) missOrConflict(ctx context.Context, q rowQuerier, sessionID string) error {
	var exists bool
	err := q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM bargain_sessions WHERE id = $1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("postgres: check session %s: %w", sessionID, err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return domain.ErrVersionConflict
}

var _ domain.SessionStore = (*SessionStore)(nil)
