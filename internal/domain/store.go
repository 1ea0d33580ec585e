package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// CampaignStore persists campaign definitions and their rollup counters.
// Counter increments are single atomic adds on the backing store, never a
// read-modify-write of a cached copy.
type CampaignStore interface {
	Get(ctx context.Context, id string) (Campaign, error)
	ListActive(ctx context.Context, opts ListOpts) ([]Campaign, error)
	Upsert(ctx context.Context, c Campaign) error
	IncrementTotalSessions(ctx context.Context, id string) error
	IncrementSuccesses(ctx context.Context, id string) error
}

// SessionStore persists sessions and their cuts. Every mutating call is
// conditional on the caller's view of the row (version and status) and
// returns ErrVersionConflict when that view is stale. A call that returns
// nil has durably committed.
type SessionStore interface {
	// Create inserts a new active session. It returns ErrAlreadyActive when
	// the initiator already holds an active session on the campaign.
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)
	FindActive(ctx context.Context, campaignID, initiatorID string) (Session, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Session, error)
	// ListDue returns active sessions whose deadline is at or before now,
	// oldest deadline first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Session, error)
	// AppendCut records cut, sets the price to cut.PriceAfter and the status
	// to status (active or succeeded) in one conditional write.
	AppendCut(ctx context.Context, sessionID string, expectedVersion int64, cut Cut, status SessionStatus) error
	// Transition moves an active session to a terminal status.
	Transition(ctx context.Context, sessionID string, expectedVersion int64, to SessionStatus, at time.Time) error
	ListClosedBefore(ctx context.Context, before time.Time, limit int) ([]Session, error)
	MarkArchived(ctx context.Context, ids []string, at time.Time) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
