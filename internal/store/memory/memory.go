// Package memory implements the domain store interfaces in process memory.
// It backs storage_backend = "memory" and the engine tests. Conditional
// writes follow the same version/status rules as the Postgres stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// Store holds campaigns, sessions and the audit log.
type Store struct {
	mu        sync.RWMutex
	campaigns map[string]domain.Campaign
	sessions  map[string]domain.Session
	active    map[string]string // campaignID|initiatorID -> sessionID
	audit     []domain.AuditEntry
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		campaigns: make(map[string]domain.Campaign),
		sessions:  make(map[string]domain.Session),
		active:    make(map[string]string),
	}
}

// Campaigns returns the campaign view of the store.
func (s *Store) Campaigns() *CampaignStore { return &CampaignStore{s: s} }

// Sessions returns the session view of the store.
func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

// Audit returns the audit-log view of the store.
func (s *Store) Audit() *AuditStore { return &AuditStore{s: s} }

func activeKey(campaignID, initiatorID string) string {
	return campaignID + "|" + initiatorID
}

// ---------------------------------------------------------------------------
// Campaigns
// ---------------------------------------------------------------------------

// CampaignStore implements domain.CampaignStore.
type CampaignStore struct{ s *Store }

// Get returns a campaign snapshot.
func (c *CampaignStore) Get(_ context.Context, id string) (domain.Campaign, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	camp, ok := c.s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrCampaignNotFound
	}
	return camp, nil
}

// ListActive returns active campaigns ordered by ID.
func (c *CampaignStore) ListActive(_ context.Context, opts domain.ListOpts) ([]domain.Campaign, error) {
	c.s.mu.RLock()
	out := make([]domain.Campaign, 0, len(c.s.campaigns))
	for _, camp := range c.s.campaigns {
		if camp.IsActive() {
			out = append(out, camp)
		}
	}
	c.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, opts), nil
}

// Upsert inserts or replaces a campaign definition. Counters are preserved
// when the campaign already exists.
func (c *CampaignStore) Upsert(_ context.Context, camp domain.Campaign) error {
	if err := camp.Validate(); err != nil {
		return err
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := c.s.campaigns[camp.ID]; ok {
		camp.TotalSessions = prev.TotalSessions
		camp.SuccessfulSessions = prev.SuccessfulSessions
		camp.CreatedAt = prev.CreatedAt
	} else if camp.CreatedAt.IsZero() {
		camp.CreatedAt = now
	}
	camp.UpdatedAt = now
	c.s.campaigns[camp.ID] = camp
	return nil
}

// IncrementTotalSessions adds one to the campaign's session counter.
func (c *CampaignStore) IncrementTotalSessions(_ context.Context, id string) error {
	return c.increment(id, func(camp *domain.Campaign) { camp.TotalSessions++ })
}

// IncrementSuccesses adds one to the campaign's success counter.
func (c *CampaignStore) IncrementSuccesses(_ context.Context, id string) error {
	return c.increment(id, func(camp *domain.Campaign) { camp.SuccessfulSessions++ })
}

func (c *CampaignStore) increment(id string, fn func(*domain.Campaign)) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	camp, ok := c.s.campaigns[id]
	if !ok {
		return domain.ErrCampaignNotFound
	}
	fn(&camp)
	c.s.campaigns[id] = camp
	return nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// SessionStore implements domain.SessionStore.
type SessionStore struct{ s *Store }

// Create inserts a new active session.
func (ss *SessionStore) Create(_ context.Context, sess domain.Session) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	key := activeKey(sess.CampaignID, sess.InitiatorID)
	if _, ok := ss.s.active[key]; ok {
		return domain.ErrAlreadyActive
	}
	if _, ok := ss.s.sessions[sess.ID]; ok {
		return domain.ErrAlreadyActive
	}
	ss.s.sessions[sess.ID] = sess.Clone()
	ss.s.active[key] = sess.ID
	return nil
}

// Get returns a deep copy of the session.
func (ss *SessionStore) Get(_ context.Context, id string) (domain.Session, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	sess, ok := ss.s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// FindActive returns the initiator's active session on a campaign.
func (ss *SessionStore) FindActive(_ context.Context, campaignID, initiatorID string) (domain.Session, error) {
	ss.s.mu.RLock()
	defer ss.s.mu.RUnlock()
	id, ok := ss.s.active[activeKey(campaignID, initiatorID)]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return ss.s.sessions[id].Clone(), nil
}

// ListByUser returns sessions the user initiated or helped, newest first.
func (ss *SessionStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Session, error) {
	ss.s.mu.RLock()
	var out []domain.Session
	for _, sess := range ss.s.sessions {
		if sess.InvolvesUser(userID) {
			out = append(out, sess.Clone())
		}
	}
	ss.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return page(out, opts), nil
}

// ListDue returns active sessions whose deadline has passed.
func (ss *SessionStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Session, error) {
	ss.s.mu.RLock()
	var out []domain.Session
	for _, sess := range ss.s.sessions {
		if sess.Status == domain.SessionStatusActive && sess.IsPastDeadline(now) {
			out = append(out, sess.Clone())
		}
	}
	ss.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AppendCut records a cut under the version/status precondition.
func (ss *SessionStore) AppendCut(_ context.Context, sessionID string, expectedVersion int64, cut domain.Cut, status domain.SessionStatus) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	sess, err := ss.checkLocked(sessionID, expectedVersion)
	if err != nil {
		return err
	}
	if _, dup := sess.CutBy(cut.HelperID); dup {
		return domain.ErrDuplicateHelper
	}

	sess.Cuts = append(sess.Cuts, cut)
	sess.CurrentPrice = cut.PriceAfter
	sess.Version++
	if status != domain.SessionStatusActive {
		ss.closeLocked(&sess, status, cut.AppliedAt)
	}
	ss.s.sessions[sessionID] = sess
	return nil
}

// Transition moves an active session to a terminal status.
func (ss *SessionStore) Transition(_ context.Context, sessionID string, expectedVersion int64, to domain.SessionStatus, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()

	sess, err := ss.checkLocked(sessionID, expectedVersion)
	if err != nil {
		return err
	}
	if !domain.CanTransition(sess.Status, to) {
		return domain.ErrVersionConflict
	}
	sess.Version++
	ss.closeLocked(&sess, to, at)
	ss.s.sessions[sessionID] = sess
	return nil
}

// ListClosedBefore returns unarchived terminal sessions closed before the
// cutoff.
func (ss *SessionStore) ListClosedBefore(_ context.Context, before time.Time, limit int) ([]domain.Session, error) {
	ss.s.mu.RLock()
	var out []domain.Session
	for _, sess := range ss.s.sessions {
		if sess.Status.IsTerminal() && sess.ArchivedAt == nil &&
			sess.ClosedAt != nil && sess.ClosedAt.Before(before) {
			out = append(out, sess.Clone())
		}
	}
	ss.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkArchived stamps archived_at on the given sessions.
func (ss *SessionStore) MarkArchived(_ context.Context, ids []string, at time.Time) error {
	ss.s.mu.Lock()
	defer ss.s.mu.Unlock()
	for _, id := range ids {
		sess, ok := ss.s.sessions[id]
		if !ok {
			continue
		}
		t := at
		sess.ArchivedAt = &t
		ss.s.sessions[id] = sess
	}
	return nil
}

func (ss *SessionStore) checkLocked(id string, expectedVersion int64) (domain.Session, error) {
	sess, ok := ss.s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if sess.Version != expectedVersion || sess.Status != domain.SessionStatusActive {
		return domain.Session{}, domain.ErrVersionConflict
	}
	return sess, nil
}

func (ss *SessionStore) closeLocked(sess *domain.Session, status domain.SessionStatus, at time.Time) {
	sess.Status = status
	t := at
	sess.ClosedAt = &t
	delete(ss.s.active, activeKey(sess.CampaignID, sess.InitiatorID))
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditStore implements domain.AuditStore.
type AuditStore struct{ s *Store }

// Log appends an audit entry.
func (a *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	a.s.audit = append(a.s.audit, domain.AuditEntry{
		ID:        int64(len(a.s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries newest first.
func (a *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	a.s.mu.RLock()
	out := make([]domain.AuditEntry, len(a.s.audit))
	for i, e := range a.s.audit {
		out[len(out)-1-i] = e
	}
	a.s.mu.RUnlock()
	return page(out, opts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.CampaignStore = (*CampaignStore)(nil)
	_ domain.SessionStore  = (*SessionStore)(nil)
	_ domain.AuditStore    = (*AuditStore)(nil)
)
