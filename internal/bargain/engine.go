// Package bargain implements the price-cut negotiation engine: session
// lifecycle, cut validation and application under a per-session exclusive
// section, expiry sweeps and campaign rollup counters.
package bargain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
)

// Config holds the engine policy values.
type Config struct {
	// SessionTTL applies when a campaign has no SessionTTL of its own.
	SessionTTL time.Duration
	// AllowInitiatorCut lets the initiator spend their one cut on their own
	// session.
	AllowInitiatorCut bool
	// LockTTL bounds how long a crashed holder can keep a session locked.
	LockTTL time.Duration
	// LockWait bounds how long a caller waits for a busy session.
	LockWait time.Duration
	// MaxRetries is the number of extra attempts for store failures inside
	// the exclusive section.
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// ExpiryTick is the sweep interval of the expiry scheduler.
	ExpiryTick  time.Duration
	ExpiryBatch int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:        24 * time.Hour,
		AllowInitiatorCut: true,
		LockTTL:           5 * time.Second,
		LockWait:          3 * time.Second,
		MaxRetries:        3,
		RetryBaseDelay:    20 * time.Millisecond,
		RetryMaxDelay:     500 * time.Millisecond,
		ExpiryTick:        time.Minute,
		ExpiryBatch:       200,
	}
}

// Deps bundles the collaborators of the engine. Cache and Events are
// optional.
type Deps struct {
	Campaigns domain.CampaignStore
	Sessions  domain.SessionStore
	Cache     domain.CampaignCache
	Locks     domain.LockManager
	Events    domain.EventPublisher
	Logger    *slog.Logger

	// Now, NewID and NewSeed default to wall clock, UUIDv4 and a random
	// uint64. Tests replace them for reproducible sessions.
	Now     func() time.Time
	NewID   func() string
	NewSeed func() uint64
}

// Engine exposes the engine components. They share one core so the lock,
// retry policy and post-commit effects are identical on every path.
type Engine struct {
	Campaigns *CampaignService
	Sessions  *SessionManager
	Cuts      *CutProcessor
	Expiry    *ExpiryScheduler
}

// New wires an Engine.
func New(cfg Config, deps Deps) *Engine {
	c := newCore(cfg, deps)
	return &Engine{
		Campaigns: &CampaignService{core: c},
		Sessions:  &SessionManager{core: c},
		Cuts:      &CutProcessor{core: c},
		Expiry:    &ExpiryScheduler{core: c},
	}
}

type core struct {
	cfg       Config
	campaigns domain.CampaignStore
	sessions  domain.SessionStore
	cache     domain.CampaignCache
	locks     domain.LockManager
	events    domain.EventPublisher
	logger    *slog.Logger
	retry     retryPolicy

	now     func() time.Time
	newID   func() string
	newSeed func() uint64
}

func newCore(cfg Config, deps Deps) *core {
	def := DefaultConfig()
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = def.SessionTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = def.LockWait
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		cfg.RetryMaxDelay = cfg.RetryBaseDelay
	}
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = def.ExpiryTick
	}
	if cfg.ExpiryBatch <= 0 {
		cfg.ExpiryBatch = def.ExpiryBatch
	}

	c := &core{
		cfg:       cfg,
		campaigns: deps.Campaigns,
		sessions:  deps.Sessions,
		cache:     deps.Cache,
		locks:     deps.Locks,
		events:    deps.Events,
		logger:    deps.Logger,
		retry: retryPolicy{
			maxRetries: cfg.MaxRetries,
			baseDelay:  cfg.RetryBaseDelay,
			maxDelay:   cfg.RetryMaxDelay,
		},
		now:     deps.Now,
		newID:   deps.NewID,
		newSeed: deps.NewSeed,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "bargain"))
	if c.locks == nil {
		c.locks = NewLocalLocks()
	}
	if c.events == nil {
		c.events = NewLogPublisher(c.logger)
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if c.newID == nil {
		c.newID = func() string { return uuid.New().String() }
	}
	if c.newSeed == nil {
		c.newSeed = rand.Uint64
	}
	return c
}

// ---------------------------------------------------------------------------
// Post-commit effects
// ---------------------------------------------------------------------------

const progressCut = "cut"

// effects are produced inside the exclusive section and executed after it
// is released, so counters, events and cache traffic never extend the
// section.
type effects struct {
	campaignID string
	progress   *domain.ProgressEvent
	success    *domain.SuccessEvent
}

func (c *core) run(ctx context.Context, fx effects) {
	if p := fx.progress; p != nil {
		if p.Type == progressCut {
			metrics.CutsApplied.Inc()
			metrics.CutAmount.Observe(float64(p.Amount))
		}
		if p.Status.IsTerminal() {
			metrics.SessionsClosed.WithLabelValues(string(p.Status)).Inc()
		}
	}
	if fx.success != nil {
		c.recordSuccess(ctx, fx.campaignID, *fx.success)
	}
	if fx.progress != nil {
		if err := c.events.PublishProgress(ctx, *fx.progress); err != nil {
			c.logger.WarnContext(ctx, "publish progress failed",
				slog.String("session_id", fx.progress.SessionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// recordSuccess is called exactly once per session: by the caller whose
// conditional write moved it into succeeded.
func (c *core) recordSuccess(ctx context.Context, campaignID string, ev domain.SuccessEvent) {
	err := retryOp(ctx, c.retry, func() error {
		return c.campaigns.IncrementSuccesses(ctx, campaignID)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "increment successes failed",
			slog.String("campaign_id", campaignID),
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
	}
	c.invalidate(ctx, campaignID)

	err = retryOp(ctx, c.retry, func() error {
		return c.events.PublishSuccess(ctx, ev)
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "publish success event failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}
	c.logger.InfoContext(ctx, "bargain succeeded",
		slog.String("session_id", ev.SessionID),
		slog.String("campaign_id", campaignID),
		slog.String("initiator_id", ev.InitiatorID),
		slog.Int64("target_price", ev.TargetPrice),
		slog.Int("cuts", ev.CutCount),
	)
}

func (c *core) invalidate(ctx context.Context, campaignID string) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Invalidate(ctx, campaignID); err != nil {
		c.logger.WarnContext(ctx, "campaign cache invalidate failed",
			slog.String("campaign_id", campaignID),
			slog.String("error", err.Error()),
		)
	}
}

// closeLocked performs the conditional active -> to transition on a session
// the caller holds the lock for, and returns the effects to run after
// release.
func (c *core) closeLocked(ctx context.Context, sess domain.Session, to domain.SessionStatus) (effects, error) {
	at := c.now()
	failed := false
	err := retryOp(ctx, c.retry, func() error {
		err := c.sessions.Transition(ctx, sess.ID, sess.Version, to, at)
		if isVersionConflict(err) && failed && c.committed(ctx, sess, to) {
			return nil
		}
		failed = err != nil
		return err
	})
	if err != nil {
		return effects{}, err
	}

	fx := effects{
		campaignID: sess.CampaignID,
		progress: &domain.ProgressEvent{
			Type:         string(to),
			SessionID:    sess.ID,
			CampaignID:   sess.CampaignID,
			CurrentPrice: sess.CurrentPrice,
			TargetPrice:  sess.Terms.TargetPrice,
			Status:       to,
			At:           at,
		},
	}
	if to == domain.SessionStatusSucceeded {
		fx.success = successEvent(sess, at)
	}
	c.logger.InfoContext(ctx, "session closed",
		slog.String("session_id", sess.ID),
		slog.String("status", string(to)),
	)
	return fx, nil
}

// committed reports whether an earlier attempt whose result was lost did in
// fact move sess to the status to.
func (c *core) committed(ctx context.Context, sess domain.Session, to domain.SessionStatus) bool {
	cur, err := c.sessions.Get(ctx, sess.ID)
	return err == nil && cur.Status == to && cur.Version == sess.Version+1
}

func successEvent(sess domain.Session, at time.Time) *domain.SuccessEvent {
	return &domain.SuccessEvent{
		SessionID:   sess.ID,
		CampaignID:  sess.CampaignID,
		ProductID:   sess.Terms.ProductID,
		InitiatorID: sess.InitiatorID,
		TargetPrice: sess.Terms.TargetPrice,
		CutCount:    len(sess.Cuts),
		SucceededAt: at,
	}
}

// loadSession reads a session, retrying store failures.
func (c *core) loadSession(ctx context.Context, id string) (domain.Session, error) {
	var sess domain.Session
	err := retryOp(ctx, c.retry, func() error {
		var err error
		sess, err = c.sessions.Get(ctx, id)
		return err
	})
	if err != nil {
		return domain.Session{}, err
	}
	return sess, nil
}

var errInvalidRequest = fmt.Errorf("request %w", domain.ErrValidation)

func requireIDs(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return fmt.Errorf("%w: %s is required", errInvalidRequest, pairs[i])
		}
	}
	return nil
}

func isVersionConflict(err error) bool {
	return errors.Is(err, domain.ErrVersionConflict)
}
