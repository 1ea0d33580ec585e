package bargain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/store/memory"
)

var errTransient = errors.New("connection reset by peer")

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder captures published events.
type recorder struct {
	mu        sync.Mutex
	successes []domain.SuccessEvent
	progress  []domain.ProgressEvent
}

func (r *recorder) PublishSuccess(_ context.Context, ev domain.SuccessEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, ev)
	return nil
}

func (r *recorder) PublishProgress(_ context.Context, ev domain.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, ev)
	return nil
}

func (r *recorder) Successes() []domain.SuccessEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.SuccessEvent(nil), r.successes...)
}

func (r *recorder) ProgressOfType(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.progress {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// flakySessions wraps a SessionStore. AppendCut fails appendFailures times;
// when commitFirst is set the failing calls still commit, which models a
// write whose acknowledgement was lost.
type flakySessions struct {
	domain.SessionStore
	appendFailures atomic.Int32
	commitFirst    bool
	appendCalls    atomic.Int32
}

func (f *flakySessions) AppendCut(ctx context.Context, id string, version int64, cut domain.Cut, status domain.SessionStatus) error {
	f.appendCalls.Add(1)
	if f.appendFailures.Load() > 0 {
		f.appendFailures.Add(-1)
		if f.commitFirst {
			if err := f.SessionStore.AppendCut(ctx, id, version, cut, status); err != nil {
				return err
			}
		}
		return errTransient
	}
	return f.SessionStore.AppendCut(ctx, id, version, cut, status)
}

type testEnv struct {
	engine *Engine
	store  *memory.Store
	clock  *testClock
	events *recorder
	locks  *LocalLocks
}

type envOption func(*Config, *Deps)

func withSessions(s domain.SessionStore) envOption {
	return func(_ *Config, d *Deps) { d.Sessions = s }
}

func withConfig(fn func(*Config)) envOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

func testCampaign(id string) domain.Campaign {
	return domain.Campaign{
		ID:            id,
		ProductID:     "prod-" + id,
		OriginalPrice: 999,
		TargetPrice:   599,
		MinCutAmount:  5,
		MaxCutAmount:  50,
		Status:        domain.CampaignStatusActive,
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  memory.New(),
		clock:  newTestClock(),
		events: &recorder{},
		locks:  NewLocalLocks(),
	}
	if err := env.store.Campaigns().Upsert(context.Background(), testCampaign("camp-1")); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}

	var ids atomic.Int64
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	deps := Deps{
		Campaigns: env.store.Campaigns(),
		Sessions:  env.store.Sessions(),
		Locks:     env.locks,
		Events:    env.events,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       env.clock.Now,
		NewID:     func() string { return fmt.Sprintf("id-%d", ids.Add(1)) },
		NewSeed:   func() uint64 { return 42 },
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	env.engine = New(cfg, deps)
	return env
}

func (e *testEnv) start(t *testing.T, initiator string) domain.Session {
	t.Helper()
	sess, err := e.engine.Sessions.Start(context.Background(), "camp-1", initiator)
	if err != nil {
		t.Fatalf("Start(%s) error = %v", initiator, err)
	}
	return sess
}

func (e *testEnv) cut(sessionID, helper string) (domain.CutResult, error) {
	return e.engine.Cuts.ApplyCut(context.Background(), CutRequest{SessionID: sessionID, HelperID: helper})
}

func (e *testEnv) campaign(t *testing.T) domain.Campaign {
	t.Helper()
	camp, err := e.store.Campaigns().Get(context.Background(), "camp-1")
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return camp
}

func (e *testEnv) session(t *testing.T, id string) domain.Session {
	t.Helper()
	sess, err := e.store.Sessions().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session %s: %v", id, err)
	}
	return sess
}

// checkSessionInvariants verifies price monotonicity, floor and helper
// uniqueness over the recorded cuts.
func checkSessionInvariants(t *testing.T, sess domain.Session) {
	t.Helper()
	price := sess.Terms.OriginalPrice
	seen := make(map[string]bool)
	for i, c := range sess.Cuts {
		if seen[c.HelperID] {
			t.Errorf("cut %d: helper %s appears twice", i, c.HelperID)
		}
		seen[c.HelperID] = true
		if c.PriceAfter != price-c.Amount {
			t.Errorf("cut %d: price_after = %d, want %d", i, c.PriceAfter, price-c.Amount)
		}
		if c.PriceAfter > price {
			t.Errorf("cut %d: price increased from %d to %d", i, price, c.PriceAfter)
		}
		if c.PriceAfter < sess.Terms.TargetPrice {
			t.Errorf("cut %d: price %d below target %d", i, c.PriceAfter, sess.Terms.TargetPrice)
		}
		last := i == len(sess.Cuts)-1
		if !last && (c.Amount < sess.Terms.MinCutAmount || c.Amount > sess.Terms.MaxCutAmount) {
			t.Errorf("cut %d: amount %d outside [%d, %d]", i, c.Amount,
				sess.Terms.MinCutAmount, sess.Terms.MaxCutAmount)
		}
		price = c.PriceAfter
	}
	if price != sess.CurrentPrice {
		t.Errorf("current price = %d, cuts end at %d", sess.CurrentPrice, price)
	}
	succeeded := sess.Status == domain.SessionStatusSucceeded
	if succeeded != (sess.CurrentPrice == sess.Terms.TargetPrice) {
		t.Errorf("status %s with price %d and target %d", sess.Status, sess.CurrentPrice, sess.Terms.TargetPrice)
	}
}
