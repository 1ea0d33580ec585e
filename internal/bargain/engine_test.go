package bargain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

func TestStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sess := env.start(t, "alice")
	if sess.CurrentPrice != 999 || sess.Status != domain.SessionStatusActive {
		t.Fatalf("new session price=%d status=%s, want 999 active", sess.CurrentPrice, sess.Status)
	}
	if want := env.clock.Now().Add(24 * time.Hour); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
	if got := env.campaign(t).TotalSessions; got != 1 {
		t.Errorf("TotalSessions = %d, want 1", got)
	}

	ended := testCampaign("camp-ended")
	ended.Status = domain.CampaignStatusEnded
	if err := env.store.Campaigns().Upsert(ctx, ended); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		campaignID string
		initiator  string
		want       error
	}{
		{"unknown campaign", "nope", "bob", domain.ErrCampaignNotFound},
		{"ended campaign", "camp-ended", "bob", domain.ErrCampaignEnded},
		{"already active", "camp-1", "alice", domain.ErrAlreadyActive},
		{"missing initiator", "camp-1", "", domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.Sessions.Start(ctx, tt.campaignID, tt.initiator)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Start() error = %v, want %v", err, tt.want)
			}
		})
	}
	if got := env.campaign(t).TotalSessions; got != 1 {
		t.Errorf("TotalSessions after failed starts = %d, want 1", got)
	}
}

func TestStart_ExpiresStaleSession(t *testing.T) {
	env := newTestEnv(t)
	old := env.start(t, "alice")

	env.clock.Advance(25 * time.Hour)
	fresh := env.start(t, "alice")
	if fresh.ID == old.ID {
		t.Fatal("expected a new session")
	}
	if got := env.session(t, old.ID).Status; got != domain.SessionStatusExpired {
		t.Errorf("stale session status = %s, want expired", got)
	}
	if got := env.campaign(t).TotalSessions; got != 2 {
		t.Errorf("TotalSessions = %d, want 2", got)
	}
}

func TestStart_CampaignTTLOverride(t *testing.T) {
	env := newTestEnv(t)
	camp := testCampaign("camp-1")
	camp.SessionTTL = 10 * time.Minute
	if err := env.store.Campaigns().Upsert(context.Background(), camp); err != nil {
		t.Fatal(err)
	}
	sess := env.start(t, "alice")
	if want := env.clock.Now().Add(10 * time.Minute); !sess.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, want)
	}
}

func TestStart_ConcurrentSameInitiator(t *testing.T) {
	env := newTestEnv(t)

	const n = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		oks int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Sessions.Start(context.Background(), "camp-1", "alice")
			if err == nil {
				mu.Lock()
				oks++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrAlreadyActive) {
				t.Errorf("Start() error = %v", err)
			}
		}()
	}
	wg.Wait()
	if oks != 1 {
		t.Fatalf("%d starts succeeded, want 1", oks)
	}
}

// Scenario A: one helper cuts and the session stays active.
func TestApplyCut_SingleHelper(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")

	res, err := env.cut(sess.ID, "bob")
	if err != nil {
		t.Fatalf("ApplyCut() error = %v", err)
	}
	if res.Amount < 5 || res.Amount > 50 {
		t.Errorf("amount = %d, want in [5, 50]", res.Amount)
	}
	if res.CurrentPrice != 999-res.Amount {
		t.Errorf("current price = %d, want %d", res.CurrentPrice, 999-res.Amount)
	}
	if res.Status != domain.SessionStatusActive || res.Replayed {
		t.Errorf("result = %+v, want active and not replayed", res)
	}
	if got := env.events.ProgressOfType("cut"); got != 1 {
		t.Errorf("cut progress events = %d, want 1", got)
	}
	checkSessionInvariants(t, env.session(t, sess.ID))
}

// Scenario B: distinct helpers drive the price to target exactly.
func TestApplyCut_ReachesTarget(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")

	var last domain.CutResult
	for i := 0; i < 200; i++ {
		before := env.session(t, sess.ID).CurrentPrice
		res, err := env.cut(sess.ID, helperName(i))
		if err != nil {
			t.Fatalf("cut %d: %v", i, err)
		}
		if before-599 < 5 && res.Amount != before-599 {
			t.Fatalf("cut %d: amount = %d, want remainder %d", i, res.Amount, before-599)
		}
		last = res
		if res.Status == domain.SessionStatusSucceeded {
			break
		}
	}
	if last.Status != domain.SessionStatusSucceeded || last.CurrentPrice != 599 {
		t.Fatalf("final result = %+v, want succeeded at 599", last)
	}

	final := env.session(t, sess.ID)
	checkSessionInvariants(t, final)
	if got := env.campaign(t).SuccessfulSessions; got != 1 {
		t.Errorf("SuccessfulSessions = %d, want 1", got)
	}
	evs := env.events.Successes()
	if len(evs) != 1 {
		t.Fatalf("success events = %d, want 1", len(evs))
	}
	if evs[0].SessionID != sess.ID || evs[0].TargetPrice != 599 || evs[0].CutCount != len(final.Cuts) {
		t.Errorf("success event = %+v", evs[0])
	}

	if _, err := env.cut(sess.ID, "late"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("cut after success error = %v, want ErrSessionClosed", err)
	}
}

func TestApplyCut_RemainderBelowMinimum(t *testing.T) {
	env := newTestEnv(t)
	camp := testCampaign("camp-1")
	camp.OriginalPrice = 603
	if err := env.store.Campaigns().Upsert(context.Background(), camp); err != nil {
		t.Fatal(err)
	}
	sess := env.start(t, "alice")

	res, err := env.cut(sess.ID, "bob")
	if err != nil {
		t.Fatalf("ApplyCut() error = %v", err)
	}
	if res.Amount != 4 || res.CurrentPrice != 599 || res.Status != domain.SessionStatusSucceeded {
		t.Fatalf("result = %+v, want amount 4 at 599 succeeded", res)
	}
}

// Scenario C: an untouched session expires and later cuts are refused.
func TestExpirySweep(t *testing.T) {
	env := newTestEnv(t)
	camp := testCampaign("camp-1")
	camp.SessionTTL = time.Minute
	if err := env.store.Campaigns().Upsert(context.Background(), camp); err != nil {
		t.Fatal(err)
	}
	sess := env.start(t, "alice")
	other := env.start(t, "carol")
	if _, err := env.cut(other.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	n, err := env.engine.Expiry.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("early Sweep() = %d, %v; want 0, nil", n, err)
	}

	env.clock.Advance(2 * time.Minute)
	n, err = env.engine.Expiry.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Sweep() expired %d, want 2", n)
	}
	if got := env.session(t, sess.ID).Status; got != domain.SessionStatusExpired {
		t.Errorf("status = %s, want expired", got)
	}
	if _, err := env.cut(sess.ID, "bob"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("cut after expiry error = %v, want ErrSessionClosed", err)
	}

	n, err = env.engine.Expiry.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second Sweep() = %d, %v; want 0, nil", n, err)
	}
	if got := env.events.ProgressOfType(string(domain.SessionStatusExpired)); got != 2 {
		t.Errorf("expired events = %d, want 2", got)
	}
}

func TestExpirySweep_SkipsLockedSession(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")
	env.clock.Advance(25 * time.Hour)

	unlock, err := env.locks.Acquire(context.Background(), sessionLockKey(sess.ID), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	n, err := env.engine.Expiry.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Sweep() with held lock = %d, %v; want 0, nil", n, err)
	}
	unlock()

	n, err = env.engine.Expiry.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Sweep() after release = %d, %v; want 1, nil", n, err)
	}
}

func TestExpirySweep_Paging(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) { c.ExpiryBatch = 3 }))
	for i := range 10 {
		env.start(t, helperName(i))
	}
	env.clock.Advance(25 * time.Hour)

	n, err := env.engine.Expiry.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("Sweep() expired %d, want 10", n)
	}
}

func TestApplyCut_LazyExpiry(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")
	env.clock.Advance(24 * time.Hour)

	if _, err := env.cut(sess.ID, "bob"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Fatalf("cut at deadline error = %v, want ErrSessionClosed", err)
	}
	got := env.session(t, sess.ID)
	if got.Status != domain.SessionStatusExpired || len(got.Cuts) != 0 {
		t.Errorf("session = %s with %d cuts, want expired with none", got.Status, len(got.Cuts))
	}
}

// Scenario D: a second cut by the same helper is refused.
func TestApplyCut_DuplicateHelper(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")

	first, err := env.cut(sess.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.cut(sess.ID, "bob")
	if !errors.Is(err, domain.ErrDuplicateHelper) {
		t.Fatalf("second cut error = %v, want ErrDuplicateHelper", err)
	}
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("KindOf = %s, want conflict", domain.KindOf(err))
	}
	if got := env.session(t, sess.ID).CurrentPrice; got != first.CurrentPrice {
		t.Errorf("price changed to %d after duplicate, want %d", got, first.CurrentPrice)
	}
}

func TestApplyCut_Replay(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")
	ctx := context.Background()

	req := CutRequest{SessionID: sess.ID, HelperID: "bob", RequestID: "req-1"}
	first, err := env.engine.Cuts.ApplyCut(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	again, err := env.engine.Cuts.ApplyCut(ctx, req)
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}
	if !again.Replayed || again.Amount != first.Amount || again.CurrentPrice != first.CurrentPrice {
		t.Errorf("replay = %+v, want %+v replayed", again, first)
	}
	if got := env.session(t, sess.ID); len(got.Cuts) != 1 || got.CurrentPrice != first.CurrentPrice {
		t.Errorf("session mutated by replay: %d cuts, price %d", len(got.Cuts), got.CurrentPrice)
	}

	req.RequestID = "req-2"
	if _, err := env.engine.Cuts.ApplyCut(ctx, req); !errors.Is(err, domain.ErrDuplicateHelper) {
		t.Errorf("different request id error = %v, want ErrDuplicateHelper", err)
	}
	if got := env.events.ProgressOfType("cut"); got != 1 {
		t.Errorf("cut events = %d, want 1", got)
	}
}

func TestApplyCut_ReplayAfterClose(t *testing.T) {
	env := newTestEnv(t)
	sess := env.start(t, "alice")
	ctx := context.Background()

	req := CutRequest{SessionID: sess.ID, HelperID: "bob", RequestID: "req-1"}
	first, err := env.engine.Cuts.ApplyCut(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Sessions.Cancel(ctx, sess.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	again, err := env.engine.Cuts.ApplyCut(ctx, req)
	if err != nil || !again.Replayed || again.Amount != first.Amount {
		t.Fatalf("replay after cancel = %+v, %v", again, err)
	}
}

func TestApplyCut_InitiatorPolicy(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		env := newTestEnv(t)
		sess := env.start(t, "alice")
		if _, err := env.cut(sess.ID, "alice"); err != nil {
			t.Fatalf("self cut error = %v", err)
		}
		if _, err := env.cut(sess.ID, "alice"); !errors.Is(err, domain.ErrDuplicateHelper) {
			t.Fatalf("second self cut error = %v, want ErrDuplicateHelper", err)
		}
	})
	t.Run("disallowed", func(t *testing.T) {
		env := newTestEnv(t, withConfig(func(c *Config) { c.AllowInitiatorCut = false }))
		sess := env.start(t, "alice")
		if _, err := env.cut(sess.ID, "alice"); !errors.Is(err, domain.ErrSelfCutNotAllowed) {
			t.Fatalf("self cut error = %v, want ErrSelfCutNotAllowed", err)
		}
	})
}

func TestApplyCut_NotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.cut("missing", "bob"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
	if env.locks.Held() != 0 {
		t.Errorf("%d locks still held", env.locks.Held())
	}
}

func TestApplyCut_Deterministic(t *testing.T) {
	amounts := func() []int64 {
		env := newTestEnv(t)
		sess := env.start(t, "alice")
		var out []int64
		for i := range 5 {
			res, err := env.cut(sess.ID, helperName(i))
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, res.Amount)
		}
		return out
	}
	a, b := amounts(), amounts()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("cut %d: %d vs %d with the same seed", i, a[i], b[i])
		}
	}
}

func TestApplyCut_Concurrent(t *testing.T) {
	env := newTestEnv(t, withConfig(func(c *Config) { c.LockWait = 30 * time.Second }))
	sess := env.start(t, "alice")

	const helpers = 200
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		applied   int
	)
	for i := range helpers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.cut(sess.ID, helperName(i))
			if err != nil {
				if !errors.Is(err, domain.ErrSessionClosed) {
					t.Errorf("helper %d: %v", i, err)
				}
				return
			}
			if res.CurrentPrice < 599 {
				t.Errorf("helper %d observed price %d below target", i, res.CurrentPrice)
			}
			mu.Lock()
			applied++
			if res.Status == domain.SessionStatusSucceeded {
				succeeded++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("%d callers observed success, want 1", succeeded)
	}
	final := env.session(t, sess.ID)
	checkSessionInvariants(t, final)
	if final.CurrentPrice != 599 || len(final.Cuts) != applied {
		t.Errorf("final price %d with %d cuts, applied %d", final.CurrentPrice, len(final.Cuts), applied)
	}
	if got := env.campaign(t).SuccessfulSessions; got != 1 {
		t.Errorf("SuccessfulSessions = %d, want 1", got)
	}
	if got := len(env.events.Successes()); got != 1 {
		t.Errorf("success events = %d, want 1", got)
	}
	if env.locks.Held() != 0 {
		t.Errorf("%d locks still held", env.locks.Held())
	}
}

func TestApplyCut_RacesExpiry(t *testing.T) {
	for round := range 20 {
		env := newTestEnv(t)
		sess := env.start(t, "alice")

		var (
			wg     sync.WaitGroup
			cutErr error
		)
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, cutErr = env.cut(sess.ID, "bob")
		}()
		go func() {
			defer wg.Done()
			env.clock.Advance(25 * time.Hour)
		}()
		go func() {
			defer wg.Done()
			for {
				n, err := env.engine.Expiry.Sweep(context.Background())
				if err != nil {
					t.Errorf("round %d: Sweep() error = %v", round, err)
					return
				}
				cur, err := env.store.Sessions().Get(context.Background(), sess.ID)
				if err != nil {
					t.Errorf("round %d: Get() error = %v", round, err)
					return
				}
				if n > 0 || cur.Status != domain.SessionStatusActive {
					return
				}
			}
		}()
		wg.Wait()

		final := env.session(t, sess.ID)
		if final.Status != domain.SessionStatusExpired {
			t.Fatalf("round %d: status = %s, want expired", round, final.Status)
		}
		switch {
		case cutErr == nil && len(final.Cuts) != 1:
			t.Fatalf("round %d: cut succeeded but session has %d cuts", round, len(final.Cuts))
		case cutErr != nil && !errors.Is(cutErr, domain.ErrSessionClosed):
			t.Fatalf("round %d: cut error = %v", round, cutErr)
		case cutErr != nil && len(final.Cuts) != 0:
			t.Fatalf("round %d: failed cut left %d cuts", round, len(final.Cuts))
		}
		if got := env.events.ProgressOfType(string(domain.SessionStatusExpired)); got != 1 {
			t.Fatalf("round %d: expired events = %d, want 1", round, got)
		}
	}
}

func TestApplyCut_AmbiguousWriteCommitted(t *testing.T) {
	flaky := &flakySessions{commitFirst: true}
	env := newTestEnv(t, withSessions(flaky))
	flaky.SessionStore = env.store.Sessions()
	sess := env.start(t, "alice")

	flaky.appendFailures.Store(1)
	res, err := env.cut(sess.ID, "bob")
	if err != nil {
		t.Fatalf("ApplyCut() error = %v", err)
	}
	if res.Replayed {
		t.Error("first application reported as replay")
	}
	got := env.session(t, sess.ID)
	if len(got.Cuts) != 1 || got.CurrentPrice != res.CurrentPrice {
		t.Fatalf("session has %d cuts at %d, want 1 at %d", len(got.Cuts), got.CurrentPrice, res.CurrentPrice)
	}
	if got := env.events.ProgressOfType("cut"); got != 1 {
		t.Errorf("cut events = %d, want 1", got)
	}
}

func TestApplyCut_TransientFailures(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		flaky := &flakySessions{}
		env := newTestEnv(t, withSessions(flaky))
		flaky.SessionStore = env.store.Sessions()
		sess := env.start(t, "alice")

		flaky.appendFailures.Store(2)
		res, err := env.cut(sess.ID, "bob")
		if err != nil {
			t.Fatalf("ApplyCut() error = %v", err)
		}
		if got := env.session(t, sess.ID).CurrentPrice; got != res.CurrentPrice {
			t.Errorf("price = %d, want %d", got, res.CurrentPrice)
		}
	})
	t.Run("exhausted", func(t *testing.T) {
		flaky := &flakySessions{}
		env := newTestEnv(t, withSessions(flaky))
		flaky.SessionStore = env.store.Sessions()
		sess := env.start(t, "alice")

		flaky.appendFailures.Store(100)
		_, err := env.cut(sess.ID, "bob")
		if !errors.Is(err, domain.ErrInternal) {
			t.Fatalf("error = %v, want ErrInternal", err)
		}
		if got := flaky.appendCalls.Load(); got != 4 {
			t.Errorf("AppendCut called %d times, want 4", got)
		}
		got := env.session(t, sess.ID)
		if got.CurrentPrice != 999 || len(got.Cuts) != 0 {
			t.Errorf("failed cut changed session: price %d, %d cuts", got.CurrentPrice, len(got.Cuts))
		}
	})
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sess := env.start(t, "alice")

	if _, err := env.engine.Sessions.Cancel(ctx, sess.ID, "bob"); !errors.Is(err, domain.ErrNotInitiator) {
		t.Fatalf("cancel by helper error = %v, want ErrNotInitiator", err)
	}
	got, err := env.engine.Sessions.Cancel(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != domain.SessionStatusCancelled || got.ClosedAt == nil {
		t.Errorf("cancelled session = %+v", got)
	}
	if _, err := env.engine.Sessions.Cancel(ctx, sess.ID, "alice"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("second cancel error = %v, want ErrSessionClosed", err)
	}
	if _, err := env.cut(sess.ID, "bob"); !errors.Is(err, domain.ErrSessionClosed) {
		t.Errorf("cut after cancel error = %v, want ErrSessionClosed", err)
	}
	// The slot is free again.
	env.start(t, "alice")
}

func TestListForUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.start(t, "alice")
	env.clock.Advance(time.Second)
	b := env.start(t, "bob")
	if _, err := env.cut(b.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	got, err := env.engine.Sessions.ListForUser(ctx, "alice", domain.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != b.ID || got[1].ID != a.ID {
		t.Fatalf("ListForUser(alice) = %v, want [%s %s]", sessionIDs(got), b.ID, a.ID)
	}
	got, err = env.engine.Sessions.ListForUser(ctx, "carol", domain.ListOpts{})
	if err != nil || len(got) != 0 {
		t.Errorf("ListForUser(carol) = %v, %v", sessionIDs(got), err)
	}
}

func TestCampaignService(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, id := range []string{"camp-2", "camp-3", "camp-4"} {
		if err := env.store.Campaigns().Upsert(ctx, testCampaign(id)); err != nil {
			t.Fatal(err)
		}
	}
	ended := testCampaign("camp-5")
	ended.Status = domain.CampaignStatusEnded
	if err := env.store.Campaigns().Upsert(ctx, ended); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for camp, err := range env.engine.Campaigns.Active(ctx, 2) {
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, camp.ID)
	}
	if len(ids) != 4 {
		t.Fatalf("Active() yielded %v, want 4 active campaigns", ids)
	}

	// Ranging again restarts from the first page.
	seq := env.engine.Campaigns.Active(ctx, 2)
	for range 2 {
		for camp := range seq {
			if camp.ID != "camp-1" {
				t.Fatalf("first campaign = %s, want camp-1", camp.ID)
			}
			break
		}
	}

	if _, err := env.engine.Campaigns.Get(ctx, "missing"); !errors.Is(err, domain.ErrCampaignNotFound) {
		t.Errorf("Get(missing) error = %v", err)
	}
}

func helperName(i int) string {
	return fmt.Sprintf("helper-%d", i)
}

func sessionIDs(ss []domain.Session) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.ID
	}
	return out
}
