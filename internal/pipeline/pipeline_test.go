package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/store/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCron(t *testing.T) {
	base := time.Date(2026, 10, 16, 10, 7, 30, 0, time.UTC) // Friday
	tests := []struct {
		expr string
		want time.Time
	}{
		{"* * * * *", time.Date(2026, 10, 16, 10, 8, 0, 0, time.UTC)},
		{"30 3 * * *", time.Date(2026, 10, 17, 3, 30, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2026, 10, 16, 10, 15, 0, 0, time.UTC)},
		{"0 9-17/4 * * *", time.Date(2026, 10, 16, 13, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)},
		{"0 12 * * 0", time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)},
		// Both day fields restricted: either one matching is enough.
		{"0 0 20 * 6", time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC)},
		{"5,10 10 * * *", time.Date(2026, 10, 16, 10, 10, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			c, err := parseCron(tt.expr)
			if err != nil {
				t.Fatalf("parseCron: %v", err)
			}
			got, ok := c.next(base)
			if !ok || !got.Equal(tt.want) {
				t.Errorf("next = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}
}

func TestParseCron_Invalid(t *testing.T) {
	for _, expr := range []string{
		"* * * *",
		"60 * * * *",
		"* 24 * * *",
		"* * 0 * *",
		"*/0 * * * *",
		"5-1 * * * *",
		"a * * * *",
	} {
		if _, err := parseCron(expr); err == nil {
			t.Errorf("parseCron(%q) succeeded, want error", expr)
		}
	}
}

func TestCronNoMatch(t *testing.T) {
	c, err := parseCron("0 0 31 2 *")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.next(time.Now()); ok {
		t.Error("Feb 31 matched")
	}
}

type fakeArchiver struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakeArchiver) ArchiveSessions(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestArchiver_Run(t *testing.T) {
	now := time.Date(2026, 10, 16, 3, 30, 0, 0, time.UTC)
	fa := &fakeArchiver{n: 4}
	a := NewArchiver(fa, 30, discardLogger())
	a.now = func() time.Time { return now }

	if err := a.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := now.AddDate(0, 0, -30); !fa.before.Equal(want) {
		t.Errorf("cutoff = %v, want %v", fa.before, want)
	}

	fa.err = errors.New("s3 down")
	if err := a.Run(context.Background()); !errors.Is(err, fa.err) {
		t.Errorf("Run err = %v, want wrapped s3 down", err)
	}
}

func TestArchiver_RunCronInvalid(t *testing.T) {
	a := NewArchiver(&fakeArchiver{}, 30, discardLogger())
	if err := a.RunCron(context.Background(), "bad"); err == nil {
		t.Error("expected parse error")
	}
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures int
	got      []domain.SuccessEvent
	calls    int
}

func (f *fakeNotifier) NotifySuccess(_ context.Context, ev domain.SuccessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("webhook 502")
	}
	f.got = append(f.got, ev)
	return nil
}

func (f *fakeNotifier) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.got))
	for i, ev := range f.got {
		out[i] = ev.SessionID
	}
	return out
}

func appendSuccess(t *testing.T, bus *memory.Bus, sessionID string) {
	t.Helper()
	payload, _ := json.Marshal(domain.SuccessEvent{SessionID: sessionID, CampaignID: "camp-1"})
	if err := bus.StreamAppend(context.Background(), domain.SuccessStream, payload); err != nil {
		t.Fatal(err)
	}
}

func runRelay(t *testing.T, r *SuccessRelay, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !until() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("relay did not reach expected state")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestSuccessRelay_DeliversAndDedupes(t *testing.T) {
	bus := memory.NewBus()
	appendSuccess(t, bus, "s-1")
	appendSuccess(t, bus, "s-2")
	appendSuccess(t, bus, "s-1") // redelivery
	_ = bus.StreamAppend(context.Background(), domain.SuccessStream, []byte("{not json"))
	appendSuccess(t, bus, "s-3")

	n := &fakeNotifier{}
	r := NewSuccessRelay(bus, n, RelayConfig{FromBeginning: true, BatchSize: 2, Idle: time.Millisecond}, discardLogger())
	runRelay(t, r, func() bool { return len(n.sessions()) >= 3 })

	got := n.sessions()
	want := []string{"s-1", "s-2", "s-3"}
	if len(got) != len(want) {
		t.Fatalf("relayed %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("relayed[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSuccessRelay_RetriesNotifier(t *testing.T) {
	bus := memory.NewBus()
	appendSuccess(t, bus, "s-1")

	n := &fakeNotifier{failures: 2}
	r := NewSuccessRelay(bus, n, RelayConfig{FromBeginning: true, Idle: time.Millisecond}, discardLogger())
	runRelay(t, r, func() bool { return len(n.sessions()) == 1 })

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls != 3 {
		t.Errorf("notify calls = %d, want 3", n.calls)
	}
}

func TestSuccessRelay_StartsAtNow(t *testing.T) {
	r := NewSuccessRelay(memory.NewBus(), &fakeNotifier{}, RelayConfig{}, discardLogger())
	r.now = func() time.Time { return time.UnixMilli(1234) }
	if got := r.startID(); got != "1234-0" {
		t.Errorf("startID = %q, want 1234-0", got)
	}
	r.cfg.FromBeginning = true
	if got := r.startID(); got != "0-0" {
		t.Errorf("startID = %q, want 0-0", got)
	}
}

func TestRecentSet(t *testing.T) {
	s := newRecentSet(2)
	s.add("a")
	s.add("b")
	s.add("a")
	if !s.contains("a") || !s.contains("b") {
		t.Fatal("missing keys before eviction")
	}
	s.add("c")
	if s.contains("a") {
		t.Error("oldest key not evicted")
	}
	if !s.contains("b") || !s.contains("c") {
		t.Error("recent keys evicted")
	}
}

type blockingSweeper struct{}

func (blockingSweeper) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type failingSweeper struct{}

func (failingSweeper) Run(context.Context) error { return errors.New("store gone") }

func TestOrchestrator(t *testing.T) {
	t.Run("clean shutdown", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		o := NewOrchestrator(blockingSweeper{}, nil, nil, "", discardLogger())
		done := make(chan error, 1)
		go func() { done <- o.Run(ctx) }()
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	})

	t.Run("worker failure", func(t *testing.T) {
		o := NewOrchestrator(failingSweeper{}, nil, nil, "", discardLogger())
		if err := o.Run(context.Background()); err == nil {
			t.Error("expected worker error")
		}
	})
}
