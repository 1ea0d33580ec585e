package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/pricecut/internal/domain"
	"github.com/alanyoungcy/pricecut/internal/metrics"
)

const (
	defaultRelayBatch  = 100
	defaultRelayIdle   = time.Second
	defaultRelayDedupe = 10000
	relayAttempts      = 3
)

// SuccessNotifier receives relayed success events.
type SuccessNotifier interface {
	NotifySuccess(ctx context.Context, ev domain.SuccessEvent) error
}

// RelayConfig tunes a SuccessRelay.
type RelayConfig struct {
	// FromBeginning replays the whole stream on start instead of only new
	// entries.
	FromBeginning bool
	BatchSize     int
	// Idle is the pause between reads that return nothing.
	Idle time.Duration
	// DedupeSize bounds how many recent session ids are remembered.
	DedupeSize int
}

// SuccessRelay tails the durable success stream and forwards each event to
// a notifier. The stream is at-least-once, so events are deduplicated by
// session id within a bounded window.
type SuccessRelay struct {
	bus      domain.SignalBus
	notifier SuccessNotifier
	cfg      RelayConfig
	seen     *recentSet
	logger   *slog.Logger
	now      func() time.Time
}

// NewSuccessRelay creates a SuccessRelay.
func NewSuccessRelay(bus domain.SignalBus, notifier SuccessNotifier, cfg RelayConfig, logger *slog.Logger) *SuccessRelay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRelayBatch
	}
	if cfg.Idle <= 0 {
		cfg.Idle = defaultRelayIdle
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultRelayDedupe
	}
	return &SuccessRelay{
		bus:      bus,
		notifier: notifier,
		cfg:      cfg,
		seen:     newRecentSet(cfg.DedupeSize),
		logger:   logger.With(slog.String("component", "success-relay")),
		now:      time.Now,
	}
}

// Run reads the stream until ctx is cancelled.
func (r *SuccessRelay) Run(ctx context.Context) error {
	lastID := r.startID()
	r.logger.InfoContext(ctx, "success relay started",
		slog.String("stream", domain.SuccessStream),
		slog.String("from", lastID),
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgs, err := r.bus.StreamRead(ctx, domain.SuccessStream, lastID, r.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.ErrorContext(ctx, "stream read failed", slog.String("error", err.Error()))
			if !sleep(ctx, r.cfg.Idle) {
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			r.handle(ctx, msg)
			lastID = msg.ID
		}
		if len(msgs) == 0 && !sleep(ctx, r.cfg.Idle) {
			return ctx.Err()
		}
	}
}

// startID turns "only new entries" into a millisecond stream id. XREAD with
// "$" in a polling loop would drop entries appended between two calls.
func (r *SuccessRelay) startID() string {
	if r.cfg.FromBeginning {
		return "0-0"
	}
	return fmt.Sprintf("%d-0", r.now().UnixMilli())
}

func (r *SuccessRelay) handle(ctx context.Context, msg domain.StreamMessage) {
	var ev domain.SuccessEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil || ev.SessionID == "" {
		r.logger.WarnContext(ctx, "skipping malformed success event", slog.String("id", msg.ID))
		return
	}
	if r.seen.contains(ev.SessionID) {
		r.logger.DebugContext(ctx, "duplicate success event", slog.String("session_id", ev.SessionID))
		return
	}

	var err error
	for attempt := range relayAttempts {
		if attempt > 0 && !sleep(ctx, time.Duration(attempt)*r.cfg.Idle) {
			return
		}
		if err = r.notifier.NotifySuccess(ctx, ev); err == nil {
			break
		}
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "success notification failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.seen.add(ev.SessionID)
	metrics.EventsRelayed.Inc()
	r.logger.InfoContext(ctx, "success event relayed",
		slog.String("session_id", ev.SessionID),
		slog.String("campaign_id", ev.CampaignID),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// recentSet remembers the last n keys, evicting the oldest.
type recentSet struct {
	keys  map[string]struct{}
	order []string
	next  int
}

func newRecentSet(n int) *recentSet {
	return &recentSet{keys: make(map[string]struct{}, n), order: make([]string, 0, n)}
}

func (s *recentSet) contains(k string) bool {
	_, ok := s.keys[k]
	return ok
}

func (s *recentSet) add(k string) {
	if s.contains(k) {
		return
	}
	if len(s.order) < cap(s.order) {
		s.order = append(s.order, k)
	} else {
		delete(s.keys, s.order[s.next])
		s.order[s.next] = k
		s.next = (s.next + 1) % len(s.order)
	}
	s.keys[k] = struct{}{}
}
