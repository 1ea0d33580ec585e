// Package notify fans bargain outcomes out to operator chat channels. Each
// message goes to every registered sender, filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// EventBargainSucceeded is the event type of a session reaching its target.
const EventBargainSucceeded = "bargain.succeeded"

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches to every Sender. Only event types in the allowed set
// are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier over senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is registered.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends title and message to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifySuccess formats a success event and sends it.
func (n *Notifier) NotifySuccess(ctx context.Context, ev domain.SuccessEvent) error {
	title, message := FormatSuccess(ev)
	return n.Notify(ctx, EventBargainSucceeded, title, message)
}

// FormatSuccess renders the title and body for a success event. Prices are
// minor units and shown with two decimals.
func FormatSuccess(ev domain.SuccessEvent) (string, string) {
	title := fmt.Sprintf("Bargain succeeded: %s", ev.ProductID)
	var b strings.Builder
	fmt.Fprintf(&b, "session %s (campaign %s)\n", ev.SessionID, ev.CampaignID)
	fmt.Fprintf(&b, "initiator %s reached %s after %d cuts\n", ev.InitiatorID, formatPrice(ev.TargetPrice), ev.CutCount)
	fmt.Fprintf(&b, "at %s", ev.SucceededAt.UTC().Format("2006-01-02 15:04:05Z"))
	return title, b.String()
}

func formatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// dispatch sends to every sender. One failing sender does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}
