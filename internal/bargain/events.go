package bargain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// BusPublisher delivers engine events over a domain.SignalBus. Success
// events go to the durable stream first; the pub/sub copy is best effort.
type BusPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{bus: bus, logger: logger}
}

// PublishSuccess appends ev to domain.SuccessStream and announces it on
// domain.SuccessChannel and the session channel.
func (p *BusPublisher) PublishSuccess(ctx context.Context, ev domain.SuccessEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bargain: marshal success event: %w", err)
	}
	if err := p.bus.StreamAppend(ctx, domain.SuccessStream, payload); err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, domain.SuccessChannel, payload); err != nil {
		p.logger.WarnContext(ctx, "publish success announcement failed",
			slog.String("session_id", ev.SessionID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// PublishProgress publishes ev on the session's channel.
func (p *BusPublisher) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("bargain: marshal progress event: %w", err)
	}
	return p.bus.Publish(ctx, domain.SessionChannel(ev.SessionID), payload)
}

// LogPublisher only logs events. It is used when no signal bus is wired.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// PublishSuccess logs ev.
func (p *LogPublisher) PublishSuccess(ctx context.Context, ev domain.SuccessEvent) error {
	p.logger.InfoContext(ctx, "success event",
		slog.String("session_id", ev.SessionID),
		slog.String("campaign_id", ev.CampaignID),
		slog.Int64("target_price", ev.TargetPrice),
	)
	return nil
}

// PublishProgress logs ev at debug level.
func (p *LogPublisher) PublishProgress(ctx context.Context, ev domain.ProgressEvent) error {
	p.logger.DebugContext(ctx, "progress event",
		slog.String("type", ev.Type),
		slog.String("session_id", ev.SessionID),
		slog.Int64("current_price", ev.CurrentPrice),
	)
	return nil
}

var (
	_ domain.EventPublisher = (*BusPublisher)(nil)
	_ domain.EventPublisher = (*LogPublisher)(nil)
)
