package domain

import (
	"context"
	"time"
)

const (
	// SuccessStream is the durable stream consumed by order creation.
	SuccessStream = "stream:bargain:succeeded"
	// SuccessChannel carries the same payload for live listeners.
	SuccessChannel = "ch:bargain:succeeded"
)

// SessionChannel is the pub/sub channel carrying progress for one session.
func SessionChannel(sessionID string) string {
	return "ch:session:" + sessionID
}

// SuccessEvent is emitted exactly once per session, after the clamped
// target price has been committed.
type SuccessEvent struct {
	SessionID   string    `json:"session_id"`
	CampaignID  string    `json:"campaign_id"`
	ProductID   string    `json:"product_id"`
	InitiatorID string    `json:"initiator_id"`
	TargetPrice int64     `json:"target_price"`
	CutCount    int       `json:"cut_count"`
	SucceededAt time.Time `json:"succeeded_at"`
}

// ProgressEvent describes a committed change to a session.
type ProgressEvent struct {
	Type         string        `json:"type"` // "cut", "succeeded", "expired", "cancelled"
	SessionID    string        `json:"session_id"`
	CampaignID   string        `json:"campaign_id"`
	HelperID     string        `json:"helper_id,omitempty"`
	Amount       int64         `json:"amount,omitempty"`
	CurrentPrice int64         `json:"current_price"`
	TargetPrice  int64         `json:"target_price"`
	Status       SessionStatus `json:"status"`
	At           time.Time     `json:"at"`
}

// EventPublisher delivers engine events to external consumers.
type EventPublisher interface {
	PublishSuccess(ctx context.Context, ev SuccessEvent) error
	PublishProgress(ctx context.Context, ev ProgressEvent) error
}
