package bargain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/pricecut/internal/domain"
)

// CutRequest asks for one helper's cut on a session. RequestID is the
// caller's idempotency key; a retry carrying the same key returns the
// recorded cut instead of failing as a duplicate.
type CutRequest struct {
	SessionID string
	HelperID  string
	RequestID string
}

// CutProcessor validates and applies cuts.
type CutProcessor struct {
	*core
}

// ApplyCut applies req under the session's exclusive section and reports the
// resulting price and status. The returned error is nil only once the cut is
// durable.
func (p *CutProcessor) ApplyCut(ctx context.Context, req CutRequest) (domain.CutResult, error) {
	if err := requireIDs("session_id", req.SessionID, "helper_id", req.HelperID); err != nil {
		return domain.CutResult{}, err
	}
	// Every write carries a request id so a write whose acknowledgement was
	// lost can be recognised on re-read.
	writeID := req.RequestID
	if writeID == "" {
		writeID = p.newID()
	}

	unlock, err := p.lockSession(ctx, req.SessionID)
	if err != nil {
		return domain.CutResult{}, err
	}
	defer unlock()

	var (
		wrote   bool
		lastErr error
	)
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		sess, err := p.loadSession(ctx, req.SessionID)
		if err != nil {
			return domain.CutResult{}, err
		}

		if prior, ok := sess.CutBy(req.HelperID); ok && prior.RequestID == writeID {
			if wrote {
				// An earlier attempt committed although its call failed.
				fx := p.cutEffects(sess, prior)
				unlock()
				p.run(ctx, fx)
				return cutResult(sess, prior, false), nil
			}
			if req.RequestID != "" {
				return cutResult(sess, prior, true), nil
			}
		}

		if sess.Status != domain.SessionStatusActive {
			return domain.CutResult{}, domain.ErrSessionClosed
		}
		if sess.IsPastDeadline(p.now()) {
			fx, err := p.closeLocked(ctx, sess, domain.SessionStatusExpired)
			if isVersionConflict(err) {
				lastErr = err
				continue
			}
			if err != nil {
				return domain.CutResult{}, err
			}
			unlock()
			p.run(ctx, fx)
			return domain.CutResult{}, domain.ErrSessionClosed
		}
		if _, ok := sess.CutBy(req.HelperID); ok {
			return domain.CutResult{}, domain.ErrDuplicateHelper
		}
		if req.HelperID == sess.InitiatorID && !p.cfg.AllowInitiatorCut {
			return domain.CutResult{}, domain.ErrSelfCutNotAllowed
		}

		remaining := sess.Remaining()
		if remaining <= 0 {
			// Price reached target without the status following; finish the
			// transition so the counter and event still fire once.
			p.logger.WarnContext(ctx, "reconciling session at target",
				slog.String("session_id", sess.ID),
				slog.Int64("current_price", sess.CurrentPrice),
			)
			fx, err := p.closeLocked(ctx, sess, domain.SessionStatusSucceeded)
			if isVersionConflict(err) {
				lastErr = err
				continue
			}
			if err != nil {
				return domain.CutResult{}, err
			}
			unlock()
			p.run(ctx, fx)
			return domain.CutResult{}, domain.ErrSessionClosed
		}

		terms := sess.Terms
		amount := cutAmount(sess.Seed, len(sess.Cuts), remaining, terms.MinCutAmount, terms.MaxCutAmount)
		cut := domain.Cut{
			SessionID:  sess.ID,
			HelperID:   req.HelperID,
			RequestID:  writeID,
			Amount:     amount,
			PriceAfter: sess.CurrentPrice - amount,
			AppliedAt:  p.now(),
		}
		status := domain.SessionStatusActive
		if cut.PriceAfter <= terms.TargetPrice {
			cut.PriceAfter = terms.TargetPrice
			cut.Amount = sess.CurrentPrice - terms.TargetPrice
			status = domain.SessionStatusSucceeded
		}

		err = p.sessions.AppendCut(ctx, sess.ID, sess.Version, cut, status)
		if err == nil {
			next := sess.Clone()
			next.Cuts = append(next.Cuts, cut)
			next.CurrentPrice = cut.PriceAfter
			next.Status = status
			next.Version++
			fx := p.cutEffects(next, cut)
			unlock()
			p.run(ctx, fx)
			p.logger.DebugContext(ctx, "cut applied",
				slog.String("session_id", sess.ID),
				slog.String("helper_id", req.HelperID),
				slog.Int64("amount", cut.Amount),
				slog.Int64("current_price", cut.PriceAfter),
			)
			return cutResult(next, cut, false), nil
		}
		if domain.IsTerminal(err) {
			return domain.CutResult{}, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return domain.CutResult{}, err
		}
		lastErr = err
		if !isVersionConflict(err) {
			// Outcome unknown: the next read tells whether it landed.
			wrote = true
			p.logger.WarnContext(ctx, "append cut failed, retrying",
				slog.String("session_id", sess.ID),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
			)
			if attempt < p.cfg.MaxRetries {
				if err := sleepCtx(ctx, p.retry.backoff(attempt)); err != nil {
					return domain.CutResult{}, err
				}
			}
		}
	}

	if errors.Is(lastErr, domain.ErrInternal) {
		return domain.CutResult{}, lastErr
	}
	return domain.CutResult{}, fmt.Errorf("%w: apply cut on %s: %w", domain.ErrInternal, req.SessionID, lastErr)
}

// cutEffects builds the post-commit effects of cut; sess is the session as
// of the commit.
func (p *CutProcessor) cutEffects(sess domain.Session, cut domain.Cut) effects {
	status := cutStatus(sess, cut)
	fx := effects{
		campaignID: sess.CampaignID,
		progress: &domain.ProgressEvent{
			Type:         progressCut,
			SessionID:    sess.ID,
			CampaignID:   sess.CampaignID,
			HelperID:     cut.HelperID,
			Amount:       cut.Amount,
			CurrentPrice: cut.PriceAfter,
			TargetPrice:  sess.Terms.TargetPrice,
			Status:       status,
			At:           cut.AppliedAt,
		},
	}
	if status == domain.SessionStatusSucceeded {
		fx.success = successEvent(sess, cut.AppliedAt)
	}
	return fx
}

// cutStatus is the session status right after cut was applied.
func cutStatus(sess domain.Session, cut domain.Cut) domain.SessionStatus {
	if cut.PriceAfter <= sess.Terms.TargetPrice {
		return domain.SessionStatusSucceeded
	}
	return domain.SessionStatusActive
}

func cutResult(sess domain.Session, cut domain.Cut, replayed bool) domain.CutResult {
	return domain.CutResult{
		SessionID:    sess.ID,
		Amount:       cut.Amount,
		CurrentPrice: cut.PriceAfter,
		Status:       cutStatus(sess, cut),
		Replayed:     replayed,
	}
}
