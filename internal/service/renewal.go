package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/billing"
	"ispcore/internal/ledger"
	"ispcore/internal/lifecycle"
	"ispcore/internal/metrics"
	"ispcore/internal/models"
	"ispcore/internal/notify"
	"ispcore/internal/store"
)

// EvaluateRenewal runs the renewal policy for one client and executes its
// decision. force renews ahead of the window; funds are always required.
func (s *Service) EvaluateRenewal(ctx context.Context, tenantID, clientID uuid.UUID, force bool) (*Result, error) {
	var (
		res *Result
		fx  *effects
		c   *models.Client
	)
	err := s.withClient(ctx, clientID, func() error {
		res, fx, c = &Result{}, &effects{}, nil
		return s.commit(ctx, fx, func(tx store.Tx) error {
			var err error
			c, err = loadForUpdate(ctx, tx, tenantID, clientID)
			if err != nil {
				return err
			}
			changed, err := s.renewTx(ctx, tx, c, s.now(), force, res, fx)
			if err != nil || !changed {
				return err
			}
			return tx.SaveClient(ctx, c)
		})
	})
	if err != nil {
		return nil, err
	}

	s.release(ctx, fx)
	s.refresh(ctx, res, c)
	return res, nil
}

// renewTx evaluates c at now and applies the decision inside tx. It reports
// whether c was modified and must be saved.
func (s *Service) renewTx(ctx context.Context, tx store.Tx, c *models.Client, now time.Time, force bool, res *Result, fx *effects) (bool, error) {
	d := s.decide(c, now, force)
	res.Renewal = &d
	metrics.RecordRenewalDecision(string(d.Kind))

	switch d.Kind {
	case billing.DecisionRenew:
		debit, err := s.ledger.DebitTx(ctx, tx, c, d.Amount, "renewal:"+d.NewEndDate.UTC().Format(time.RFC3339))
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			// Funds moved between evaluation and debit. Nothing was written;
			// the next tick re-evaluates.
			hold := billing.Decision{Kind: billing.DecisionHold, Reason: "debit failed: balance changed"}
			res.Renewal = &hold
			metrics.RecordRenewalDecision(string(hold.Kind))
			return false, nil
		}
		if err != nil {
			return false, err
		}

		start, end := d.NewStartDate, d.NewEndDate
		c.SubscriptionStartDate = &start
		c.SubscriptionEndDate = &end
		res.Debit = debit
		fx.txns = append(fx.txns, debit)

		out, rec, err := s.transition(ctx, tx, c, lifecycle.EventServiceRenewed, now, fx)
		if err != nil {
			return false, err
		}
		res.Transition, res.SyncRecord = out, rec

		fx.emit(c, notify.EventServiceRenewed, map[string]any{
			"amount":       d.Amount.String(),
			"balance":      c.WalletBalance.String(),
			"new_end_date": end,
		})
		s.logger.Info("subscription renewed",
			zap.String("client_id", c.ID.String()),
			zap.Time("new_end_date", end),
			zap.String("amount", d.Amount.String()),
		)
		return true, nil

	case billing.DecisionInsufficientFunds:
		// Only a lapsed active subscription is suspended. An active client
		// still inside its paid period keeps service until it expires.
		if c.Status != models.ClientStatusActive || !c.IsExpired(now) {
			return false, nil
		}
		out, rec, err := s.transition(ctx, tx, c, lifecycle.EventRenewalDeclined, now, fx)
		if err != nil {
			return false, err
		}
		res.Transition, res.SyncRecord = out, rec

		data := map[string]any{
			"reason":  string(models.SuspendedReasonNonPayment),
			"balance": c.WalletBalance.String(),
			"rate":    c.MonthlyRate.String(),
		}
		if c.DisconnectionScheduledAt != nil {
			data["disconnection_scheduled_at"] = *c.DisconnectionScheduledAt
		}
		fx.emit(c, notify.EventServiceSuspended, data)
		return true, nil

	default:
		return false, nil
	}
}

// decide applies status gates before the pure policy. Only approved, active
// and non-payment suspended clients are billable.
func (s *Service) decide(c *models.Client, now time.Time, force bool) billing.Decision {
	switch {
	case c.Status == models.ClientStatusApproved, c.Status == models.ClientStatusActive:
	case c.Status == models.ClientStatusSuspended && c.SuspendedReason == models.SuspendedReasonNonPayment:
	case c.Status == models.ClientStatusSuspended:
		return billing.Decision{Kind: billing.DecisionHold, Reason: "suspended by an administrator"}
	default:
		return billing.Decision{Kind: billing.DecisionHold, Reason: "client status " + string(c.Status) + " is not billable"}
	}
	return s.evaluator.Evaluate(c, now, force)
}

// creditTx is shared by payments and manual credits.
func (s *Service) creditTx(ctx context.Context, tx store.Tx, c *models.Client, e ledger.Entry, res *Result, fx *effects) error {
	t, err := s.ledger.CreditTx(ctx, tx, c, e)
	if err != nil {
		return err
	}
	res.Transaction = t
	fx.txns = append(fx.txns, t)
	return nil
}
