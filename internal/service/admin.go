package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/billing"
	"ispcore/internal/lifecycle"
	"ispcore/internal/models"
	"ispcore/internal/netsync"
	"ispcore/internal/notify"
	"ispcore/internal/store"
)

// AdminAction is an operator request to move a client to a target state.
type AdminAction struct {
	TenantID    uuid.UUID
	ClientID    uuid.UUID
	TargetState models.ClientStatus
	Reason      string
}

// adminEvent maps a requested target state to the lifecycle event that
// reaches it. Whether the event is valid from the current state is left to
// the state machine.
func adminEvent(target models.ClientStatus) (lifecycle.Event, error) {
	switch target {
	case models.ClientStatusApproved:
		return lifecycle.EventApprove, nil
	case models.ClientStatusRejected:
		return lifecycle.EventReject, nil
	case models.ClientStatusSuspended:
		return lifecycle.EventAdminSuspend, nil
	case models.ClientStatusActive:
		return lifecycle.EventAdminResume, nil
	case models.ClientStatusDisconnected:
		return lifecycle.EventDisconnect, nil
	case models.ClientStatusPending:
		return lifecycle.EventReapply, nil
	default:
		return "", apperr.Newf(apperr.ErrMalformedRequest, "unknown target state %q", target)
	}
}

// ApplyAdminAction moves a client to the requested state. Activating an
// approved client is a forced renewal: it requires funds for the first period.
func (s *Service) ApplyAdminAction(ctx context.Context, a AdminAction) (*Result, error) {
	ev, err := adminEvent(a.TargetState)
	if err != nil {
		return nil, err
	}

	var (
		res *Result
		fx  *effects
		c   *models.Client
	)
	err = s.withClient(ctx, a.ClientID, func() error {
		res, fx, c = &Result{}, &effects{}, nil
		return s.commit(ctx, fx, func(tx store.Tx) error {
			var err error
			c, err = loadForUpdate(ctx, tx, a.TenantID, a.ClientID)
			if err != nil {
				return err
			}
			now := s.now()

			if c.Status == models.ClientStatusApproved && a.TargetState == models.ClientStatusActive {
				changed, err := s.renewTx(ctx, tx, c, now, true, res, fx)
				if err != nil {
					return err
				}
				if !changed {
					return activationError(res.Renewal)
				}
				return tx.SaveClient(ctx, c)
			}

			out, rec, err := s.transition(ctx, tx, c, ev, now, fx)
			if err != nil {
				return err
			}
			res.Transition, res.SyncRecord = out, rec

			switch out.To {
			case models.ClientStatusSuspended:
				fx.emit(c, notify.EventServiceSuspended, map[string]any{
					"reason": string(models.SuspendedReasonAdmin),
					"note":   a.Reason,
				})
			case models.ClientStatusDisconnected:
				fx.emit(c, notify.EventServiceDisconnected, map[string]any{"reason": a.Reason})
			}
			return tx.SaveClient(ctx, c)
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("admin action applied",
		zap.String("client_id", a.ClientID.String()),
		zap.String("target_state", string(a.TargetState)),
		zap.String("reason", a.Reason),
	)

	s.release(ctx, fx)
	s.refresh(ctx, res, c)
	return res, nil
}

func activationError(d *billing.Decision) error {
	if d != nil && d.Kind == billing.DecisionInsufficientFunds {
		return apperr.Newf(apperr.ErrInsufficientFunds, "activation requires a funded first period")
	}
	reason := "renewal did not run"
	if d != nil && d.Reason != "" {
		reason = d.Reason
	}
	return apperr.Newf(apperr.ErrInvalidTransition, "cannot activate: %s", reason)
}

// DisconnectOverdue disconnects a client whose non-payment grace period has
// passed. Clients that paid or were otherwise moved in the meantime are left
// alone.
func (s *Service) DisconnectOverdue(ctx context.Context, clientID uuid.UUID) (*Result, error) {
	var (
		res *Result
		fx  *effects
		c   *models.Client
	)
	err := s.withClient(ctx, clientID, func() error {
		res, fx, c = &Result{}, &effects{}, nil
		return s.commit(ctx, fx, func(tx store.Tx) error {
			var err error
			c, err = loadForUpdate(ctx, tx, uuid.Nil, clientID)
			if err != nil {
				return err
			}
			now := s.now()
			if c.Status != models.ClientStatusSuspended ||
				c.SuspendedReason != models.SuspendedReasonNonPayment ||
				c.DisconnectionScheduledAt == nil ||
				c.DisconnectionScheduledAt.After(now) {
				return nil
			}

			out, rec, err := s.transition(ctx, tx, c, lifecycle.EventDisconnect, now, fx)
			if err != nil {
				return err
			}
			res.Transition, res.SyncRecord = out, rec
			fx.emit(c, notify.EventServiceDisconnected, map[string]any{
				"reason": "grace period expired",
			})
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

// RetrySync re-dispatches the action the client's current status calls for.
// manual starts a fresh retry budget; scheduler retries keep counting.
func (s *Service) RetrySync(ctx context.Context, tenantID, clientID uuid.UUID, manual bool) (*models.SyncRecord, error) {
	if _, err := s.GetClient(ctx, tenantID, clientID); err != nil {
		return nil, err
	}

	var (
		rec     *models.SyncRecord
		sendErr error
	)
	err := s.withClient(ctx, clientID, func() error {
		var err error
		rec, err = s.dispatcher.Dispatch(ctx, clientID, manual)
		if rec != nil && errors.Is(err, apperr.ErrSyncFailed) {
			sendErr, err = err, nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if cur, getErr := s.store.GetSyncRecord(ctx, rec.ID); getErr == nil && cur != nil {
		rec = cur
	}
	if sendErr != nil {
		return rec, fmt.Errorf("retry %s: %w", netsync.WireAction(rec.Action), sendErr)
	}
	return rec, nil
}
