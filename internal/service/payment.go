package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/ledger"
	"ispcore/internal/models"
	"ispcore/internal/notify"
	"ispcore/internal/store"
)

// PaymentConfirmation is an inbound payment event.
type PaymentConfirmation struct {
	TenantID        uuid.UUID
	ClientID        uuid.UUID
	Amount          models.Money
	ReferenceNumber string
	Method          string
}

// CreditRequest is a manual wallet adjustment by an operator.
type CreditRequest struct {
	TenantID        uuid.UUID
	ClientID        uuid.UUID
	Amount          models.Money
	Type            models.TransactionType
	ReferenceNumber string
	Method          string
}

// HandlePayment credits a confirmed payment and evaluates renewal in the same
// transaction. A reference number already recorded for the client returns the
// original transaction without crediting again.
func (s *Service) HandlePayment(ctx context.Context, p PaymentConfirmation) (*Result, error) {
	if p.Amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	ref := strings.TrimSpace(p.ReferenceNumber)
	if ref == "" {
		return nil, apperr.Newf(apperr.ErrMalformedRequest, "reference_number is required")
	}

	var (
		res *Result
		fx  *effects
		c   *models.Client
	)
	err := s.withClient(ctx, p.ClientID, func() error {
		res, fx, c = &Result{}, &effects{}, nil
		return s.commit(ctx, fx, func(tx store.Tx) error {
			var err error
			c, err = loadForUpdate(ctx, tx, p.TenantID, p.ClientID)
			if err != nil {
				return err
			}

			existing, err := tx.GetWalletTransactionByReference(ctx, c.ID, models.TransactionPayment, ref)
			if err != nil {
				return err
			}
			if existing != nil {
				res.Transaction = existing
				res.Duplicate = true
				return nil
			}

			entry := ledger.Entry{Type: models.TransactionPayment, Amount: p.Amount, Reference: ref, Method: p.Method}
			if err := s.creditTx(ctx, tx, c, entry, res, fx); err != nil {
				return err
			}
			fx.emit(c, notify.EventPaymentReceived, map[string]any{
				"amount":           p.Amount.String(),
				"reference_number": ref,
				"method":           p.Method,
				"balance":          c.WalletBalance.String(),
			})

			if _, err := s.renewTx(ctx, tx, c, s.now(), false, res, fx); err != nil {
				return err
			}
			return tx.SaveClient(ctx, c)
		})
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		s.logger.Info("duplicate payment ignored",
			zap.String("client_id", p.ClientID.String()),
			zap.String("reference_number", ref),
		)
	} else {
		s.logger.Info("payment received",
			zap.String("client_id", p.ClientID.String()),
			zap.String("reference_number", ref),
			zap.String("amount", p.Amount.String()),
		)
	}

	s.release(ctx, fx)
	s.refresh(ctx, res, c)
	return res, nil
}

// CreditWallet posts a manual credit or refund and evaluates renewal.
func (s *Service) CreditWallet(ctx context.Context, r CreditRequest) (*Result, error) {
	if r.Amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if r.Type == "" {
		r.Type = models.TransactionCredit
	}
	if r.Type != models.TransactionCredit && r.Type != models.TransactionRefund {
		return nil, apperr.Newf(apperr.ErrMalformedRequest, "type must be credit or refund")
	}

	var (
		res *Result
		fx  *effects
		c   *models.Client
	)
	err := s.withClient(ctx, r.ClientID, func() error {
		res, fx, c = &Result{}, &effects{}, nil
		return s.commit(ctx, fx, func(tx store.Tx) error {
			var err error
			c, err = loadForUpdate(ctx, tx, r.TenantID, r.ClientID)
			if err != nil {
				return err
			}

			entry := ledger.Entry{Type: r.Type, Amount: r.Amount, Reference: strings.TrimSpace(r.ReferenceNumber), Method: r.Method}
			if err := s.creditTx(ctx, tx, c, entry, res, fx); err != nil {
				return err
			}
			if _, err := s.renewTx(ctx, tx, c, s.now(), false, res, fx); err != nil {
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
