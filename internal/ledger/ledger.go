// Package ledger maintains client wallet balances and their append-only
// transaction history.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ispcore/internal/apperr"
	"ispcore/internal/metrics"
	"ispcore/internal/models"
	"ispcore/internal/store"
)

// Entry describes one wallet movement.
type Entry struct {
	Type      models.TransactionType
	Amount    models.Money
	Reference string
	Method    string
}

// Ledger posts wallet transactions atomically with the balance update.
type Ledger struct {
	store   store.Store
	journal Journal
	logger  *zap.Logger
}

// New creates a ledger. A nil journal disables mirroring.
func New(s store.Store, journal Journal, logger *zap.Logger) *Ledger {
	if journal == nil {
		journal = NopJournal{}
	}
	return &Ledger{store: s, journal: journal, logger: logger}
}

// Credit adds amount to the client's wallet and returns the new balance.
func (l *Ledger) Credit(ctx context.Context, clientID uuid.UUID, amount models.Money, ref string) (models.Money, error) {
	t, err := l.post(ctx, clientID, Entry{Type: models.TransactionCredit, Amount: amount, Reference: ref})
	if err != nil {
		return 0, err
	}
	return t.BalanceAfter, nil
}

// Debit subtracts amount from the client's wallet and returns the new balance.
// It fails with apperr.ErrInsufficientFunds if the balance does not cover amount.
func (l *Ledger) Debit(ctx context.Context, clientID uuid.UUID, amount models.Money, ref string) (models.Money, error) {
	t, err := l.post(ctx, clientID, Entry{Type: models.TransactionDebit, Amount: amount, Reference: ref})
	if err != nil {
		return 0, err
	}
	return t.BalanceAfter, nil
}

func (l *Ledger) post(ctx context.Context, clientID uuid.UUID, e Entry) (*models.WalletTransaction, error) {
	if e.Amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}

	var posted *models.WalletTransaction
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.GetClientForUpdate(ctx, clientID)
		if err != nil {
			return fmt.Errorf("get client: %w", err)
		}
		if c == nil {
			return apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
		}

		if e.Type.IsCredit() {
			posted, err = l.CreditTx(ctx, tx, c, e)
		} else {
			posted, err = l.DebitTx(ctx, tx, c, e.Amount, e.Reference)
		}
		if err != nil {
			return err
		}
		return tx.SaveClient(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	l.Mirror(ctx, posted)
	return posted, nil
}

// CreditTx posts a credit-side entry inside tx and updates c.WalletBalance.
// The caller must save c in the same transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx store.Tx, c *models.Client, e Entry) (*models.WalletTransaction, error) {
	if e.Amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if !e.Type.IsCredit() {
		return nil, apperr.Newf(apperr.ErrMalformedRequest, "transaction type %q is not a credit", e.Type)
	}
	return l.insert(ctx, tx, c, e, c.WalletBalance+e.Amount)
}

// DebitTx posts a debit inside tx and updates c.WalletBalance. The caller must
// save c in the same transaction.
func (l *Ledger) DebitTx(ctx context.Context, tx store.Tx, c *models.Client, amount models.Money, ref string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, apperr.ErrInvalidAmount
	}
	if c.WalletBalance < amount {
		return nil, apperr.Newf(apperr.ErrInsufficientFunds,
			"balance %s does not cover %s", c.WalletBalance, amount)
	}
	return l.insert(ctx, tx, c, Entry{Type: models.TransactionDebit, Amount: amount, Reference: ref}, c.WalletBalance-amount)
}

func (l *Ledger) insert(ctx context.Context, tx store.Tx, c *models.Client, e Entry, balanceAfter models.Money) (*models.WalletTransaction, error) {
	t := &models.WalletTransaction{
		ID:              uuid.New(),
		TenantID:        c.TenantID,
		ClientID:        c.ID,
		Type:            e.Type,
		Amount:          e.Amount,
		ReferenceNumber: e.Reference,
		Method:          e.Method,
		BalanceAfter:    balanceAfter,
	}
	if t.ReferenceNumber == "" {
		t.ReferenceNumber = fmt.Sprintf("%s-%s", e.Type, t.ID)
	}

	if err := tx.InsertWalletTransaction(ctx, t); err != nil {
		return nil, err
	}
	c.WalletBalance = balanceAfter
	metrics.RecordLedgerEntry(string(e.Type))
	return t, nil
}

// Mirror writes committed transactions to the journal and marks them as
// journaled. Failures are logged and never surface to the caller; unmarked
// transactions are picked up by MirrorPending.
func (l *Ledger) Mirror(ctx context.Context, txns ...*models.WalletTransaction) {
	if len(txns) == 0 || !l.journaled() {
		return
	}
	if err := l.record(ctx, txns); err != nil {
		l.logger.Warn("journal write failed",
			zap.String("client_id", txns[0].ClientID.String()),
			zap.Int("count", len(txns)),
			zap.Error(err),
		)
	}
}

// MirrorPending replays transactions created before the cutoff that never
// reached the journal. Journal writes are idempotent per transaction ID, so a
// replay of an already recorded transfer is harmless.
func (l *Ledger) MirrorPending(ctx context.Context, before time.Time, limit int) (int, error) {
	if !l.journaled() {
		return 0, nil
	}
	txns, err := l.store.ListUnjournaledTransactions(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list unjournaled transactions: %w", err)
	}
	if len(txns) == 0 {
		return 0, nil
	}
	if err := l.record(ctx, txns); err != nil {
		return 0, err
	}
	l.logger.Info("replayed transactions to journal", zap.Int("count", len(txns)))
	return len(txns), nil
}

func (l *Ledger) journaled() bool {
	_, nop := l.journal.(NopJournal)
	return !nop
}

func (l *Ledger) record(ctx context.Context, txns []*models.WalletTransaction) error {
	if err := l.journal.Record(ctx, txns...); err != nil {
		metrics.JournalErrorsTotal.Inc()
		return fmt.Errorf("record journal: %w", err)
	}
	ids := make([]uuid.UUID, len(txns))
	for i, t := range txns {
		ids[i] = t.ID
	}
	if err := l.store.MarkJournaled(ctx, ids, time.Now()); err != nil {
		return fmt.Errorf("mark journaled: %w", err)
	}
	return nil
}

// Reconcile compares the stored balance with the signed sum of the client's
// transactions.
func (l *Ledger) Reconcile(ctx context.Context, clientID uuid.UUID) (*models.Reconciliation, error) {
	c, err := l.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if c == nil {
		return nil, apperr.Newf(apperr.ErrNotFound, "client %s not found", clientID)
	}

	sum, err := l.store.SumWalletTransactions(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("sum transactions: %w", err)
	}

	return &models.Reconciliation{
		ClientID:  clientID,
		Balance:   c.WalletBalance,
		LedgerSum: sum,
		Drift:     c.WalletBalance - sum,
	}, nil
}
