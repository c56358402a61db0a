package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"ispcore/internal/apperr"
	"ispcore/internal/models"
)

const transactionColumns = `
	id, tenant_id, client_id, type, amount, reference_number, method, balance_after, created_at`

// TransactionRepository handles the append-only wallet ledger.
type TransactionRepository struct {
	q Querier
}

// NewTransactionRepository creates a new wallet transaction repository.
func NewTransactionRepository(q Querier) *TransactionRepository {
	return &TransactionRepository{q: q}
}

// Insert appends a ledger entry and fills in its ID and timestamp.
func (r *TransactionRepository) Insert(ctx context.Context, t *models.WalletTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	query := `
		INSERT INTO wallet_transactions (id, tenant_id, client_id, type, amount, reference_number, method, balance_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`

	err := r.q.QueryRow(ctx, query,
		t.ID,
		t.TenantID,
		t.ClientID,
		string(t.Type),
		int64(t.Amount),
		t.ReferenceNumber,
		t.Method,
		int64(t.BalanceAfter),
	).Scan(&t.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.ErrDuplicateReference, "payment %q already recorded", t.ReferenceNumber)
	}
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

// GetByReference finds an entry by client, type and reference number.
func (r *TransactionRepository) GetByReference(ctx context.Context, clientID uuid.UUID, typ models.TransactionType, ref string) (*models.WalletTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE client_id = $1 AND type = $2 AND reference_number = $3
		ORDER BY created_at
		LIMIT 1`

	t, err := r.scan(r.q.QueryRow(ctx, query, clientID, string(typ), ref))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return t, err
}

// ListByClient lists a client's entries, newest first.
func (r *TransactionRepository) ListByClient(ctx context.Context, clientID uuid.UUID, limit, offset int) ([]*models.WalletTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions
		WHERE client_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.q.Query(ctx, query, clientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query wallet transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.WalletTransaction
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// SumByClient returns the signed sum of a client's entries.
func (r *TransactionRepository) SumByClient(ctx context.Context, clientID uuid.UUID) (models.Money, error) {
	query := `
		SELECT COALESCE(SUM(CASE WHEN type = 'debit' THEN -amount ELSE amount END), 0)::BIGINT
		FROM wallet_transactions
		WHERE client_id = $1`

	var sum int64
	if err := r.q.QueryRow(ctx, query, clientID).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum wallet transactions: %w", err)
	}
	return models.Money(sum), nil
}

// ListUnjournaled lists entries created before the cutoff that have no
// journal mark, oldest first.
func (r *TransactionRepository) ListUnjournaled(ctx context.Context, before time.Time, limit int) ([]*models.WalletTransaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM wallet_transactions t
		WHERE t.created_at < $1
		  AND NOT EXISTS (SELECT 1 FROM wallet_journal_marks m WHERE m.transaction_id = t.id)
		ORDER BY t.created_at, t.id
		LIMIT $2`

	rows, err := r.q.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query unjournaled transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.WalletTransaction
	for rows.Next() {
		t, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan wallet transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// MarkJournaled records journal marks for the given entries.
func (r *TransactionRepository) MarkJournaled(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}

	query := `
		INSERT INTO wallet_journal_marks (transaction_id, journaled_at)
		SELECT id, $2 FROM unnest($1::uuid[]) AS id
		ON CONFLICT (transaction_id) DO NOTHING`

	if _, err := r.q.Exec(ctx, query, strs, at); err != nil {
		return fmt.Errorf("mark journaled: %w", err)
	}
	return nil
}

func (r *TransactionRepository) scan(s scanner) (*models.WalletTransaction, error) {
	var t models.WalletTransaction
	var typ string
	var amount, balanceAfter int64

	err := s.Scan(
		&t.ID,
		&t.TenantID,
		&t.ClientID,
		&typ,
		&amount,
		&t.ReferenceNumber,
		&t.Method,
		&balanceAfter,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Type = models.TransactionType(typ)
	t.Amount = models.Money(amount)
	t.BalanceAfter = models.Money(balanceAfter)
	return &t, nil
}
