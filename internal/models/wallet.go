package models

import (
	"time"

	"github.com/google/uuid"
)

// WalletTransaction is an append-only wallet ledger entry.
// Amount is always a positive magnitude; the sign is implied by Type.
type WalletTransaction struct {
	ID              uuid.UUID       `json:"id"`
	TenantID        uuid.UUID       `json:"tenant_id"`
	ClientID        uuid.UUID       `json:"client_id"`
	Type            TransactionType `json:"type"`
	Amount          Money           `json:"amount"`
	ReferenceNumber string          `json:"reference_number"`
	Method          string          `json:"method,omitempty"`
	BalanceAfter    Money           `json:"balance_after"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Signed returns the amount with the sign applied to the wallet balance.
func (t *WalletTransaction) Signed() Money {
	if t.Type.IsCredit() {
		return t.Amount
	}
	return -t.Amount
}

// Reconciliation compares a client's stored balance against its ledger.
type Reconciliation struct {
	ClientID  uuid.UUID `json:"client_id"`
	Balance   Money     `json:"balance"`
	LedgerSum Money     `json:"ledger_sum"`
	Drift     Money     `json:"drift"`
}

// Balanced returns true if the stored balance matches the ledger.
func (r Reconciliation) Balanced() bool {
	return r.Drift == 0
}
