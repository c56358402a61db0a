package ledger

import (
	"context"
	"sync"

	"ispcore/internal/models"
)

// Journal is a secondary double-entry record of wallet transactions. The
// relational store stays the book of record; journal writes happen after
// commit and must be idempotent per transaction ID.
type Journal interface {
	Record(ctx context.Context, txns ...*models.WalletTransaction) error
}

// NopJournal discards everything.
type NopJournal struct{}

// Record implements Journal.
func (NopJournal) Record(context.Context, ...*models.WalletTransaction) error { return nil }

// MemoryJournal keeps transfers in memory, deduplicated by ID.
type MemoryJournal struct {
	mu        sync.Mutex
	currency  Currency
	transfers map[[16]byte]Transfer
	order     []Transfer
}

// NewMemoryJournal creates an in-memory journal.
func NewMemoryJournal(currency Currency) *MemoryJournal {
	return &MemoryJournal{currency: currency, transfers: make(map[[16]byte]Transfer)}
}

// Record implements Journal.
func (j *MemoryJournal) Record(_ context.Context, txns ...*models.WalletTransaction) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, t := range txns {
		tr, err := TransferFor(t, j.currency)
		if err != nil {
			return err
		}
		if _, ok := j.transfers[tr.ID]; ok {
			continue
		}
		j.transfers[tr.ID] = tr
		j.order = append(j.order, tr)
	}
	return nil
}

// Balance returns an account's balance from the recorded transfers.
func (j *MemoryJournal) Balance(id AccountID) Balance {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b Balance
	for _, tr := range j.order {
		if tr.DebitAccount == id {
			b.Debits += tr.Amount
		}
		if tr.CreditAccount == id {
			b.Credits += tr.Amount
		}
	}
	return b
}

// Len returns the number of recorded transfers.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order)
}
