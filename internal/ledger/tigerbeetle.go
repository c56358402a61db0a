package ledger

import (
	"context"
	"fmt"

	tb "github.com/tigerbeetle/tigerbeetle-go"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	"ispcore/internal/config"
	"ispcore/internal/models"
)

// TigerBeetleJournal mirrors wallet transactions into TigerBeetle.
type TigerBeetleJournal struct {
	tb       tb.Client
	currency Currency
}

var _ Journal = (*TigerBeetleJournal)(nil)

// NewTigerBeetleJournal connects to the TigerBeetle cluster.
func NewTigerBeetleJournal(cfg config.TigerBeetleConfig) (*TigerBeetleJournal, error) {
	currency := CurrencyFromString(cfg.Currency)
	if currency == 0 {
		return nil, fmt.Errorf("unsupported journal currency %q", cfg.Currency)
	}

	addresses := make([]string, len(cfg.Addresses))
	copy(addresses, cfg.Addresses)

	client, err := tb.NewClient(tbtypes.ToUint128(cfg.ClusterID), addresses)
	if err != nil {
		return nil, fmt.Errorf("create TigerBeetle client: %w", err)
	}

	return &TigerBeetleJournal{tb: client, currency: currency}, nil
}

// Close closes the TigerBeetle client connection.
func (j *TigerBeetleJournal) Close() {
	j.tb.Close()
}

// Record implements Journal. Accounts are created on first use; accounts and
// transfers that already exist count as recorded.
func (j *TigerBeetleJournal) Record(_ context.Context, txns ...*models.WalletTransaction) error {
	if len(txns) == 0 {
		return nil
	}

	transfers := make([]tbtypes.Transfer, 0, len(txns))
	seen := make(map[AccountID]struct{})
	var accounts []tbtypes.Account
	for _, t := range txns {
		tr, err := TransferFor(t, j.currency)
		if err != nil {
			return err
		}
		for _, id := range tr.Accounts() {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			accounts = append(accounts, tbtypes.Account{
				ID:     tbtypes.BytesToUint128(id),
				Ledger: tr.Ledger,
				Code:   uint16(id.AccountType()),
			})
		}
		transfers = append(transfers, tr.toTigerBeetle())
	}

	accountResults, err := j.tb.CreateAccounts(accounts)
	if err != nil {
		return fmt.Errorf("create accounts: %w", err)
	}
	for _, r := range accountResults {
		if r.Result != tbtypes.AccountOK && r.Result != tbtypes.AccountExists {
			return fmt.Errorf("create account %d failed: %s", r.Index, r.Result.String())
		}
	}

	transferResults, err := j.tb.CreateTransfers(transfers)
	if err != nil {
		return fmt.Errorf("create transfers: %w", err)
	}
	for _, r := range transferResults {
		if r.Result != tbtypes.TransferOK && r.Result != tbtypes.TransferExists {
			return fmt.Errorf("create transfer %d failed: %s", r.Index, r.Result.String())
		}
	}

	return nil
}

// WalletBalance returns the journal's view of a client's wallet.
func (j *TigerBeetleJournal) WalletBalance(id AccountID) (Balance, error) {
	accounts, err := j.tb.LookupAccounts([]tbtypes.Uint128{tbtypes.BytesToUint128(id)})
	if err != nil {
		return Balance{}, fmt.Errorf("lookup account: %w", err)
	}
	if len(accounts) == 0 {
		return Balance{}, nil
	}

	return Balance{
		Debits:  uint128ToUint64(accounts[0].DebitsPosted),
		Credits: uint128ToUint64(accounts[0].CreditsPosted),
	}, nil
}

// uint128ToUint64 converts TigerBeetle Uint128 to uint64.
// Note: This may overflow for very large values.
func uint128ToUint64(v tbtypes.Uint128) uint64 {
	bi := v.BigInt()
	return bi.Uint64()
}
