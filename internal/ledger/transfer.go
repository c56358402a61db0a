package ledger

import (
	"fmt"

	"github.com/google/uuid"
	tbtypes "github.com/tigerbeetle/tigerbeetle-go/pkg/types"

	"ispcore/internal/models"
)

// Transfer represents a journal transfer mirroring one wallet transaction.
type Transfer struct {
	ID            uuid.UUID
	DebitAccount  AccountID
	CreditAccount AccountID
	Amount        uint64
	Ledger        uint32
	Code          TransferCode
	UserData128   [16]byte
	UserData64    uint64
}

// TransferFor maps a wallet transaction onto a double-entry transfer. The
// transfer ID is the wallet transaction ID so a replay is a no-op.
//
//	payment: TENANT_COLLECTIONS -> CLIENT_WALLET
//	credit:  TENANT_ADJUSTMENTS -> CLIENT_WALLET
//	refund:  TENANT_ADJUSTMENTS -> CLIENT_WALLET
//	debit:   CLIENT_WALLET -> TENANT_REVENUE
func TransferFor(t *models.WalletTransaction, currency Currency) (Transfer, error) {
	if t.Amount <= 0 {
		return Transfer{}, fmt.Errorf("transfer amount must be positive, got %s", t.Amount)
	}

	wallet := WalletAccount(t.ClientID, currency)
	tr := Transfer{
		ID:          t.ID,
		Amount:      uint64(t.Amount),
		Ledger:      uint32(currency),
		UserData128: [16]byte(t.ClientID),
		UserData64:  uint64(t.CreatedAt.UnixMilli()),
	}

	switch t.Type {
	case models.TransactionPayment:
		tr.DebitAccount = TenantAccount(t.TenantID, AccountTypeTenantCollections, currency)
		tr.CreditAccount = wallet
		tr.Code = TransferCodePayment
	case models.TransactionCredit:
		tr.DebitAccount = TenantAccount(t.TenantID, AccountTypeTenantAdjustments, currency)
		tr.CreditAccount = wallet
		tr.Code = TransferCodeCredit
	case models.TransactionRefund:
		tr.DebitAccount = TenantAccount(t.TenantID, AccountTypeTenantAdjustments, currency)
		tr.CreditAccount = wallet
		tr.Code = TransferCodeRefund
	case models.TransactionDebit:
		tr.DebitAccount = wallet
		tr.CreditAccount = TenantAccount(t.TenantID, AccountTypeTenantRevenue, currency)
		tr.Code = TransferCodeDebit
	default:
		return Transfer{}, fmt.Errorf("unknown transaction type %q", t.Type)
	}
	return tr, nil
}

// Accounts returns both accounts the transfer touches.
func (t Transfer) Accounts() []AccountID {
	return []AccountID{t.DebitAccount, t.CreditAccount}
}

// ClientID returns the client the transfer was recorded for.
func (t Transfer) ClientID() uuid.UUID {
	return uuid.UUID(t.UserData128)
}

// toTigerBeetle converts the transfer to TigerBeetle format.
func (t Transfer) toTigerBeetle() tbtypes.Transfer {
	return tbtypes.Transfer{
		ID:              tbtypes.BytesToUint128([16]byte(t.ID)),
		DebitAccountID:  tbtypes.BytesToUint128(t.DebitAccount),
		CreditAccountID: tbtypes.BytesToUint128(t.CreditAccount),
		Amount:          tbtypes.ToUint128(t.Amount),
		Ledger:          t.Ledger,
		Code:            uint16(t.Code),
		UserData128:     tbtypes.BytesToUint128(t.UserData128),
		UserData64:      t.UserData64,
	}
}
