package ledger

// AccountType represents the type of TigerBeetle account.
type AccountType uint8

const (
	// AccountTypeClientWallet mirrors one subscriber's prepaid wallet.
	AccountTypeClientWallet AccountType = 0x01

	// AccountTypeTenantCollections is the source of inbound payments for a tenant.
	AccountTypeTenantCollections AccountType = 0x02

	// AccountTypeTenantRevenue receives subscription renewal charges.
	AccountTypeTenantRevenue AccountType = 0x03

	// AccountTypeTenantAdjustments is the counterpart of manual credits and refunds.
	AccountTypeTenantAdjustments AccountType = 0x04
)

// String returns a human-readable name for the account type.
func (t AccountType) String() string {
	switch t {
	case AccountTypeClientWallet:
		return "CLIENT_WALLET"
	case AccountTypeTenantCollections:
		return "TENANT_COLLECTIONS"
	case AccountTypeTenantRevenue:
		return "TENANT_REVENUE"
	case AccountTypeTenantAdjustments:
		return "TENANT_ADJUSTMENTS"
	default:
		return "UNKNOWN"
	}
}

// Currency represents ISO 4217 numeric currency codes as ledger IDs.
type Currency uint32

const (
	CurrencyKES Currency = 404
	CurrencyUGX Currency = 800
	CurrencyTZS Currency = 834
	CurrencyNGN Currency = 566
	CurrencyUSD Currency = 840
)

// String returns the ISO 4217 code for the currency.
func (c Currency) String() string {
	switch c {
	case CurrencyKES:
		return "KES"
	case CurrencyUGX:
		return "UGX"
	case CurrencyTZS:
		return "TZS"
	case CurrencyNGN:
		return "NGN"
	case CurrencyUSD:
		return "USD"
	default:
		return "UNKNOWN"
	}
}

// CurrencyFromString converts a currency code string to Currency.
func CurrencyFromString(s string) Currency {
	switch s {
	case "KES":
		return CurrencyKES
	case "UGX":
		return CurrencyUGX
	case "TZS":
		return CurrencyTZS
	case "NGN":
		return CurrencyNGN
	case "USD":
		return CurrencyUSD
	default:
		return 0
	}
}

// TransferCode classifies journal transfers by wallet transaction type.
type TransferCode uint16

const (
	TransferCodePayment TransferCode = 1
	TransferCodeCredit  TransferCode = 2
	TransferCodeRefund  TransferCode = 3
	TransferCodeDebit   TransferCode = 4
)

// Balance represents a journal account balance.
type Balance struct {
	Debits  uint64 // Total debits posted
	Credits uint64 // Total credits posted
}

// Total returns the balance from the account holder's side (credits - debits).
func (b Balance) Total() int64 {
	return int64(b.Credits) - int64(b.Debits)
}
