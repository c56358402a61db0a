package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountID represents a 128-bit TigerBeetle account ID.
// Structure: [owner_id: 64 bits][account_type: 8 bits][currency: 24 bits][reserved: 32 bits]
//
// The owner is a client for wallet accounts and a tenant for every other type.
type AccountID [16]byte

// NewAccountID creates a new AccountID from components.
func NewAccountID(ownerID uint64, accountType AccountType, currency Currency) AccountID {
	var id AccountID

	binary.BigEndian.PutUint64(id[0:8], ownerID)
	id[8] = byte(accountType)
	id[9] = byte(currency >> 16)
	id[10] = byte(currency >> 8)
	id[11] = byte(currency)

	return id
}

// NewAccountIDFromUUID creates an AccountID using a UUID's lower 64 bits as owner ID.
func NewAccountIDFromUUID(owner uuid.UUID, accountType AccountType, currency Currency) AccountID {
	return NewAccountID(binary.BigEndian.Uint64(owner[8:16]), accountType, currency)
}

// WalletAccount returns the journal account mirroring a client's wallet.
func WalletAccount(clientID uuid.UUID, currency Currency) AccountID {
	return NewAccountIDFromUUID(clientID, AccountTypeClientWallet, currency)
}

// TenantAccount returns a tenant-level counterpart account.
func TenantAccount(tenantID uuid.UUID, accountType AccountType, currency Currency) AccountID {
	return NewAccountIDFromUUID(tenantID, accountType, currency)
}

// OwnerID returns the owner ID component.
func (id AccountID) OwnerID() uint64 {
	return binary.BigEndian.Uint64(id[0:8])
}

// AccountType returns the account type component.
func (id AccountID) AccountType() AccountType {
	return AccountType(id[8])
}

// Currency returns the currency component.
func (id AccountID) Currency() Currency {
	return Currency(uint32(id[9])<<16 | uint32(id[10])<<8 | uint32(id[11]))
}

// String returns a human-readable representation of the AccountID.
func (id AccountID) String() string {
	return fmt.Sprintf("%s:%s:%016x",
		id.AccountType().String(),
		id.Currency().String(),
		id.OwnerID(),
	)
}

// Hex returns the hexadecimal representation of the AccountID.
func (id AccountID) Hex() string {
	return fmt.Sprintf("%032x", id[:])
}
