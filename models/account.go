package models

import "github.com/google/uuid"

// TypeAccount is the canonical entity type name for [Account].
const TypeAccount = "account"

// Account is a mutable entity referencing an [Address] parent.
//
// The reference is carried on the wire as AddressSyncID (global identity);
// AddressID is the peer-local foreign key the sync engine resolves through
// the primary-key cache when an incoming account is applied. AddressID is
// meaningless outside its own repository and is never sent to a peer.
type Account struct {
	SyncMeta
	ClientMeta

	Name         string `json:"name"`
	EmailAddress string `json:"email_address"`

	AddressID     int64     `json:"address_id"`
	AddressSyncID uuid.UUID `json:"address_sync_id"`
}

// EntityType implements [Entity].
func (a *Account) EntityType() string { return TypeAccount }
