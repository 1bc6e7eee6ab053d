package models

import "github.com/google/uuid"

// TypeAddress is the canonical entity type name for [Address].
const TypeAddress = "address"

// Address is a mutable, client-annotated entity. It is the parent side of the
// address/account reference and therefore appears before [Account] in the
// default sync order.
type Address struct {
	SyncMeta
	ClientMeta

	Line1    string `json:"line1"`
	Line2    string `json:"line2"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`

	// Accounts is a navigation collection maintained locally: the sync ids
	// of accounts referencing this address. It never crosses the wire.
	Accounts []uuid.UUID `json:"accounts"`
}

// EntityType implements [Entity].
func (a *Address) EntityType() string { return TypeAddress }
