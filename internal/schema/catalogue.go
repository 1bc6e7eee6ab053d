package schema

import "github.com/entsync/entsync/models"

// clientEntity is the shared base declaration for client-annotated types:
// last_client_update stays local in every sync direction but remains
// change-tracked, so touching it still marks the entity dirty and schedules
// a push of the record's other fields.
var clientEntity = Declaration{
	IncomingExclusions:   []string{"last_client_update"},
	OutgoingExclusions:   []string{"last_client_update"},
	SyncUpdateExclusions: []string{"last_client_update"},
}

// DefaultDeclarations returns the built-in entity catalogue in sync order:
// addresses before the accounts that reference them, then the append-only
// log events and plain settings.
func DefaultDeclarations() []Declaration {
	return []Declaration{
		{
			Name: models.TypeAddress,
			Base: &clientEntity,
			New:  func() models.Entity { return &models.Address{} },

			// The navigation collection is local bookkeeping on each peer.
			IncomingExclusions:   []string{"accounts"},
			OutgoingExclusions:   []string{"accounts"},
			SyncUpdateExclusions: []string{"accounts"},
		},
		{
			Name: models.TypeAccount,
			Base: &clientEntity,
			New:  func() models.Entity { return &models.Account{} },

			// address_id is the peer-local resolved foreign key.
			IncomingExclusions:   []string{"address_id"},
			OutgoingExclusions:   []string{"address_id"},
			SyncUpdateExclusions: []string{"address_id"},

			References: []Reference{{
				Field:      "address_sync_id",
				LocalField: "address_id",
				EntityType: models.TypeAddress,
			}},
		},
		{
			Name:      models.TypeLogEvent,
			New:       func() models.Entity { return &models.LogEvent{} },
			Immutable: true,
		},
		{
			Name: models.TypeSetting,
			New:  func() models.Entity { return &models.Setting{} },
		},
	}
}

// DefaultRegistry builds a registry over [DefaultDeclarations]. The catalogue
// is static, so a failure here is a programming error.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDeclarations()...)
	if err != nil {
		panic(err)
	}
	return r
}
