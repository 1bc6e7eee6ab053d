package models

import (
	"time"

	"github.com/google/uuid"
)

// Record is the wire representation of one entity change. It is a transit-only
// copy: the sync engine builds records from repository entities (applying the
// outgoing exclusion set) and applies them to the opposite repository (applying
// the incoming or sync-update exclusion set). Records never alias repository
// state.
type Record struct {
	// EntityType names the registered type this record belongs to.
	EntityType string `json:"entity_type"`

	// SyncID is the global identity of the record and the join key used to
	// resolve it against the receiving repository. Local primary keys are
	// never used for matching.
	SyncID uuid.UUID `json:"sync_id"`

	// ModifiedOn is the sender-side modification stamp, used for watermark
	// advancement on the pull path.
	ModifiedOn time.Time `json:"modified_on"`

	// Fields holds the property values surviving the sender's outgoing
	// exclusion set, keyed by wire property name.
	Fields map[string]any `json:"fields"`
}
