package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is implemented by every synchronisable domain type. Concrete types
// embed [SyncMeta] and declare their exclusion sets at registry construction
// time (see internal/schema).
type Entity interface {
	// EntityType returns the canonical type name used in sync order
	// configuration, wire records and the primary-key cache.
	EntityType() string

	// Meta returns the entity's sync metadata. The returned pointer refers
	// to the embedded struct, so mutations are visible on the entity.
	Meta() *SyncMeta
}

// SyncMeta carries the per-entity bookkeeping every synchronisable type embeds.
//
// ID is the peer-local primary key assigned by the owning repository on first
// save; it is never shared between peers. SyncID is the global identity of the
// record: assigned once at creation, stable across all peers, and the join key
// for every sync operation.
type SyncMeta struct {
	ID         int64     `json:"id"`
	SyncID     uuid.UUID `json:"sync_id"`
	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
	IsDeleted  bool      `json:"is_deleted"`

	// baseline is the field snapshot taken at the last change-tracking
	// reset. Unexported so it never leaks into wire payloads.
	baseline map[string]any
}

// NewMeta returns metadata for a freshly created entity: zero local ID
// (the repository assigns one on save) and a fresh global SyncID.
func NewMeta() SyncMeta {
	return SyncMeta{SyncID: uuid.New()}
}

// Meta implements [Entity] for every type embedding SyncMeta.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// MarkDeleted soft-deletes the entity. The record keeps syncing as a deletion
// marker until a permanent-deletion sweep removes it; the sync engine itself
// never hard-removes rows.
func (m *SyncMeta) MarkDeleted() { m.IsDeleted = true }

// Baseline returns the snapshot captured at the last change-tracking reset,
// or nil if tracking was never reset.
func (m *SyncMeta) Baseline() map[string]any { return m.baseline }

// SetBaseline replaces the change-tracking snapshot. Called by the codec on
// reset; application code should not need it.
func (m *SyncMeta) SetBaseline(snapshot map[string]any) { m.baseline = snapshot }

// ClientMeta holds client-only bookkeeping shared by entities that a client
// annotates locally. LastClientUpdate never crosses the wire in either
// direction and is never touched when a sync update is applied, which is what
// lets a client-local field coexist with server-authoritative fields on the
// same record.
type ClientMeta struct {
	LastClientUpdate time.Time `json:"last_client_update"`
}

// TouchClient records a local annotation time on the client copy.
func (c *ClientMeta) TouchClient(at time.Time) { c.LastClientUpdate = at }
